package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors.
var (
	ErrUnknownVariant = errors.New("unknown message variant")
	ErrInvalidMessage = errors.New("invalid message document")
)

// Encode serializes a message as an externally tagged JSON document.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msg.Variant(), err)
	}
	doc := map[string]json.RawMessage{msg.Variant(): payload}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s document: %w", msg.Variant(), err)
	}
	return data, nil
}

// Decode parses an externally tagged JSON document into the matching
// message variant.
func Decode(data []byte) (Message, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(doc) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one variant tag, got %d", ErrInvalidMessage, len(doc))
	}

	for tag, payload := range doc {
		msg, err := newMessage(tag)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, fmt.Errorf("%w: bad %s payload: %v", ErrInvalidMessage, tag, err)
		}
		return msg, nil
	}
	return nil, ErrInvalidMessage
}

// newMessage returns a zero value of the variant for a wire tag.
func newMessage(tag string) (Message, error) {
	switch tag {
	case TypePairingRequest:
		return &PairingRequest{}, nil
	case TypeChallenge:
		return &Challenge{}, nil
	case TypeResponse:
		return &Response{}, nil
	case TypeComplete:
		return &Complete{}, nil
	case TypeProxyPairingRequest:
		return &ProxyPairingRequest{}, nil
	case TypeProxyPairingResponse:
		return &ProxyPairingResponse{}, nil
	case TypeProxyPairingComplete:
		return &ProxyPairingComplete{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, tag)
	}
}

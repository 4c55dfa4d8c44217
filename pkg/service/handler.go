package service

import (
	"fmt"
	"io"
	"time"

	"github.com/spacedrive/meshpair-go/pkg/identity"
	"github.com/spacedrive/meshpair-go/pkg/log"
	"github.com/spacedrive/meshpair-go/pkg/pairing"
	"github.com/spacedrive/meshpair-go/pkg/transport"
	"github.com/spacedrive/meshpair-go/pkg/vouching"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// Handler is the inbound protocol dispatcher for pairing streams. The
// handler set is fixed at build time, so dispatch is a tagged switch over
// the wire variants: direct pairing messages go to the state machine,
// proxy messages to the vouching session manager.
type Handler struct {
	machine *pairing.Machine
	manager *vouching.Manager
	logger  log.Logger
}

// NewHandler creates the dispatcher.
func NewHandler(machine *pairing.Machine, manager *vouching.Manager, logger log.Logger) *Handler {
	return &Handler{
		machine: machine,
		manager: manager,
		logger:  log.OrNoop(logger),
	}
}

// HandleStream serves one stream until the exchange ends: it keeps
// reading frames, dispatching each and writing the response frame when the
// dispatch produces one. A Complete - received or sent - closes the
// stream, as does EOF. Oversized or undecodable frames terminate the
// stream without mutating any session; dispatch errors additionally fail
// the implicated session.
func (h *Handler) HandleStream(stream transport.Stream, remote identity.NodeID) {
	defer stream.Close()

	fr := transport.NewFrameReader(stream)
	fw := transport.NewFrameWriter(stream)

	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			// EOF is the peer ending the exchange.
			if err != io.EOF {
				h.logStreamError(remote, "read frame", err)
			}
			return
		}

		msg, err := wire.Decode(payload)
		if err != nil {
			// Serialization failure on the frame: close without touching
			// any session state.
			h.logStreamError(remote, "decode message", err)
			return
		}

		h.logMessage(remote, msg, len(payload), log.DirectionIn)

		resp, err := h.dispatch(remote, msg)
		if err != nil {
			h.logStreamError(remote, fmt.Sprintf("handle %s", msg.Variant()), err)
			if Classify(err) != KindNotFound {
				h.machine.FailSession(msg.Session(), err.Error())
			}
			return
		}

		if resp != nil {
			data, err := wire.Encode(resp)
			if err != nil {
				h.logStreamError(remote, "encode response", err)
				return
			}
			if err := fw.WriteFrame(data); err != nil {
				h.logStreamError(remote, "write response", err)
				h.machine.FailSession(msg.Session(), fmt.Sprintf("Failed to send %s: %v", resp.Variant(), err))
				return
			}
			h.logMessage(remote, resp, len(data), log.DirectionOut)

			// The challenge only counts as sent once it is on the wire.
			if resp.Variant() == wire.TypeChallenge {
				h.machine.ChallengeDispatched(resp.Session())
			}
			if resp.Variant() == wire.TypeComplete {
				return
			}
		}

		if msg.Variant() == wire.TypeComplete {
			return
		}
	}
}

// dispatch routes one message to its owner and returns the response to
// write on the stream, if any.
func (h *Handler) dispatch(remote identity.NodeID, msg wire.Message) (wire.Message, error) {
	switch m := msg.(type) {
	case *wire.PairingRequest:
		challenge, err := h.machine.HandlePairingRequest(remote, m)
		if err != nil {
			return nil, err
		}
		return challenge, nil
	case *wire.Challenge:
		return nil, h.machine.HandleChallenge(remote, m)
	case *wire.Response:
		complete, err := h.machine.HandleResponse(remote, m)
		if err != nil {
			return nil, err
		}
		return complete, nil
	case *wire.Complete:
		return nil, h.machine.HandleComplete(remote, m)
	case *wire.ProxyPairingRequest:
		return nil, h.manager.HandleProxyPairingRequest(remote, m)
	case *wire.ProxyPairingResponse:
		return nil, h.manager.HandleProxyPairingResponse(remote, m)
	case *wire.ProxyPairingComplete:
		return nil, h.manager.HandleProxyPairingComplete(remote, m)
	default:
		return nil, fmt.Errorf("%w: %q", wire.ErrUnknownVariant, msg.Variant())
	}
}

// logMessage records a decoded message at the wire layer.
func (h *Handler) logMessage(remote identity.NodeID, msg wire.Message, size int, direction log.Direction) {
	h.logger.Log(log.Event{
		Timestamp: time.Now(),
		NodeID:    remote.String(),
		SessionID: msg.Session().String(),
		Direction: direction,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Message:   &log.MessageEvent{Variant: msg.Variant(), Size: size},
	})
}

// logStreamError records a stream-level failure.
func (h *Handler) logStreamError(remote identity.NodeID, context string, err error) {
	h.logger.Log(log.Event{
		Timestamp: time.Now(),
		NodeID:    remote.String(),
		Direction: log.DirectionIn,
		Layer:     log.LayerWire,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerWire,
			Message: err.Error(),
			Context: context,
		},
	})
}

// Compile-time interface satisfaction check.
var _ transport.StreamHandler = (*Handler)(nil)

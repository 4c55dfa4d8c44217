package vouching

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/spacedrive/meshpair-go/pkg/device"
)

// deriveProxySharedSecret expands the base secret into a per-pair secret.
// The context binds voucher, target, vouchee, and the vouchee's public key
// so no two pairs ever derive the same keys from one base secret.
func deriveProxySharedSecret(voucherDeviceID, targetDeviceID, voucheeDeviceID uuid.UUID, voucheePublicKey, baseSecret []byte) ([]byte, error) {
	context := fmt.Sprintf("spacedrive-proxy-pairing-%s:%s:%s:%s",
		voucherDeviceID, targetDeviceID, voucheeDeviceID, hex.EncodeToString(voucheePublicKey))

	derived := make([]byte, device.SessionKeySize)
	r := hkdf.New(sha256.New, baseSecret, nil, []byte(context))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("failed to derive proxy shared secret: %w", err)
	}
	return derived, nil
}

// DeriveProxySessionKeys derives the two views of the session keys for one
// (target, vouchee) pair. The first return is the target's view
// (receiverKeys, carried in the ProxyPairingRequest); the vouchee's view is
// the same pair with send and receive swapped.
func DeriveProxySessionKeys(voucherDeviceID, targetDeviceID, voucheeDeviceID uuid.UUID, voucheePublicKey, baseSecret []byte) (receiverKeys, voucheeKeys device.SessionKeys, err error) {
	secret, err := deriveProxySharedSecret(voucherDeviceID, targetDeviceID, voucheeDeviceID, voucheePublicKey, baseSecret)
	if err != nil {
		return device.SessionKeys{}, device.SessionKeys{}, err
	}
	receiverKeys, err = device.SessionKeysFromSharedSecret(secret)
	if err != nil {
		return device.SessionKeys{}, device.SessionKeys{}, err
	}
	voucheeKeys = receiverKeys.Swap()
	return receiverKeys, voucheeKeys, nil
}

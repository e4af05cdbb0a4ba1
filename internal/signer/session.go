package signer

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SessionSigner holds an ephemeral secp256k1 key scoped to one connection.
// The key lives only in memory and is thrown away with the connection; the
// wallet key authorises it once during the handshake.
type SessionSigner struct {
	priv    *secp256k1.PrivateKey
	address string
}

var _ MessageSigner = (*SessionSigner)(nil)

// NewSessionSigner generates a fresh session key.
func NewSessionSigner() (*SessionSigner, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return &SessionSigner{
		priv:    priv,
		address: AddressFromPubKey(priv.PubKey()),
	}, nil
}

// SessionSignerFromHex restores a signer from a hex-encoded private key.
// Used by tests; production keys are always freshly generated.
func SessionSignerFromHex(keyHex string) (*SessionSigner, error) {
	raw, err := hex.DecodeString(trim0x(keyHex))
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &SessionSigner{
		priv:    priv,
		address: AddressFromPubKey(priv.PubKey()),
	}, nil
}

// Address returns the EVM-style address derived from the session public key.
func (s *SessionSigner) Address() string { return s.address }

// Sign produces a 65-byte recoverable signature (r‖s‖v) over the Keccak-256
// digest of the payload. Non-interactive; safe to call on every request.
func (s *SessionSigner) Sign(payload []byte) ([]byte, error) {
	return s.signDigest(Keccak256(payload)), nil
}

func (s *SessionSigner) signDigest(digest [32]byte) []byte {
	compact := secpecdsa.SignCompact(s.priv, digest[:], false)
	// SignCompact puts the recovery byte first; the wire wants r||s||v.
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27
	return sig
}

// AddressFromPubKey derives the 0x-prefixed EVM address: the last 20 bytes of
// Keccak-256 over the uncompressed public key without its 0x04 prefix.
func AddressFromPubKey(pub *secp256k1.PublicKey) string {
	raw := pub.SerializeUncompressed()
	digest := Keccak256(raw[1:])
	return "0x" + hex.EncodeToString(digest[12:])
}

// RecoverAddress recovers the signing address from an r‖s‖v signature over
// the given digest.
func RecoverAddress(digest [32]byte, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("signature is %d bytes, want 65", len(sig))
	}
	compact := make([]byte, 65)
	compact[0] = sig[64] + 27
	copy(compact[1:], sig[:64])
	pub, _, err := secpecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return AddressFromPubKey(pub), nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Package signer provides the two signing capabilities used against the
// clearing authority: an interactive wallet signer for the handshake and a
// non-interactive session-key signer for everything after it.
package signer

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// MessageSigner signs protocol payloads on behalf of an address. Callers pick
// the implementation by context: the wallet signer authorises a handshake,
// the session signer covers regular traffic.
type MessageSigner interface {
	// Address returns the 0x-prefixed address the signatures recover to.
	Address() string
	// Sign produces a signature over the payload bytes.
	Sign(payload []byte) ([]byte, error)
}

// Keccak256 hashes data with legacy Keccak-256 as used for addresses and
// message digests on EVM chains.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// SignHex signs the payload and renders the signature 0x-hex, the form the
// wire envelope's sig array carries.
func SignHex(s MessageSigner, payload []byte) (string, error) {
	sig, err := s.Sign(payload)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

package signer

import (
	"encoding/json"
	"fmt"
)

// TypedChallenge is the domain-separated structure the wallet key signs
// during the handshake. It binds the challenge token to the exact auth
// parameters sent in the initial request, so tampering with either side is
// detectable by the authority.
type TypedChallenge struct {
	Domain         string           `json:"domain"`
	Scope          string           `json:"scope"`
	Application    string           `json:"application"`
	Participant    string           `json:"wallet"`
	SessionKey     string           `json:"session_key"`
	Expire         uint64           `json:"expire"`
	Allowances     []TypedAllowance `json:"allowances"`
	ChallengeToken string           `json:"challenge"`
}

// TypedAllowance is one asset cap inside a TypedChallenge.
type TypedAllowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// ChallengeDomain separates handshake signatures from any other use of the
// wallet key.
const ChallengeDomain = "clearing.authority.session"

// Digest renders the canonical digest the custodian is asked to sign:
// keccak256(domain ‖ keccak256(json(challenge))).
func (c TypedChallenge) Digest() ([32]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode typed challenge: %w", err)
	}
	inner := Keccak256(body)
	return Keccak256([]byte(c.Domain), inner[:]), nil
}

// ChallengeSignFunc asks an external key custodian to sign a typed challenge.
// Implementations are typically interactive (wallet popup, HSM round trip)
// and must only be exercised during the handshake.
type ChallengeSignFunc func(TypedChallenge) ([]byte, error)

// WalletSigner signs via an external custodian. It satisfies MessageSigner so
// the handshake code can treat both capabilities uniformly, but Sign rejects
// raw payloads: the wallet key only ever signs typed challenges.
type WalletSigner struct {
	address string
	signFn  ChallengeSignFunc
}

var _ MessageSigner = (*WalletSigner)(nil)

// NewWalletSigner wraps a custodian callback for the given wallet address.
func NewWalletSigner(address string, fn ChallengeSignFunc) *WalletSigner {
	return &WalletSigner{address: address, signFn: fn}
}

// Address returns the wallet address the custodian controls.
func (w *WalletSigner) Address() string { return w.address }

// Sign rejects raw payloads. The wallet capability is handshake-only.
func (w *WalletSigner) Sign([]byte) ([]byte, error) {
	return nil, fmt.Errorf("wallet signer only signs typed challenges")
}

// SignChallenge asks the custodian for a signature over the typed challenge.
func (w *WalletSigner) SignChallenge(c TypedChallenge) ([]byte, error) {
	if w.signFn == nil {
		return nil, fmt.Errorf("wallet signer has no custodian callback")
	}
	if c.Domain == "" {
		c.Domain = ChallengeDomain
	}
	sig, err := w.signFn(c)
	if err != nil {
		return nil, fmt.Errorf("custodian signing: %w", err)
	}
	return sig, nil
}

// LocalChallengeSigner builds a ChallengeSignFunc backed by an in-process
// secp256k1 key. Meant for tests and the demo binary; real deployments hand
// the challenge to an external custodian instead.
func LocalChallengeSigner(priv *SessionSigner) ChallengeSignFunc {
	return func(c TypedChallenge) ([]byte, error) {
		digest, err := c.Digest()
		if err != nil {
			return nil, err
		}
		return priv.signDigest(digest), nil
	}
}

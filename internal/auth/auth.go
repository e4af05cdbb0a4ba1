// Package auth drives the two-step challenge/response handshake that turns a
// wallet identity into a short-lived session signing capability.
package auth

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ClearMesh/clearing_client/internal/conn"
	"github.com/ClearMesh/clearing_client/internal/protocol"
	"github.com/ClearMesh/clearing_client/internal/signer"
	"github.com/ClearMesh/clearing_client/pkg/logger"
)

// Allowance caps what the session key may spend per asset.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Params is the authentication request body. It is built exactly once per
// handshake and the same value is embedded verbatim in both the signed typed
// challenge and the outgoing request; the authority rejects any divergence.
type Params struct {
	Wallet      string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Scope       string      `json:"scope"`
	Expire      uint64      `json:"expire"`
	Allowances  []Allowance `json:"allowances"`
}

// Authenticator performs the handshake for one identity.
type Authenticator struct {
	wallet      *signer.WalletSigner
	application string
	allowances  []Allowance
	ttl         time.Duration
	log         *logger.Logger

	now        func() time.Time
	newSession func() (*signer.SessionSigner, error)
}

// Option adjusts authenticator construction.
type Option func(*Authenticator)

// WithAllowances sets the per-asset spending caps granted to the session key.
func WithAllowances(allowances []Allowance) Option {
	return func(a *Authenticator) { a.allowances = allowances }
}

// WithSessionTTL bounds the session key's validity window.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *Authenticator) { a.ttl = ttl }
}

// New builds an authenticator for the given wallet identity and application.
func New(wallet *signer.WalletSigner, application string, log *logger.Logger, opts ...Option) *Authenticator {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	a := &Authenticator{
		wallet:      wallet,
		application: application,
		ttl:         time.Hour,
		log:         log,
		now:         time.Now,
		newSession:  signer.NewSessionSigner,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handshake implements conn.HandshakeFunc:
//
//  1. generate a connection-scoped session key,
//  2. build Params once, embedding the session key address,
//  3. auth_request → await the challenge token,
//  4. wallet-sign the domain-separated challenge carrying the same Params,
//  5. auth_verify → capture the token, hand the session signer to the
//     connection.
//
// Any failure aborts the connect attempt with an AuthError.
func (a *Authenticator) Handshake(ctx context.Context, c conn.Caller) (conn.HandshakeResult, error) {
	sess, err := a.newSession()
	if err != nil {
		return conn.HandshakeResult{}, &protocol.AuthError{Step: "session key", Err: err}
	}

	expiresAt := a.now().Add(a.ttl)
	params := Params{
		Wallet:      a.wallet.Address(),
		SessionKey:  sess.Address(),
		Application: a.application,
		Scope:       "app." + uuid.NewString(),
		Expire:      uint64(expiresAt.Unix()),
		Allowances:  a.allowances,
	}
	if params.Allowances == nil {
		params.Allowances = []Allowance{}
	}

	challenge, err := a.requestChallenge(ctx, c, sess, params)
	if err != nil {
		return conn.HandshakeResult{}, err
	}

	sig, err := a.signChallenge(params, challenge)
	if err != nil {
		return conn.HandshakeResult{}, &protocol.AuthError{Step: "challenge signing", Err: err}
	}

	token, err := a.verify(ctx, c, challenge, sig)
	if err != nil {
		return conn.HandshakeResult{}, err
	}

	a.logTokenExpiry(token)
	return conn.HandshakeResult{
		Token:     token,
		Signer:    sess,
		ExpiresAt: expiresAt,
	}, nil
}

func (a *Authenticator) requestChallenge(ctx context.Context, c conn.Caller, sess *signer.SessionSigner, params Params) (string, error) {
	resp, err := c.CallWith(ctx, protocol.MethodAuthRequest, []Params{params}, conn.SignerFunc(sess))
	if err != nil {
		return "", &protocol.AuthError{Step: "auth request", Err: err}
	}
	if resp.Method != protocol.MethodAuthChallenge {
		return "", &protocol.AuthError{
			Step: "auth request",
			Err:  fmt.Errorf("expected %s, got %s", protocol.MethodAuthChallenge, resp.Method),
		}
	}

	var bodies []struct {
		Challenge string `json:"challenge_message"`
	}
	if err := json.Unmarshal(resp.Result, &bodies); err != nil || len(bodies) == 0 || bodies[0].Challenge == "" {
		return "", &protocol.AuthError{Step: "auth request", Err: fmt.Errorf("malformed challenge payload")}
	}
	return bodies[0].Challenge, nil
}

// signChallenge asks the wallet custodian for the one structured signature of
// the handshake. The typed challenge carries the identical Params fields sent
// in the auth request.
func (a *Authenticator) signChallenge(params Params, challenge string) (string, error) {
	allowances := make([]signer.TypedAllowance, len(params.Allowances))
	for i, al := range params.Allowances {
		allowances[i] = signer.TypedAllowance{Asset: al.Asset, Amount: al.Amount}
	}
	typed := signer.TypedChallenge{
		Domain:         signer.ChallengeDomain,
		Scope:          params.Scope,
		Application:    params.Application,
		Participant:    params.Wallet,
		SessionKey:     params.SessionKey,
		Expire:         params.Expire,
		Allowances:     allowances,
		ChallengeToken: challenge,
	}
	sig, err := a.wallet.SignChallenge(typed)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func (a *Authenticator) verify(ctx context.Context, c conn.Caller, challenge, sig string) (string, error) {
	body := []map[string]string{{"challenge": challenge}}
	resp, err := c.CallWith(ctx, protocol.MethodAuthVerify, body, conn.StaticSigs(sig))
	if err != nil {
		return "", &protocol.AuthError{Step: "auth verify", Err: err}
	}

	var results []struct {
		Success  bool   `json:"success"`
		JwtToken string `json:"jwt_token"`
	}
	if err := json.Unmarshal(resp.Result, &results); err != nil || len(results) == 0 {
		return "", &protocol.AuthError{Step: "auth verify", Err: fmt.Errorf("malformed verify payload")}
	}
	if !results[0].Success {
		return "", &protocol.AuthError{Step: "auth verify", Err: fmt.Errorf("authority rejected challenge signature")}
	}
	return results[0].JwtToken, nil
}

// logTokenExpiry surfaces the credential's expiry claim. The token is opaque
// to the client, so the decode is unverified and purely observational.
func (a *Authenticator) logTokenExpiry(token string) {
	if token == "" {
		return
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	a.log.WithField("token_expires_at", exp.Time.UTC().Format(time.RFC3339)).
		Info("session credential issued")
}

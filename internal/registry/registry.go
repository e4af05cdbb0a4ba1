// Package registry exposes the session, channel and balance lifecycle on top
// of the connection manager and keeps a local cache synchronized with the
// clearing authority's pushed updates.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClearMesh/clearing_client/internal/conn"
	"github.com/ClearMesh/clearing_client/internal/domain/asset"
	"github.com/ClearMesh/clearing_client/internal/domain/channel"
	"github.com/ClearMesh/clearing_client/internal/domain/session"
	"github.com/ClearMesh/clearing_client/internal/events"
	"github.com/ClearMesh/clearing_client/internal/protocol"
	"github.com/ClearMesh/clearing_client/pkg/logger"
)

// Registry builds protocol requests, signs them through the connection's
// active signer and merges results and push notifications into its cache.
type Registry struct {
	caller      conn.Caller
	participant string
	chainID     uint64
	log         *logger.Logger

	mu       sync.RWMutex
	sessions map[string]session.Session
	// closedSessions retains evicted sessions for audit.
	closedSessions []session.Session
	channels       map[string]channel.Channel
	balances       map[string]channel.LedgerBalance
	assets         []asset.SupportedAsset

	unsubscribe []func()
}

// New builds a registry bound to one connection and subscribes it to the
// authority's broadcasts.
func New(caller conn.Caller, dispatcher *events.Dispatcher, participant string, chainID uint64, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	r := &Registry{
		caller:      caller,
		participant: participant,
		chainID:     chainID,
		log:         log,
		sessions:    make(map[string]session.Session),
		channels:    make(map[string]channel.Channel),
		balances:    make(map[string]channel.LedgerBalance),
	}
	r.unsubscribe = []func(){
		dispatcher.Subscribe(protocol.BroadcastBalanceUpdate, r.onBalanceUpdate),
		dispatcher.Subscribe(protocol.BroadcastChannelUpdate, r.onChannelUpdate),
		dispatcher.Subscribe(protocol.BroadcastSessionUpdate, r.onSessionUpdate),
		dispatcher.Subscribe(protocol.BroadcastAssets, r.onAssets),
	}
	return r
}

// Close detaches the registry from the dispatcher.
func (r *Registry) Close() {
	for _, u := range r.unsubscribe {
		u()
	}
	r.unsubscribe = nil
}

// Session operations ----------------------------------------------------------

type sessionDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []uint   `json:"weights"`
	Quorum       uint     `json:"quorum"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

type wireAllocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

type wireSession struct {
	AppSessionID string `json:"app_session_id"`
	Status       string `json:"status"`
	Nonce        uint64 `json:"nonce"`
	CreatedAt    string `json:"created_at"`
}

// CreateSession opens an app session with a counterparty. The returned
// Session carries the authority-assigned id from the response; ids are never
// generated locally.
func (r *Registry) CreateSession(ctx context.Context, proto, counterparty, selfAllocation, counterpartyAllocation, assetSymbol string) (session.Session, error) {
	if counterparty == "" {
		return session.Session{}, fmt.Errorf("counterparty is required")
	}
	if assetSymbol == "" {
		return session.Session{}, fmt.Errorf("asset is required")
	}

	nonce := uint64(time.Now().UnixMilli())
	def := sessionDefinition{
		Protocol:     proto,
		Participants: []string{r.participant, counterparty},
		Weights:      []uint{100, 0},
		Quorum:       100,
		Nonce:        nonce,
	}
	allocations := []wireAllocation{
		{Participant: r.participant, Asset: assetSymbol, Amount: selfAllocation},
		{Participant: counterparty, Asset: assetSymbol, Amount: counterpartyAllocation},
	}
	params := []map[string]any{{
		"definition":  def,
		"allocations": allocations,
	}}

	resp, err := r.caller.Call(ctx, protocol.MethodCreateSession, params)
	if err != nil {
		return session.Session{}, err
	}
	ws, err := decodeFirst[wireSession](resp.Result)
	if err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	if ws.AppSessionID == "" {
		return session.Session{}, fmt.Errorf("create session: response carries no app_session_id")
	}

	sess := session.Session{
		ID:           ws.AppSessionID,
		Participants: def.Participants,
		Allocations:  toDomainAllocations(allocations),
		Status:       sessionStatus(ws.Status, session.StatusOpen),
		Nonce:        nonce,
		CreatedAt:    parseTime(ws.CreatedAt),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.log.WithField("session_id", sess.ID).
		WithField("counterparty", counterparty).
		Info("app session created")
	return sess, nil
}

// CloseSession submits final allocations and evicts the session from the
// active cache, retaining it for audit.
func (r *Registry) CloseSession(ctx context.Context, sessionID string, finalAllocations []session.Allocation) error {
	r.mu.RLock()
	_, known := r.sessions[sessionID]
	r.mu.RUnlock()
	if !known {
		return fmt.Errorf("session %s not found", sessionID)
	}

	wire := make([]wireAllocation, len(finalAllocations))
	for i, al := range finalAllocations {
		wire[i] = wireAllocation{Participant: al.Participant, Asset: al.Asset, Amount: al.Amount}
	}
	params := []map[string]any{{
		"app_session_id": sessionID,
		"allocations":    wire,
	}}

	if _, err := r.caller.Call(ctx, protocol.MethodCloseSession, params); err != nil {
		return err
	}

	r.mu.Lock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.Status = session.StatusClosed
		delete(r.sessions, sessionID)
		r.closedSessions = append(r.closedSessions, sess)
	}
	r.mu.Unlock()

	r.log.WithField("session_id", sessionID).Info("app session closed")
	return nil
}

// Channel operations ----------------------------------------------------------

type wireChannel struct {
	ChannelID string `json:"channel_id"`
	Status    string `json:"status"`
	Token     string `json:"token"`
	ChainID   uint64 `json:"chain_id"`
	Amount    string `json:"amount"`
}

// CreateChannel asks the authority to open a payment channel for a token.
func (r *Registry) CreateChannel(ctx context.Context, chainID uint64, token string) (channel.Channel, error) {
	if chainID == 0 {
		chainID = r.chainID
	}
	params := []map[string]any{{
		"chain_id": chainID,
		"token":    token,
	}}

	resp, err := r.caller.Call(ctx, protocol.MethodCreateChannel, params)
	if err != nil {
		return channel.Channel{}, err
	}
	wc, err := decodeFirst[wireChannel](resp.Result)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	if wc.ChannelID == "" {
		return channel.Channel{}, fmt.Errorf("create channel: response carries no channel_id")
	}

	ch := toDomainChannel(wc)
	r.mergeChannel(ch)
	r.log.WithField("channel_id", ch.ID).WithField("token", token).Info("channel created")
	return ch, nil
}

// ResizeParams selects how a channel changes size. Exactly one amount must be
// set: AllocateAmount moves funds between the off-chain ledger and the
// channel at no on-chain cost, ResizeAmount moves funds between on-chain
// custody and the channel and costs gas.
type ResizeParams struct {
	AllocateAmount   string
	ResizeAmount     string
	FundsDestination string
}

// ResizeChannel grows or shrinks a channel per ResizeParams.
func (r *Registry) ResizeChannel(ctx context.Context, channelID string, p ResizeParams) (channel.Channel, error) {
	hasAllocate := p.AllocateAmount != ""
	hasResize := p.ResizeAmount != ""
	if hasAllocate == hasResize {
		return channel.Channel{}, fmt.Errorf("exactly one of allocate_amount and resize_amount must be set")
	}
	if p.FundsDestination == "" {
		p.FundsDestination = r.participant
	}

	body := map[string]any{
		"channel_id":        channelID,
		"funds_destination": p.FundsDestination,
	}
	if hasAllocate {
		body["allocate_amount"] = p.AllocateAmount
	} else {
		body["resize_amount"] = p.ResizeAmount
	}

	resp, err := r.caller.Call(ctx, protocol.MethodResizeChannel, []map[string]any{body})
	if err != nil {
		return channel.Channel{}, err
	}
	wc, err := decodeFirst[wireChannel](resp.Result)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("resize channel: %w", err)
	}

	ch := toDomainChannel(wc)
	if ch.ID == "" {
		ch.ID = channelID
	}
	r.mergeChannel(ch)
	return ch, nil
}

// CloseChannel requests a cooperative close, paying out to the destination.
func (r *Registry) CloseChannel(ctx context.Context, channelID, fundsDestination string) error {
	if fundsDestination == "" {
		fundsDestination = r.participant
	}
	params := []map[string]any{{
		"channel_id":        channelID,
		"funds_destination": fundsDestination,
	}}

	resp, err := r.caller.Call(ctx, protocol.MethodCloseChannel, params)
	if err != nil {
		return err
	}
	if wc, err := decodeFirst[wireChannel](resp.Result); err == nil && wc.ChannelID != "" {
		r.mergeChannel(toDomainChannel(wc))
	}
	r.log.WithField("channel_id", channelID).Info("channel close requested")
	return nil
}

// Transfer moves ledger funds to another participant without a session.
func (r *Registry) Transfer(ctx context.Context, destination string, allocations []session.Allocation) error {
	if destination == "" {
		return fmt.Errorf("destination is required")
	}
	wire := make([]wireAllocation, len(allocations))
	for i, al := range allocations {
		wire[i] = wireAllocation{Participant: destination, Asset: al.Asset, Amount: al.Amount}
	}
	params := []map[string]any{{
		"destination": destination,
		"allocations": wire,
	}}
	_, err := r.caller.Call(ctx, protocol.MethodTransfer, params)
	return err
}

// Queries ---------------------------------------------------------------------

type wireBalance struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

type wireAsset struct {
	Token    string `json:"token"`
	ChainID  uint64 `json:"chain_id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// GetBalances queries the off-chain ledger balances and refreshes the cache.
func (r *Registry) GetBalances(ctx context.Context) ([]channel.LedgerBalance, error) {
	resp, err := r.caller.Call(ctx, protocol.MethodGetBalances, nil)
	if err != nil {
		return nil, err
	}
	body, err := decodeFirst[struct {
		LedgerBalances []wireBalance `json:"ledger_balances"`
	}](resp.Result)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}

	out := make([]channel.LedgerBalance, len(body.LedgerBalances))
	r.mu.Lock()
	for i, wb := range body.LedgerBalances {
		b := toDomainBalance(wb)
		out[i] = b
		r.balances[b.Asset] = b
	}
	r.mu.Unlock()
	return out, nil
}

// GetChannels queries the client's channels and refreshes the cache.
func (r *Registry) GetChannels(ctx context.Context) ([]channel.Channel, error) {
	resp, err := r.caller.Call(ctx, protocol.MethodGetChannels, nil)
	if err != nil {
		return nil, err
	}
	body, err := decodeFirst[struct {
		Channels []wireChannel `json:"channels"`
	}](resp.Result)
	if err != nil {
		return nil, fmt.Errorf("get channels: %w", err)
	}

	out := make([]channel.Channel, len(body.Channels))
	r.mu.Lock()
	for i, wc := range body.Channels {
		ch := toDomainChannel(wc)
		out[i] = ch
		r.channels[ch.ID] = ch
	}
	r.mu.Unlock()
	return out, nil
}

// GetSupportedAssets queries the assets the authority clears and refreshes
// the cache. The dynamic set always replaces any previous one.
func (r *Registry) GetSupportedAssets(ctx context.Context) ([]asset.SupportedAsset, error) {
	resp, err := r.caller.Call(ctx, protocol.MethodGetAssets, nil)
	if err != nil {
		return nil, err
	}
	body, err := decodeFirst[struct {
		Assets []wireAsset `json:"assets"`
	}](resp.Result)
	if err != nil {
		return nil, fmt.Errorf("get assets: %w", err)
	}

	out := make([]asset.SupportedAsset, len(body.Assets))
	for i, wa := range body.Assets {
		out[i] = toDomainAsset(wa)
	}
	r.mu.Lock()
	r.assets = out
	r.mu.Unlock()
	return out, nil
}

// AuthorityConfig is the authority's self-description: its settlement
// address per chain and the environment it serves.
type AuthorityConfig struct {
	BrokerAddress string `json:"broker_address"`
	Networks      []struct {
		ChainID        uint64 `json:"chain_id"`
		CustodyAddress string `json:"custody_address"`
	} `json:"networks"`
}

// GetConfig fetches the authority's advertised configuration.
func (r *Registry) GetConfig(ctx context.Context) (AuthorityConfig, error) {
	resp, err := r.caller.Call(ctx, protocol.MethodGetConfig, nil)
	if err != nil {
		return AuthorityConfig{}, err
	}
	cfg, err := decodeFirst[AuthorityConfig](resp.Result)
	if err != nil {
		return AuthorityConfig{}, fmt.Errorf("get config: %w", err)
	}
	return cfg, nil
}

// Ping checks liveness end to end through the request path.
func (r *Registry) Ping(ctx context.Context) error {
	_, err := r.caller.Call(ctx, protocol.MethodPing, nil)
	return err
}

// Cache accessors -------------------------------------------------------------

// Sessions returns the active (non-closed) sessions.
func (r *Registry) Sessions() []session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Session looks one session up by id.
func (r *Registry) Session(id string) (session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ClosedSessions returns the audit trail of evicted sessions.
func (r *Registry) ClosedSessions() []session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]session.Session, len(r.closedSessions))
	copy(out, r.closedSessions)
	return out
}

// Channels returns the cached channels.
func (r *Registry) Channels() []channel.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]channel.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Balance returns the cached ledger balance for an asset.
func (r *Registry) Balance(assetSymbol string) (channel.LedgerBalance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[assetSymbol]
	return b, ok
}

// Balances returns all cached ledger balances.
func (r *Registry) Balances() []channel.LedgerBalance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]channel.LedgerBalance, 0, len(r.balances))
	for _, b := range r.balances {
		out = append(out, b)
	}
	return out
}

// Assets returns the dynamically discovered supported assets.
func (r *Registry) Assets() []asset.SupportedAsset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]asset.SupportedAsset, len(r.assets))
	copy(out, r.assets)
	return out
}

// Broadcast handlers ----------------------------------------------------------

func (r *Registry) onBalanceUpdate(payload json.RawMessage) {
	body, err := decodeFirst[struct {
		BalanceUpdates []wireBalance `json:"balance_updates"`
	}](payload)
	if err != nil {
		r.log.WithError(err).Warn("malformed balance update broadcast")
		return
	}
	r.mu.Lock()
	for _, wb := range body.BalanceUpdates {
		b := toDomainBalance(wb)
		r.balances[b.Asset] = b
	}
	r.mu.Unlock()
}

func (r *Registry) onChannelUpdate(payload json.RawMessage) {
	wc, err := decodeFirst[wireChannel](payload)
	if err != nil || wc.ChannelID == "" {
		r.log.Warn("malformed channel update broadcast")
		return
	}
	r.mergeChannel(toDomainChannel(wc))
}

func (r *Registry) onSessionUpdate(payload json.RawMessage) {
	body, err := decodeFirst[struct {
		wireSession
		Participants []string         `json:"participants"`
		Allocations  []wireAllocation `json:"allocations"`
	}](payload)
	if err != nil || body.AppSessionID == "" {
		r.log.Warn("malformed session update broadcast")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.sessions[body.AppSessionID]
	if !ok {
		existing = session.Session{
			ID:        body.AppSessionID,
			CreatedAt: parseTime(body.CreatedAt),
		}
	}
	if len(body.Participants) > 0 {
		existing.Participants = body.Participants
	}
	if len(body.Allocations) > 0 {
		existing.Allocations = toDomainAllocations(body.Allocations)
	}
	if body.Nonce != 0 {
		existing.Nonce = body.Nonce
	}
	existing.Status = sessionStatus(body.Status, existing.Status)

	if existing.Terminal() {
		delete(r.sessions, body.AppSessionID)
		r.closedSessions = append(r.closedSessions, existing)
		return
	}
	r.sessions[body.AppSessionID] = existing
}

func (r *Registry) onAssets(payload json.RawMessage) {
	body, err := decodeFirst[struct {
		Assets []wireAsset `json:"assets"`
	}](payload)
	if err != nil {
		r.log.Warn("malformed assets broadcast")
		return
	}
	out := make([]asset.SupportedAsset, len(body.Assets))
	for i, wa := range body.Assets {
		out[i] = toDomainAsset(wa)
	}
	r.mu.Lock()
	r.assets = out
	r.mu.Unlock()
}

// Helpers ---------------------------------------------------------------------

func (r *Registry) mergeChannel(ch channel.Channel) {
	r.mu.Lock()
	r.channels[ch.ID] = ch
	r.mu.Unlock()
}

// decodeFirst unwraps the authority's one-element array results.
func decodeFirst[T any](raw json.RawMessage) (T, error) {
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		var zero T
		return zero, fmt.Errorf("decode result: %w", err)
	}
	if len(items) == 0 {
		var zero T
		return zero, fmt.Errorf("empty result")
	}
	return items[0], nil
}

func toDomainAllocations(wire []wireAllocation) []session.Allocation {
	out := make([]session.Allocation, len(wire))
	for i, w := range wire {
		out[i] = session.Allocation{Participant: w.Participant, Asset: w.Asset, Amount: w.Amount}
	}
	return out
}

func toDomainChannel(wc wireChannel) channel.Channel {
	status := channel.Status(strings.ToLower(wc.Status))
	if status == "" {
		status = channel.StatusPending
	}
	return channel.Channel{
		ID:      wc.ChannelID,
		Status:  status,
		Token:   wc.Token,
		ChainID: wc.ChainID,
		Amount:  wc.Amount,
	}
}

func toDomainBalance(wb wireBalance) channel.LedgerBalance {
	return channel.LedgerBalance{
		Asset:     wb.Asset,
		Available: wb.Available,
		Locked:    wb.Locked,
		Total:     wb.Total,
	}
}

func toDomainAsset(wa wireAsset) asset.SupportedAsset {
	return asset.SupportedAsset{
		Token:    wa.Token,
		ChainID:  wa.ChainID,
		Symbol:   wa.Symbol,
		Decimals: wa.Decimals,
	}
}

func sessionStatus(wire string, fallback session.Status) session.Status {
	switch strings.ToLower(wire) {
	case "creating":
		return session.StatusCreating
	case "open":
		return session.StatusOpen
	case "active":
		return session.StatusActive
	case "closing":
		return session.StatusClosing
	case "closed":
		return session.StatusClosed
	default:
		return fallback
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now().UTC()
}

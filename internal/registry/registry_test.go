package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ClearMesh/clearing_client/internal/conn"
	"github.com/ClearMesh/clearing_client/internal/domain/session"
	"github.com/ClearMesh/clearing_client/internal/events"
	"github.com/ClearMesh/clearing_client/internal/protocol"
)

const (
	selfAddr  = "0xAAA0000000000000000000000000000000000aaa"
	otherAddr = "0xBBB0000000000000000000000000000000000bbb"
)

type recordedCall struct {
	method string
	params []byte
}

// fakeCaller replays canned results keyed by method.
type fakeCaller struct {
	calls   []recordedCall
	results map[string]string
	errs    map[string]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		results: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (f *fakeCaller) Call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	return f.CallWith(ctx, method, params, nil)
}

func (f *fakeCaller) CallWith(_ context.Context, method string, params any, _ conn.SignFunc) (*protocol.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, recordedCall{method: method, params: raw})

	if err := f.errs[method]; err != nil {
		return nil, err
	}
	body, ok := f.results[method]
	if !ok {
		body = `[{}]`
	}
	return &protocol.Response{ID: 1, Method: method, Result: json.RawMessage(body)}, nil
}

func newTestRegistry(fc *fakeCaller) (*Registry, *events.Dispatcher) {
	d := events.NewDispatcher(nil)
	return New(fc, d, selfAddr, 137, nil), d
}

func TestCreateSessionUsesRemoteID(t *testing.T) {
	fc := newFakeCaller()
	fc.results[protocol.MethodCreateSession] = `[{"app_session_id":"0xSESSION1","status":"open"}]`
	r, _ := newTestRegistry(fc)

	sess, err := r.CreateSession(context.Background(), "nitro-rpc/1.0", otherAddr, "50", "0", "usdc")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ID != "0xSESSION1" {
		t.Fatalf("session id = %q, want remote-assigned 0xSESSION1", sess.ID)
	}
	if sess.Status != session.StatusOpen {
		t.Fatalf("status = %q, want open", sess.Status)
	}

	// The request carried both participants and their allocations.
	var sent []struct {
		Definition struct {
			Participants []string `json:"participants"`
		} `json:"definition"`
		Allocations []wireAllocation `json:"allocations"`
	}
	if err := json.Unmarshal(fc.calls[0].params, &sent); err != nil || len(sent) != 1 {
		t.Fatalf("request params: %v (%s)", err, fc.calls[0].params)
	}
	if sent[0].Definition.Participants[0] != selfAddr || sent[0].Definition.Participants[1] != otherAddr {
		t.Fatalf("participants: %v", sent[0].Definition.Participants)
	}
	if sent[0].Allocations[0].Amount != "50" || sent[0].Allocations[1].Amount != "0" {
		t.Fatalf("allocations: %+v", sent[0].Allocations)
	}

	if got, ok := r.Session("0xSESSION1"); !ok || got.ID != "0xSESSION1" {
		t.Fatal("session not cached under remote id")
	}
}

func TestCreateSessionRejectsMissingRemoteID(t *testing.T) {
	fc := newFakeCaller()
	fc.results[protocol.MethodCreateSession] = `[{"status":"open"}]`
	r, _ := newTestRegistry(fc)

	if _, err := r.CreateSession(context.Background(), "nitro-rpc/1.0", otherAddr, "50", "0", "usdc"); err == nil {
		t.Fatal("accepted a response without app_session_id")
	}
}

func TestCloseSessionEvictsAndRetainsForAudit(t *testing.T) {
	fc := newFakeCaller()
	fc.results[protocol.MethodCreateSession] = `[{"app_session_id":"0xSESSION1","status":"open"}]`
	r, _ := newTestRegistry(fc)

	sess, err := r.CreateSession(context.Background(), "nitro-rpc/1.0", otherAddr, "50", "0", "usdc")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	final := []session.Allocation{
		{Participant: selfAddr, Asset: "usdc", Amount: "30"},
		{Participant: otherAddr, Asset: "usdc", Amount: "20"},
	}
	if err := r.CloseSession(context.Background(), sess.ID, final); err != nil {
		t.Fatalf("close session: %v", err)
	}

	if _, ok := r.Session(sess.ID); ok {
		t.Fatal("closed session still in active cache")
	}
	audit := r.ClosedSessions()
	if len(audit) != 1 || audit[0].ID != sess.ID || audit[0].Status != session.StatusClosed {
		t.Fatalf("audit trail: %+v", audit)
	}
}

func TestCloseUnknownSessionFails(t *testing.T) {
	r, _ := newTestRegistry(newFakeCaller())
	if err := r.CloseSession(context.Background(), "0xNOPE", nil); err == nil {
		t.Fatal("closed a session the registry never saw")
	}
}

func TestResizeChannelRequiresExactlyOneAmount(t *testing.T) {
	fc := newFakeCaller()
	r, _ := newTestRegistry(fc)

	cases := []ResizeParams{
		{},
		{AllocateAmount: "10", ResizeAmount: "10"},
	}
	for _, p := range cases {
		if _, err := r.ResizeChannel(context.Background(), "0xCHAN1", p); err == nil {
			t.Fatalf("accepted resize params %+v", p)
		}
	}
	if len(fc.calls) != 0 {
		t.Fatal("invalid resize reached the wire")
	}
}

func TestResizeChannelSendsOneAmountField(t *testing.T) {
	fc := newFakeCaller()
	fc.results[protocol.MethodResizeChannel] = `[{"channel_id":"0xCHAN1","status":"open","amount":"60"}]`
	r, _ := newTestRegistry(fc)

	ch, err := r.ResizeChannel(context.Background(), "0xCHAN1", ResizeParams{AllocateAmount: "10"})
	if err != nil {
		t.Fatalf("resize: %v", err)
	}
	if ch.Amount != "60" {
		t.Fatalf("amount = %q", ch.Amount)
	}

	var sent []map[string]any
	if err := json.Unmarshal(fc.calls[0].params, &sent); err != nil || len(sent) != 1 {
		t.Fatalf("params: %v", err)
	}
	if _, ok := sent[0]["allocate_amount"]; !ok {
		t.Fatal("allocate_amount missing")
	}
	if _, ok := sent[0]["resize_amount"]; ok {
		t.Fatal("resize_amount sent alongside allocate_amount")
	}
	if sent[0]["funds_destination"] != selfAddr {
		t.Fatalf("funds_destination = %v, want participant default", sent[0]["funds_destination"])
	}
}

func TestCreateChannelDefaultsChainID(t *testing.T) {
	fc := newFakeCaller()
	fc.results[protocol.MethodCreateChannel] = `[{"channel_id":"0xCHAN1","status":"pending","token":"0xTOK","chain_id":137,"amount":"0"}]`
	r, _ := newTestRegistry(fc)

	ch, err := r.CreateChannel(context.Background(), 0, "0xTOK")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if ch.ID != "0xCHAN1" || ch.ChainID != 137 {
		t.Fatalf("channel: %+v", ch)
	}

	var sent []map[string]any
	if err := json.Unmarshal(fc.calls[0].params, &sent); err != nil {
		t.Fatalf("params: %v", err)
	}
	if sent[0]["chain_id"] != float64(137) {
		t.Fatalf("chain_id = %v, want configured default 137", sent[0]["chain_id"])
	}
}

func TestGetBalancesRefreshesCache(t *testing.T) {
	fc := newFakeCaller()
	fc.results[protocol.MethodGetBalances] = `[{"ledger_balances":[{"asset":"usdc","available":"100","locked":"5","total":"105"}]}]`
	r, _ := newTestRegistry(fc)

	balances, err := r.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}
	if len(balances) != 1 || balances[0].Available != "100" {
		t.Fatalf("balances: %+v", balances)
	}
	if b, ok := r.Balance("usdc"); !ok || b.Total != "105" {
		t.Fatalf("cache: %+v ok=%v", b, ok)
	}
}

func TestBalanceBroadcastUpdatesCacheWithoutQuery(t *testing.T) {
	fc := newFakeCaller()
	r, d := newTestRegistry(fc)

	d.Publish(protocol.BroadcastBalanceUpdate, json.RawMessage(
		`[{"balance_updates":[{"asset":"usdc","available":"120.0","locked":"0","total":"120.0"}]}]`))

	b, ok := r.Balance("usdc")
	if !ok {
		t.Fatal("broadcast did not populate the cache")
	}
	if b.Available != "120.0" {
		t.Fatalf("available = %q, want 120.0", b.Available)
	}
	if len(fc.calls) != 0 {
		t.Fatal("cache refresh issued an explicit query")
	}
}

func TestChannelBroadcastMergesByID(t *testing.T) {
	fc := newFakeCaller()
	fc.results[protocol.MethodGetChannels] = `[{"channels":[{"channel_id":"0xCHAN1","status":"open","amount":"50"}]}]`
	r, d := newTestRegistry(fc)

	if _, err := r.GetChannels(context.Background()); err != nil {
		t.Fatalf("get channels: %v", err)
	}

	// Replace-if-present.
	d.Publish(protocol.BroadcastChannelUpdate, json.RawMessage(
		`[{"channel_id":"0xCHAN1","status":"closing","amount":"50"}]`))
	// Else append.
	d.Publish(protocol.BroadcastChannelUpdate, json.RawMessage(
		`[{"channel_id":"0xCHAN2","status":"pending","amount":"0"}]`))

	channels := r.Channels()
	if len(channels) != 2 {
		t.Fatalf("cached %d channels, want 2", len(channels))
	}
	byID := make(map[string]string)
	for _, ch := range channels {
		byID[ch.ID] = string(ch.Status)
	}
	if byID["0xCHAN1"] != "closing" || byID["0xCHAN2"] != "pending" {
		t.Fatalf("cache: %v", byID)
	}
}

func TestSessionBroadcastClosesSession(t *testing.T) {
	fc := newFakeCaller()
	fc.results[protocol.MethodCreateSession] = `[{"app_session_id":"0xSESSION1","status":"open"}]`
	r, d := newTestRegistry(fc)

	if _, err := r.CreateSession(context.Background(), "nitro-rpc/1.0", otherAddr, "50", "0", "usdc"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	d.Publish(protocol.BroadcastSessionUpdate, json.RawMessage(
		`[{"app_session_id":"0xSESSION1","status":"closed"}]`))

	if _, ok := r.Session("0xSESSION1"); ok {
		t.Fatal("session remained active after closed broadcast")
	}
	if len(r.ClosedSessions()) != 1 {
		t.Fatal("closed session missing from audit trail")
	}
}

func TestAssetsBroadcastReplacesStaticView(t *testing.T) {
	fc := newFakeCaller()
	fc.results[protocol.MethodGetAssets] = `[{"assets":[{"token":"0xOLD","chain_id":137,"symbol":"old","decimals":6}]}]`
	r, d := newTestRegistry(fc)

	if _, err := r.GetSupportedAssets(context.Background()); err != nil {
		t.Fatalf("get assets: %v", err)
	}

	d.Publish(protocol.BroadcastAssets, json.RawMessage(
		`[{"assets":[{"token":"0xUSDC","chain_id":137,"symbol":"usdc","decimals":6},{"token":"0xWETH","chain_id":137,"symbol":"weth","decimals":18}]}]`))

	assets := r.Assets()
	if len(assets) != 2 {
		t.Fatalf("cached %d assets, want broadcast set of 2", len(assets))
	}
	if assets[0].Symbol != "usdc" || assets[1].Symbol != "weth" {
		t.Fatalf("assets: %+v", assets)
	}
}

func TestProtocolErrorPropagates(t *testing.T) {
	fc := newFakeCaller()
	fc.errs[protocol.MethodGetBalances] = &protocol.ProtocolError{Code: 401, Message: "unauthorized"}
	r, _ := newTestRegistry(fc)

	_, err := r.GetBalances(context.Background())
	if err == nil {
		t.Fatal("remote error swallowed")
	}
	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) || pe.Code != 401 {
		t.Fatalf("error: %v", err)
	}
}

func TestUnsubscribeOnClose(t *testing.T) {
	fc := newFakeCaller()
	r, d := newTestRegistry(fc)

	r.Close()
	d.Publish(protocol.BroadcastBalanceUpdate, json.RawMessage(
		`[{"balance_updates":[{"asset":"usdc","available":"1","locked":"0","total":"1"}]}]`))

	if _, ok := r.Balance("usdc"); ok {
		t.Fatal("closed registry still consumed broadcasts")
	}
}

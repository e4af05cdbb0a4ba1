// Package protocol implements the wire format spoken with the clearing
// authority: signed array envelopes carrying a correlation id, a method name,
// loosely-typed params and a millisecond timestamp.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Request methods accepted by the clearing authority.
const (
	MethodPing          = "ping"
	MethodAuthRequest   = "auth_request"
	MethodAuthVerify    = "auth_verify"
	MethodGetConfig     = "get_config"
	MethodGetAssets     = "get_assets"
	MethodGetChannels   = "get_channels"
	MethodGetBalances   = "get_ledger_balances"
	MethodCreateSession = "create_app_session"
	MethodCloseSession  = "close_app_session"
	MethodCreateChannel = "create_channel"
	MethodResizeChannel = "resize_channel"
	MethodCloseChannel  = "close_channel"
	MethodTransfer      = "transfer"
)

// Response-only methods.
const (
	MethodPong          = "pong"
	MethodAuthChallenge = "auth_challenge"
	MethodError         = "error"
)

// Broadcast kinds pushed by the authority with correlation id zero.
const (
	BroadcastAssets        = "assets"
	BroadcastBalanceUpdate = "balance_update"
	BroadcastChannelUpdate = "channel_update"
	BroadcastSessionUpdate = "app_session_update"
	BroadcastTransfer      = "transfer"
)

// Request is an outbound call before signing.
type Request struct {
	ID        uint64
	Method    string
	Params    json.RawMessage
	Timestamp uint64
}

// Response is a decoded inbound frame. A zero ID marks a broadcast.
type Response struct {
	ID        uint64
	Method    string
	Result    json.RawMessage
	Timestamp uint64
}

// NewRequest builds a request with the current timestamp. Params are
// marshalled immediately so a later mutation of v cannot change the frame.
func NewRequest(id uint64, method string, v any) (*Request, error) {
	params := json.RawMessage("[]")
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		params = raw
	}
	return &Request{
		ID:        id,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}, nil
}

// Payload renders the canonical signable body: [id, method, params, ts].
// Signatures cover exactly these bytes, so the encoding must be stable.
func (r *Request) Payload() ([]byte, error) {
	return json.Marshal([]any{r.ID, r.Method, r.Params, r.Timestamp})
}

// Envelope renders the full outbound frame {"req":[...],"sig":[...]}.
func (r *Request) Envelope(signatures ...string) ([]byte, error) {
	body, err := r.Payload()
	if err != nil {
		return nil, err
	}
	sigs := signatures
	if sigs == nil {
		sigs = []string{}
	}
	return json.Marshal(map[string]any{
		"req": json.RawMessage(body),
		"sig": sigs,
	})
}

// IsBroadcast reports whether the frame was unsolicited.
func (r *Response) IsBroadcast() bool { return r.ID == 0 }

// Err converts an error frame into a ProtocolError, or returns nil.
func (r *Response) Err() error {
	if r.Method != MethodError {
		return nil
	}
	pe := &ProtocolError{Message: "remote error"}
	type errBody struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	// The authority wraps results in one-element arrays, but tolerate a
	// bare object too.
	var bodies []errBody
	if err := json.Unmarshal(r.Result, &bodies); err == nil && len(bodies) > 0 && bodies[0].Error != "" {
		pe.Message = bodies[0].Error
		pe.Code = bodies[0].Code
	} else {
		var body errBody
		if err := json.Unmarshal(r.Result, &body); err == nil && body.Error != "" {
			pe.Message = body.Error
			pe.Code = body.Code
		}
	}
	return pe
}

// Parse decodes an inbound frame. It peeks at the envelope with gjson before
// committing to a typed decode so malformed frames fail cheaply.
func Parse(raw []byte) (*Response, error) {
	res := gjson.GetBytes(raw, "res")
	if !res.Exists() || !res.IsArray() {
		return nil, fmt.Errorf("frame has no res envelope")
	}
	parts := res.Array()
	if len(parts) < 4 {
		return nil, fmt.Errorf("res envelope has %d elements, want 4", len(parts))
	}
	method := parts[1].String()
	if method == "" {
		return nil, fmt.Errorf("res envelope missing method")
	}

	result := json.RawMessage(parts[2].Raw)
	if len(result) == 0 {
		result = json.RawMessage("null")
	}

	return &Response{
		ID:        parts[0].Uint(),
		Method:    method,
		Result:    result,
		Timestamp: parts[3].Uint(),
	}, nil
}

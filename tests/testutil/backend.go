package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/nhle/groupware/internal/protocol"
)

// BackendCall is one transaction received by a FakeBackend.
type BackendCall struct {
	Module string
	ID     string
	Action protocol.Action
	Params gjson.Result
}

// Reply is one response action a FakeBackend answers with.
type Reply struct {
	Action  protocol.Action
	Payload any
}

// FakeBackend is an in-process transport answering request envelopes
// through a scripted handler. Returning no replies leaves a transaction
// unanswered.
type FakeBackend struct {
	mu      sync.Mutex
	handler func(BackendCall) []Reply
	calls   []BackendCall
	pushed  map[string]map[string]map[string]any
	err     error
}

// NewFakeBackend creates a backend answering with handler.
func NewFakeBackend(handler func(BackendCall) []Reply) *FakeBackend {
	return &FakeBackend{handler: handler}
}

// FailWith makes every following round trip fail with err.
func (b *FakeBackend) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Push adds an unsolicited response action to the next response body.
func (b *FakeBackend) Push(module, id string, action protocol.Action, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pushed == nil {
		b.pushed = make(map[string]map[string]map[string]any)
	}
	addReply(b.pushed, module, id, action, payload)
}

// Calls returns every transaction received so far.
func (b *FakeBackend) Calls() []BackendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BackendCall(nil), b.calls...)
}

// RoundTrip implements transport.Transport.
func (b *FakeBackend) RoundTrip(ctx context.Context, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return nil, err
	}
	out := b.pushed
	b.pushed = nil
	b.mu.Unlock()
	if out == nil {
		out = make(map[string]map[string]map[string]any)
	}

	var calls []BackendCall
	gjson.GetBytes(body, protocol.Root).ForEach(func(module, ids gjson.Result) bool {
		ids.ForEach(func(id, actions gjson.Result) bool {
			actions.ForEach(func(action, params gjson.Result) bool {
				calls = append(calls, BackendCall{
					Module: module.String(),
					ID:     id.String(),
					Action: protocol.Action(action.String()),
					Params: params,
				})
				return true
			})
			return true
		})
		return true
	})

	for _, call := range calls {
		b.mu.Lock()
		b.calls = append(b.calls, call)
		b.mu.Unlock()
		for _, r := range b.handler(call) {
			addReply(out, call.Module, call.ID, r.Action, r.Payload)
		}
	}
	return json.Marshal(map[string]any{protocol.Root: out})
}

func addReply(out map[string]map[string]map[string]any, module, id string, action protocol.Action, payload any) {
	if out[module] == nil {
		out[module] = make(map[string]map[string]any)
	}
	if out[module][id] == nil {
		out[module][id] = make(map[string]any)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	out[module][id][string(action)] = payload
}

// Raw wraps a JSON literal so it is embedded verbatim in a reply.
func Raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

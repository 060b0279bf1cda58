package data

import (
	"context"

	"github.com/nhle/groupware/internal/protocol"
)

// Operation is a store-level operation a Proxy maps onto a backend action.
type Operation int

const (
	OpList Operation = iota
	OpOpen
	OpCreate
	OpUpdate
	OpDestroy
	OpExpand
	OpSearch
)

func (op Operation) String() string {
	switch op {
	case OpList:
		return "list"
	case OpOpen:
		return "open"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDestroy:
		return "destroy"
	case OpExpand:
		return "expand"
	case OpSearch:
		return "search"
	default:
		return "unknown"
	}
}

// ProxyRequest is one store operation with its parameters and the
// handler receiving the response.
type ProxyRequest struct {
	Op      Operation
	Params  map[string]any
	Handler *ResponseHandler
}

// Proxy performs store operations against the backend. Requests passed
// in one call are sent together.
type Proxy interface {
	Do(ctx context.Context, reqs ...ProxyRequest) error
}

// ModuleProxy maps store operations onto the actions of one backend
// module.
type ModuleProxy struct {
	client  *Client
	module  string
	actions map[Operation]protocol.Action
}

// NewModuleProxy creates a proxy for module with the default action
// mapping: create and update both send "save".
func NewModuleProxy(client *Client, module string) *ModuleProxy {
	return &ModuleProxy{
		client: client,
		module: module,
		actions: map[Operation]protocol.Action{
			OpList:    protocol.ActionList,
			OpOpen:    protocol.ActionOpen,
			OpCreate:  protocol.ActionSave,
			OpUpdate:  protocol.ActionSave,
			OpDestroy: protocol.ActionDelete,
			OpExpand:  protocol.ActionExpand,
			OpSearch:  protocol.ActionSearch,
		},
	}
}

// WithAction overrides the action sent for op and returns p.
func (p *ModuleProxy) WithAction(op Operation, action protocol.Action) *ModuleProxy {
	p.actions[op] = action
	return p
}

// Module returns the backend module name.
func (p *ModuleProxy) Module() string { return p.module }

// Action returns the backend action sent for op.
func (p *ModuleProxy) Action(op Operation) protocol.Action { return p.actions[op] }

// Do sends every request in one batch.
func (p *ModuleProxy) Do(ctx context.Context, reqs ...ProxyRequest) error {
	calls := make([]Call, 0, len(reqs))
	for _, r := range reqs {
		calls = append(calls, Call{
			Module:  p.module,
			Action:  p.actions[r.Op],
			Params:  r.Params,
			Handler: r.Handler,
		})
	}
	_, err := p.client.Send(ctx, calls...)
	return err
}

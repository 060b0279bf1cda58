package data

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/protocol"
)

var (
	// ErrCanceled is reported to a transaction whose caller stopped
	// waiting for it. Work already started by the backend is not undone.
	ErrCanceled = errors.New("transaction canceled")

	// ErrNoResponse is reported to a transaction the backend did not answer.
	ErrNoResponse = errors.New("no response for transaction")

	// ErrNoID is reported to a create the backend acknowledged without
	// assigning an id. The record stays unsaved.
	ErrNoID = errors.New("backend assigned no id")
)

// HandlerFunc processes one response action of a transaction.
type HandlerFunc func(resp protocol.Response) error

// ResponseHandler dispatches the response actions of one transaction to
// per-action handler funcs. An "error" action is routed to the failure
// path; actions without a handler are ignored.
type ResponseHandler struct {
	mu       sync.Mutex
	handlers map[protocol.Action]HandlerFunc
	onError  func(error)
	err      error
	handled  []protocol.Action
	log      *logrus.Entry
}

// NewResponseHandler creates an empty handler.
func NewResponseHandler(logger *logrus.Entry) *ResponseHandler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ResponseHandler{
		handlers: make(map[protocol.Action]HandlerFunc),
		log:      logger,
	}
}

// On registers fn for action and returns h.
func (h *ResponseHandler) On(action protocol.Action, fn HandlerFunc) *ResponseHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[action] = fn
	return h
}

// OnError registers the failure callback and returns h.
func (h *ResponseHandler) OnError(fn func(error)) *ResponseHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = fn
	return h
}

// Handle dispatches one response action.
func (h *ResponseHandler) Handle(resp protocol.Response) {
	if resp.Action == protocol.ActionError {
		h.log.WithFields(logrus.Fields{
			"module": resp.Module,
			"id":     resp.ID,
		}).Warn("backend returned an error")
		h.Fail(protocol.DecodeError(resp.Payload))
		return
	}

	h.mu.Lock()
	fn, ok := h.handlers[resp.Action]
	h.mu.Unlock()
	if !ok {
		h.log.WithFields(logrus.Fields{
			"module": resp.Module,
			"id":     resp.ID,
			"action": resp.Action,
		}).Debug("ignoring response action without handler")
		return
	}

	if err := fn(resp); err != nil {
		h.Fail(fmt.Errorf("handling %s response: %w", resp.Action, err))
		return
	}
	h.mu.Lock()
	h.handled = append(h.handled, resp.Action)
	h.mu.Unlock()
}

// Fail records err and invokes the failure callback.
func (h *ResponseHandler) Fail(err error) {
	h.mu.Lock()
	h.err = errors.Join(h.err, err)
	onError := h.onError
	h.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

// Err returns every failure recorded so far, joined.
func (h *ResponseHandler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Handled returns the actions processed successfully, in order.
func (h *ResponseHandler) Handled() []protocol.Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Action(nil), h.handled...)
}

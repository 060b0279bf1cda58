// Package data synchronizes typed records with the groupware backend. A
// Store holds a collection of records and delegates network I/O to a
// Proxy, which sends transactions through a Client. Responses are routed
// back through a ResponseHandler to the store's per-action handlers, and
// records are materialized by a Reader and serialized by a Writer.
package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/metrics"
	"github.com/nhle/groupware/internal/protocol"
	"github.com/nhle/groupware/internal/transport"
)

// Call is one transaction to send.
type Call struct {
	Module string
	Action protocol.Action
	Params map[string]any

	// Handler receives the response actions. A nil handler sends the
	// call without listening for its outcome.
	Handler *ResponseHandler
}

type transaction struct {
	id       string
	module   string
	action   protocol.Action
	handler  *ResponseHandler
	answered bool
	canceled bool
}

// Client batches calls into request envelopes and correlates response
// actions with the transactions that caused them. Response actions that
// match no pending transaction are passed to the notification callback.
type Client struct {
	transport transport.Transport
	log       *logrus.Entry
	metrics   *metrics.Metrics

	mu      sync.Mutex
	pending map[string]*transaction
	notify  func(protocol.Response)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's log entry.
func WithLogger(l *logrus.Entry) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the collectors updated by the client.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client sending through tr.
func NewClient(tr transport.Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: tr,
		log:       logrus.NewEntry(logrus.StandardLogger()),
		pending:   make(map[string]*transaction),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "client")
	return c
}

// OnNotification sets the callback receiving unmatched response actions,
// which carry out-of-band notifications.
func (c *Client) OnNotification(fn func(protocol.Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// Send sends calls as one batch and blocks until their responses have
// been dispatched. It returns the transaction id of every call, in
// order. Transport failures are reported to every call's handler and
// returned; backend errors only reach the handler of the failing call.
func (c *Client) Send(ctx context.Context, calls ...Call) ([]string, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	ids := make([]string, len(calls))
	reqs := make([]protocol.Request, len(calls))
	txs := make([]*transaction, len(calls))

	c.mu.Lock()
	for i, call := range calls {
		id := call.Module + "-" + ulid.Make().String()
		txs[i] = &transaction{
			id:      id,
			module:  call.Module,
			action:  call.Action,
			handler: call.Handler,
		}
		c.pending[id] = txs[i]
		ids[i] = id
		reqs[i] = protocol.Request{
			Module: call.Module,
			ID:     id,
			Action: call.Action,
			Params: call.Params,
		}
	}
	c.mu.Unlock()

	body, err := protocol.EncodeBatch(reqs...)
	if err != nil {
		c.failAll(txs, err)
		return ids, err
	}
	for _, r := range reqs {
		c.metrics.Request(r.Module, string(r.Action))
	}

	start := time.Now()
	respBody, err := c.transport.RoundTrip(ctx, body)
	c.metrics.RoundTrip(time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		err = fmt.Errorf("sending %d transaction(s): %w", len(calls), err)
		c.failAll(txs, err)
		return ids, err
	}

	if err := c.dispatch(respBody); err != nil {
		c.failAll(txs, err)
		return ids, err
	}
	c.finish(txs)
	return ids, nil
}

// Cancel stops listening for a pending transaction. Its handler is not
// invoked for a later response; the backend still completes the work.
// It reports whether the transaction was pending.
func (c *Client) Cancel(id string) bool {
	c.mu.Lock()
	tx, ok := c.pending[id]
	if ok {
		tx.canceled = true
	}
	c.mu.Unlock()
	if ok && tx.handler != nil {
		tx.handler.Fail(ErrCanceled)
	}
	return ok
}

// Pending returns the number of transactions awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// HandlePush dispatches a response envelope received out of band, such as
// a websocket frame.
func (c *Client) HandlePush(frame []byte) error {
	return c.dispatch(frame)
}

func (c *Client) dispatch(body []byte) error {
	resps, err := protocol.DecodeBatch(body)
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	for _, resp := range resps {
		c.mu.Lock()
		tx := c.pending[resp.ID]
		notify := c.notify
		if tx != nil {
			tx.answered = true
		}
		c.mu.Unlock()

		switch {
		case tx == nil:
			c.metrics.Response(resp.Module, string(resp.Action), "unmatched")
			if notify == nil {
				c.log.WithFields(logrus.Fields{
					"module": resp.Module,
					"id":     resp.ID,
					"action": resp.Action,
				}).Debug("dropping unmatched response action")
				continue
			}
			notify(resp)
		case tx.canceled:
			c.metrics.Response(resp.Module, string(resp.Action), "canceled")
		case tx.handler == nil:
			c.metrics.Response(resp.Module, string(resp.Action), "ignored")
		default:
			outcome := "ok"
			if resp.Action == protocol.ActionError {
				outcome = "error"
			}
			c.metrics.Response(resp.Module, string(resp.Action), outcome)
			tx.handler.Handle(resp)
		}
	}
	return nil
}

// finish resolves the transactions of a completed batch.
func (c *Client) finish(txs []*transaction) {
	c.mu.Lock()
	var missing []*transaction
	for _, tx := range txs {
		delete(c.pending, tx.id)
		if !tx.answered && !tx.canceled && tx.handler != nil {
			missing = append(missing, tx)
		}
	}
	c.mu.Unlock()

	for _, tx := range missing {
		c.log.WithFields(logrus.Fields{
			"module": tx.module,
			"id":     tx.id,
			"action": tx.action,
		}).Warn("backend did not answer transaction")
		tx.handler.Fail(fmt.Errorf("%s %s: %w", tx.module, tx.action, ErrNoResponse))
	}
}

func (c *Client) failAll(txs []*transaction, err error) {
	c.mu.Lock()
	var notify []*transaction
	for _, tx := range txs {
		delete(c.pending, tx.id)
		if !tx.canceled && tx.handler != nil {
			notify = append(notify, tx)
		}
	}
	c.mu.Unlock()

	for _, tx := range notify {
		tx.handler.Fail(err)
	}
}

// IsCanceled reports whether err marks a canceled transaction.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

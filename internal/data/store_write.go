package data

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/protocol"
	"github.com/nhle/groupware/internal/record"
)

type pendingWrite struct {
	op      Operation
	record  *record.Record
	sent    record.Pending
	handler *ResponseHandler
}

// Save sends every pending change in one batch: unsaved records are
// created, modified records updated and removed records destroyed. Ids
// and values returned by the backend are merged into the records. A
// record whose write fails keeps its pending state; the failures are
// returned joined.
func (s *Store) Save(ctx context.Context) error {
	s.mu.RLock()
	var writes []pendingWrite
	for _, r := range s.records {
		switch {
		case r.IsPhantom():
			writes = append(writes, pendingWrite{op: OpCreate, record: r})
		case r.IsModified():
			writes = append(writes, pendingWrite{op: OpUpdate, record: r})
		}
	}
	for _, r := range s.removed {
		writes = append(writes, pendingWrite{op: OpDestroy, record: r})
	}
	s.mu.RUnlock()

	if len(writes) == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		written   []*record.Record
		destroyed []string
	)
	reqs := make([]ProxyRequest, 0, len(writes))
	for i := range writes {
		w := &writes[i]
		w.handler = NewResponseHandler(s.log)
		var params map[string]any

		if w.op == OpDestroy {
			params = s.writer.WriteID(w.record)
			doDestroy := func(protocol.Response) error {
				id := s.doDestroy(w.record)
				mu.Lock()
				destroyed = append(destroyed, id)
				mu.Unlock()
				return nil
			}
			w.handler.On(protocol.ActionDelete, doDestroy).On(protocol.ActionSuccess, doDestroy)
		} else {
			w.sent = w.record.Pending()
			params = s.writer.Write(w.record)
			s.scope(params)
			doWrite := func(resp protocol.Response) error {
				if err := s.doWrite(w, resp); err != nil {
					return err
				}
				mu.Lock()
				written = append(written, w.record)
				mu.Unlock()
				return nil
			}
			w.handler.On(protocol.ActionUpdate, doWrite).
				On(protocol.ActionItem, doWrite).
				On(protocol.ActionSuccess, doWrite)
		}
		reqs = append(reqs, ProxyRequest{Op: w.op, Params: params, Handler: w.handler})
	}

	sendErr := s.proxy.Do(ctx, reqs...)

	var errs []error
	var failed []*record.Record
	for _, w := range writes {
		if err := w.handler.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", w.op, w.record.ID(), err))
			failed = append(failed, w.record)
		}
	}
	if sendErr != nil && len(errs) == 0 {
		errs = append(errs, sendErr)
	}

	if len(destroyed) > 0 && s.cache != nil {
		if err := s.cache.DeleteItems(ctx, destroyed...); err != nil {
			s.log.WithError(err).Warn("failed to drop destroyed records from cache")
		}
	}
	if len(written) > 0 {
		s.emit(Event{Kind: EventWrite, Records: written})
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.log.WithFields(logrus.Fields{
			"failed": len(failed),
			"total":  len(writes),
		}).WithError(err).Warn("save failed")
		s.emit(Event{Kind: EventException, Op: OpUpdate, Records: failed, Err: err})
		return fmt.Errorf("saving %s: %w", s.name, err)
	}
	return nil
}

// scope fills in the folder and message store of a write that carries
// neither.
func (s *Store) scope(params map[string]any) {
	if _, ok := params["parent_entryid"]; !ok && s.folderID != "" {
		params["parent_entryid"] = s.folderID
	}
	if _, ok := params["store_entryid"]; !ok && s.storeID != "" {
		params["store_entryid"] = s.storeID
	}
}

// doWrite commits the edits that were sent and merges the saved item
// returned by the backend. Edits made while the write was in flight stay
// pending. A create must come back with the id the backend assigned.
func (s *Store) doWrite(w *pendingWrite, resp protocol.Response) error {
	r := w.record
	var values map[string]any
	if items := protocol.Items(resp.Payload); len(items) > 0 {
		v, err := decodeValues(items[0])
		if err != nil {
			return err
		}
		values = record.Flatten(v)
	}
	if w.op == OpCreate {
		if id, _ := values[r.Definition().IDProperty].(string); id == "" {
			return ErrNoID
		}
	}

	r.CommitPending(w.sent)
	if values != nil {
		if _, err := r.Apply(values); err != nil {
			return fmt.Errorf("merging saved %s: %w", r.ID(), err)
		}
	}
	return nil
}

// doDestroy forgets a record whose destroy succeeded and returns its id.
func (s *Store) doDestroy(r *record.Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.removed {
		if x == r {
			s.removed = append(s.removed[:i:i], s.removed[i+1:]...)
			break
		}
	}
	return r.ID()
}

// Open fetches the full item of r and merges it. Stores usually list a
// subset of the fields.
func (s *Store) Open(ctx context.Context, r *record.Record) error {
	var changed []string
	h := NewResponseHandler(s.log)
	doItem := func(resp protocol.Response) error {
		items := protocol.Items(resp.Payload)
		if len(items) == 0 {
			return fmt.Errorf("open %s: response carries no item", r.ID())
		}
		values, err := decodeValues(items[0])
		if err != nil {
			return err
		}
		changed, err = r.Apply(values)
		return err
	}
	h.On(protocol.ActionItem, doItem).On(protocol.ActionOpen, doItem)

	err := s.proxy.Do(ctx, ProxyRequest{Op: OpOpen, Params: s.writer.WriteID(r), Handler: h})
	if err == nil {
		err = h.Err()
	}
	if err != nil {
		s.emit(Event{Kind: EventException, Op: OpOpen, Records: []*record.Record{r}, Err: err})
		return fmt.Errorf("opening %s: %w", r.ID(), err)
	}
	if len(changed) > 0 {
		s.emit(Event{Kind: EventUpdate, Records: []*record.Record{r}, Fields: changed})
	}
	return nil
}

// Expand resolves the members of a distribution list. The backend may
// answer with a single object or a list; members of unknown types are
// skipped.
func (s *Store) Expand(ctx context.Context, r *record.Record) ([]*record.Record, error) {
	var members []*record.Record
	h := NewResponseHandler(s.log)
	h.On(protocol.ActionExpand, func(resp protocol.Response) error {
		res := s.reader.ReadRecords(resp.Payload)
		s.reportSchemaErrors(res.Errors)
		members = res.Records
		return nil
	})

	err := s.proxy.Do(ctx, ProxyRequest{Op: OpExpand, Params: s.writer.WriteID(r), Handler: h})
	if err == nil {
		err = h.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", r.ID(), err)
	}
	return members, nil
}

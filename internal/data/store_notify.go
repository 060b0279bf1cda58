package data

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/protocol"
	"github.com/nhle/groupware/internal/record"
)

const notifyCacheTimeout = 5 * time.Second

// Notify applies a pushed notification. Only records the store holds are
// touched; created records are added only to the store listing the
// notification's folder.
func (s *Store) Notify(n model.Notification) {
	if n.FolderID != "" && s.folderID != "" && n.FolderID != s.folderID {
		return
	}

	log := s.log.WithFields(logrus.Fields{
		"kind":   n.Kind,
		"folder": n.FolderID,
		"seq":    n.Seq,
	})
	switch n.Kind {
	case model.NotifyDeleted:
		s.notifyDeleted(log, n)
	case model.NotifyModified:
		s.notifyModified(log, n)
	case model.NotifyCreated:
		s.notifyCreated(log, n)
	case model.NotifyNewMail:
		s.emit(Event{Kind: EventStale})
	}
}

// held returns the records of ids the store holds.
func (s *Store) held(ids []string) []*record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*record.Record
	for _, id := range ids {
		if r, ok := s.index[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) notifyDeleted(log *logrus.Entry, n model.Notification) {
	gone := make(map[string]bool, len(n.IDs))
	for _, id := range n.IDs {
		gone[id] = true
	}

	// Destroys queued locally are already done.
	s.mu.Lock()
	kept := s.removed[:0:0]
	for _, r := range s.removed {
		if !gone[r.ID()] {
			kept = append(kept, r)
		}
	}
	s.removed = kept
	s.mu.Unlock()

	removed := s.detach(s.held(n.IDs), false)
	for _, r := range removed {
		if r.Owner() == record.Owner(s) {
			r.SetOwner(nil)
		}
	}
	if s.cache != nil && len(n.IDs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), notifyCacheTimeout)
		defer cancel()
		if err := s.cache.DeleteItems(ctx, n.IDs...); err != nil {
			log.WithError(err).Warn("failed to drop deleted records from cache")
		}
	}
	if len(removed) > 0 {
		log.WithField("records", len(removed)).Debug("removed deleted records")
		s.emit(Event{Kind: EventRemove, Records: removed})
	}
}

func (s *Store) notifyModified(log *logrus.Entry, n model.Notification) {
	if len(n.Items) == 0 {
		if held := s.held(n.IDs); len(held) > 0 {
			s.emit(Event{Kind: EventStale, Records: held})
		}
		return
	}

	for _, item := range n.Items {
		r := s.GetByID(protocol.Peek(item, model.IDProperty).String())
		if r == nil {
			continue
		}
		values, err := decodeValues(item)
		if err != nil {
			log.WithError(err).Warn("skipping unreadable notification item")
			continue
		}
		// Apply commits the server's values; change events reach the store
		// through RecordUpdated.
		if _, err := r.Apply(values); err != nil {
			log.WithError(err).WithField("id", r.ID()).Warn("failed to apply modification")
		}
	}
}

func (s *Store) notifyCreated(log *logrus.Entry, n model.Notification) {
	if s.folderID == "" || n.FolderID != s.folderID {
		return
	}
	if len(n.Items) == 0 {
		s.emit(Event{Kind: EventStale})
		return
	}

	var fresh []*record.Record
	for i, item := range n.Items {
		if r := s.GetByID(protocol.Peek(item, model.IDProperty).String()); r != nil {
			values, err := decodeValues(item)
			if err == nil {
				_, err = r.Apply(values)
			}
			if err != nil {
				log.WithError(err).WithField("id", r.ID()).Warn("failed to apply created item")
			}
			continue
		}
		r, err := s.reader.ReadItem(i, item)
		if err != nil {
			s.reportSchemaErrors([]error{err})
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return
	}

	s.mu.Lock()
	s.total += len(fresh)
	s.mu.Unlock()
	s.Add(fresh...)
}

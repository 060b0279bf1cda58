package imapwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	gosync "sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/source"
)

// Message flag bits mirrored into message_flags.
const (
	flagRead       = 0x1
	flagStatusNone = 0
	flagStatusSet  = 2
)

// Mailbox lists the messages of an IMAP mailbox. IMAPClient implements it.
type Mailbox interface {
	Snapshot(ctx context.Context, mailbox string) (map[imap.UID]Envelope, error)
}

// Watcher turns successive snapshots of one IMAP mailbox into folder
// notifications for the store mirroring it. The first fetch only records
// a baseline.
type Watcher struct {
	box      Mailbox
	mailbox  string
	folderID string
	log      logrus.FieldLogger

	mu     gosync.Mutex
	known  map[imap.UID]Envelope
	primed bool
}

// NewWatcher creates a Watcher reporting changes in mailbox as
// notifications scoped to folderID.
func NewWatcher(
	box Mailbox, mailbox, folderID string, logger logrus.FieldLogger,
) *Watcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Watcher{
		box:      box,
		mailbox:  mailbox,
		folderID: folderID,
		log:      logger.WithField("mailbox", mailbox),
	}
}

// Type implements source.Source.
func (w *Watcher) Type() source.SourceType {
	return source.SourceTypeIMAP
}

// ValidateConnection implements source.Source.
func (w *Watcher) ValidateConnection(ctx context.Context) (string, error) {
	snap, err := w.box.Snapshot(ctx, w.mailbox)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %d messages", w.mailbox, len(snap)), nil
}

// EntryID returns the record id used for the message with uid.
func (w *Watcher) EntryID(uid imap.UID) string {
	return fmt.Sprintf("imap:%s:%d", w.mailbox, uid)
}

// Fetch implements source.Source.
func (w *Watcher) Fetch(ctx context.Context) (*source.FetchResult, error) {
	snap, err := w.box.Snapshot(ctx, w.mailbox)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", w.mailbox, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.known
	w.known = snap
	if !w.primed {
		w.primed = true
		w.log.WithField("messages", len(snap)).Debug("imap baseline recorded")
		return &source.FetchResult{}, nil
	}

	now := time.Now()
	var created, changed []json.RawMessage
	var createdIDs, changedIDs, deletedIDs []string

	for _, uid := range slices.Sorted(maps.Keys(snap)) {
		env := snap[uid]
		old, ok := prev[uid]
		switch {
		case !ok:
			item, err := w.createdItem(env)
			if err != nil {
				return nil, err
			}
			created = append(created, item)
			createdIDs = append(createdIDs, w.EntryID(uid))
		case flagState(old) != flagState(env):
			item, err := w.flagItem(env)
			if err != nil {
				return nil, err
			}
			changed = append(changed, item)
			changedIDs = append(changedIDs, w.EntryID(uid))
		}
	}
	for _, uid := range slices.Sorted(maps.Keys(prev)) {
		if _, ok := snap[uid]; !ok {
			deletedIDs = append(deletedIDs, w.EntryID(uid))
		}
	}

	var notes []model.Notification
	if len(deletedIDs) > 0 {
		notes = append(notes, w.note(model.NotifyDeleted, deletedIDs, nil, now))
	}
	if len(changed) > 0 {
		notes = append(notes, w.note(model.NotifyModified, changedIDs, changed, now))
	}
	if len(created) > 0 {
		notes = append(notes, w.note(model.NotifyCreated, createdIDs, created, now))
		notes = append(notes, w.note(model.NotifyNewMail, nil, nil, now))
	}

	if len(notes) > 0 {
		w.log.WithFields(logrus.Fields{
			"created":  len(createdIDs),
			"modified": len(changedIDs),
			"deleted":  len(deletedIDs),
		}).Info("imap mailbox changed")
	}
	return &source.FetchResult{Notifications: notes}, nil
}

func (w *Watcher) note(
	kind model.NotificationKind, ids []string, items []json.RawMessage, at time.Time,
) model.Notification {
	return model.Notification{
		Kind:       kind,
		Module:     "imap",
		FolderID:   w.folderID,
		IDs:        ids,
		Items:      items,
		ReceivedAt: at,
	}
}

func (w *Watcher) createdItem(env Envelope) (json.RawMessage, error) {
	item := map[string]any{
		"entryid":        w.EntryID(env.UID),
		"parent_entryid": w.folderID,
		"message_class":  model.ClassMail,
		"subject":        env.Subject,
		"sender_name":    env.From,
	}
	if !env.Date.IsZero() {
		item["message_delivery_time"] = env.Date.Unix()
	}
	for k, v := range flagProps(env) {
		item[k] = v
	}
	return marshalItem(item)
}

func (w *Watcher) flagItem(env Envelope) (json.RawMessage, error) {
	item := flagProps(env)
	item["entryid"] = w.EntryID(env.UID)
	return marshalItem(item)
}

func flagProps(env Envelope) map[string]any {
	flags := 0
	if env.HasFlag(imap.FlagSeen) {
		flags |= flagRead
	}
	status := flagStatusNone
	if env.HasFlag(imap.FlagFlagged) {
		status = flagStatusSet
	}
	return map[string]any{
		"message_flags": flags,
		"flag_status":   status,
	}
}

// flagState reduces an envelope to the flags mirrored into records.
func flagState(env Envelope) [2]bool {
	return [2]bool{env.HasFlag(imap.FlagSeen), env.HasFlag(imap.FlagFlagged)}
}

func marshalItem(item map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encoding imap item: %w", err)
	}
	return b, nil
}

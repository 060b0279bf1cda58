package data

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/nhle/groupware/internal/metrics"
	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/protocol"
)

// Subscriber receives dispatched notifications. Each subscriber decides
// for itself whether a notification concerns it.
type Subscriber interface {
	Notify(n model.Notification)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(n model.Notification)

// Notify calls f.
func (f SubscriberFunc) Notify(n model.Notification) { f(n) }

// defaultMaxTracked bounds the number of record ids whose last sequence
// is remembered.
const defaultMaxTracked = 4096

type subscription struct {
	sub   Subscriber
	kinds map[model.NotificationKind]bool
}

// Notifier fans notifications out to subscribers by kind.
//
// Notifications carrying a sequence number are ordered per record id: a
// notification is dropped for every id that already saw an equal or
// newer sequence. Unsequenced notifications always apply.
type Notifier struct {
	mu      sync.Mutex
	subs    map[int]subscription
	nextSub int
	lastSeq map[string]uint64

	// seqFloor is the highest sequence forgotten when lastSeq was pruned;
	// untracked ids are compared against it.
	seqFloor   uint64
	maxTracked int

	log     *logrus.Entry
	metrics *metrics.Metrics
}

// NewNotifier creates a dispatcher with no subscribers.
func NewNotifier(logger *logrus.Entry, m *metrics.Metrics) *Notifier {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Notifier{
		subs:    make(map[int]subscription),
		lastSeq:    make(map[string]uint64),
		maxTracked: defaultMaxTracked,
		log:        logger.WithField("component", "notifier"),
		metrics:    m,
	}
}

// Subscribe registers sub for the given kinds, or for every kind when
// none are given. It returns a function that removes the subscription.
func (n *Notifier) Subscribe(sub Subscriber, kinds ...model.NotificationKind) func() {
	s := subscription{sub: sub}
	if len(kinds) > 0 {
		s.kinds = make(map[model.NotificationKind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = s
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Dispatch delivers note to the interested subscribers. It reports
// whether the notification was delivered at all.
func (n *Notifier) Dispatch(note model.Notification) bool {
	if note.ReceivedAt.IsZero() {
		note.ReceivedAt = time.Now()
	}

	n.mu.Lock()
	if note.Seq > 0 && len(note.IDs) > 0 {
		note = n.filterStaleLocked(note)
	}
	var targets []Subscriber
	if len(note.IDs) > 0 || note.Kind == model.NotifyNewMail || len(note.Items) > 0 {
		for _, id := range slices.Sorted(maps.Keys(n.subs)) {
			s := n.subs[id]
			if s.kinds == nil || s.kinds[note.Kind] {
				targets = append(targets, s.sub)
			}
		}
	}
	n.mu.Unlock()

	if len(targets) == 0 {
		n.metrics.Notification(string(note.Kind), "dropped")
		n.log.WithFields(logrus.Fields{
			"kind":   note.Kind,
			"folder": note.FolderID,
			"seq":    note.Seq,
		}).Debug("notification not delivered")
		return false
	}

	n.metrics.Notification(string(note.Kind), "delivered")
	for _, sub := range targets {
		sub.Notify(note)
	}
	return true
}

// filterStaleLocked drops the ids of note that already saw a newer or
// equal sequence, together with their items.
func (n *Notifier) filterStaleLocked(note model.Notification) model.Notification {
	keep := make(map[string]bool, len(note.IDs))
	ids := note.IDs[:0:0]
	for _, id := range note.IDs {
		last, ok := n.lastSeq[id]
		if !ok {
			last = n.seqFloor
		}
		if last >= note.Seq {
			n.log.WithFields(logrus.Fields{
				"id":       id,
				"seq":      note.Seq,
				"last_seq": last,
			}).Debug("dropping out-of-order notification")
			continue
		}
		n.lastSeq[id] = note.Seq
		keep[id] = true
		ids = append(ids, id)
	}
	n.pruneLocked()
	if len(ids) == len(note.IDs) {
		return note
	}

	note.IDs = ids
	if len(note.Items) > 0 {
		items := note.Items[:0:0]
		for _, item := range note.Items {
			if keep[protocol.Peek(item, model.IDProperty).String()] {
				items = append(items, item)
			}
		}
		note.Items = items
	}
	return note
}

// pruneLocked forgets the older half of the tracked ids once there are
// more than maxTracked, raising seqFloor to the newest sequence dropped.
func (n *Notifier) pruneLocked() {
	if len(n.lastSeq) <= n.maxTracked {
		return
	}
	ids := slices.SortedFunc(maps.Keys(n.lastSeq), func(a, b string) int {
		return cmp.Compare(n.lastSeq[a], n.lastSeq[b])
	})
	for _, id := range ids[:len(ids)-n.maxTracked/2] {
		n.seqFloor = max(n.seqFloor, n.lastSeq[id])
		delete(n.lastSeq, id)
	}
}

// HandleResponse converts a notification response action and dispatches
// it. Other actions are ignored.
func (n *Notifier) HandleResponse(resp protocol.Response) {
	note, err := ParseNotification(resp)
	if err != nil {
		n.log.WithError(err).WithField("module", resp.Module).Debug("ignoring response action")
		return
	}
	n.Dispatch(note)
}

// Handler returns a ResponseHandler forwarding every notification action
// to the notifier. It counts the dispatched notifications in count when
// count is not nil.
func (n *Notifier) Handler(logger *logrus.Entry, count *int) *ResponseHandler {
	h := NewResponseHandler(logger)
	forward := func(resp protocol.Response) error {
		note, err := ParseNotification(resp)
		if err != nil {
			return err
		}
		if n.Dispatch(note) && count != nil {
			*count++
		}
		return nil
	}
	for _, a := range []protocol.Action{
		protocol.ActionCreated,
		protocol.ActionModified,
		protocol.ActionDeleted,
		protocol.ActionNewMail,
	} {
		h.On(a, forward)
	}
	return h
}

// ParseNotification builds a Notification from a notification action
// payload:
//
//	{"folder_entryid": "...", "seq": 7, "entryids": [...], "item": [...]}
//
// Record ids missing from "entryids" are taken from the items.
func ParseNotification(resp protocol.Response) (model.Notification, error) {
	kind := model.NotificationKind(resp.Action)
	if !kind.Valid() {
		return model.Notification{}, fmt.Errorf("action %q is not a notification", resp.Action)
	}

	payload := gjson.ParseBytes(resp.Payload)
	note := model.Notification{
		Kind:       kind,
		Module:     resp.Module,
		FolderID:   firstNonEmpty(payload, "folder_entryid", "parent_entryid"),
		Items:      protocol.Items(resp.Payload),
		Seq:        payload.Get("seq").Uint(),
		ReceivedAt: time.Now(),
	}

	seen := make(map[string]bool)
	payload.Get("entryids").ForEach(func(_, v gjson.Result) bool {
		if id := v.String(); id != "" && !seen[id] {
			seen[id] = true
			note.IDs = append(note.IDs, id)
		}
		return true
	})
	for _, item := range note.Items {
		if id := protocol.Peek(item, model.IDProperty).String(); id != "" && !seen[id] {
			seen[id] = true
			note.IDs = append(note.IDs, id)
		}
	}
	if note.FolderID == "" && len(note.Items) > 0 {
		note.FolderID = protocol.Peek(note.Items[0], "parent_entryid").String()
	}
	return note, nil
}

func firstNonEmpty(res gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := res.Get(k).String(); v != "" {
			return v
		}
	}
	return ""
}

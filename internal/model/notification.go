package model

import (
	"encoding/json"
	"time"
)

// NotificationKind identifies what happened to the records a notification
// refers to.
type NotificationKind string

const (
	NotifyCreated  NotificationKind = "created"
	NotifyModified NotificationKind = "modified"
	NotifyDeleted  NotificationKind = "deleted"
	NotifyNewMail  NotificationKind = "newmail"
)

// Valid reports whether k is a known notification kind.
func (k NotificationKind) Valid() bool {
	switch k {
	case NotifyCreated, NotifyModified, NotifyDeleted, NotifyNewMail:
		return true
	}
	return false
}

// Notification is an out-of-band push event from the backend. It is
// consumed immediately by the subscribed stores and never persisted.
type Notification struct {
	// Kind is the event type.
	Kind NotificationKind `json:"kind"`

	// Module is the backend module that produced the event, such as
	// "hierarchynotifier" or "maillistnotifier".
	Module string `json:"module,omitempty"`

	// FolderID scopes the event to the contents of one folder. Empty means
	// the event concerns the folder hierarchy itself.
	FolderID string `json:"folder_id,omitempty"`

	// IDs are the record ids affected. For created and modified events they
	// are derived from Items when the backend omits them.
	IDs []string `json:"ids,omitempty"`

	// Items carries the full item payloads of created or modified records.
	Items []json.RawMessage `json:"items,omitempty"`

	// Seq orders notifications concerning the same record. Zero means the
	// event is unsequenced and always applies.
	Seq uint64 `json:"seq,omitempty"`

	// ReceivedAt is when the client received the event.
	ReceivedAt time.Time `json:"received_at"`
}

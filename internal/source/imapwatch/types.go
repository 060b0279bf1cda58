package imapwatch

import (
	"time"

	"github.com/emersion/go-imap/v2"
)

// Envelope holds the parsed envelope data from an IMAP message.
type Envelope struct {
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      time.Time
	Flags     []imap.Flag // \Seen, \Flagged, \Answered, \Deleted
	UID       imap.UID
}

// HasFlag reports whether the message carries flag.
func (e Envelope) HasFlag(flag imap.Flag) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

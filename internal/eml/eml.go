// Package eml imports RFC 5322 messages into unsaved mail records.
package eml

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/record"
)

// Attachment holds metadata about a message attachment.
type Attachment struct {
	Filename string
	Size     int64
	MIMEType string
}

// Message holds the parsed content of an e-mail message.
type Message struct {
	MessageID   string
	Subject     string
	FromName    string
	FromAddress string
	To          []string
	Cc          []string
	Date        time.Time
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

// Parse reads a message with its MIME parts.
func Parse(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	defer mr.Close()

	msg := &Message{}
	h := mr.Header
	if msg.Subject, err = h.Subject(); err != nil {
		return nil, fmt.Errorf("decoding subject: %w", err)
	}
	msg.MessageID, _ = h.MessageID()
	if msg.Date, err = h.Date(); err != nil {
		msg.Date = time.Time{}
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.FromName = from[0].Name
		msg.FromAddress = from[0].Address
	}
	msg.To = addresses(h, "To")
	msg.Cc = addresses(h, "Cc")

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading message part: %w", err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("reading %s part: %w", contentType, err)
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && msg.TextBody == "":
				msg.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			// Read to get size without storing content
			n, err := io.Copy(io.Discard, part.Body)
			if err != nil {
				return nil, fmt.Errorf("reading attachment %q: %w", filename, err)
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename: filename,
				Size:     n,
				MIMEType: contentType,
			})
		}
	}
	return msg, nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return out
}

// Record converts msg into an unsaved mail record filed in folderID.
func (m *Message) Record(folderID string) (*record.Record, error) {
	r := record.New(model.Mail)
	values := map[string]any{
		"message_class":        model.ClassMail,
		"subject":              m.Subject,
		"sender_name":          m.FromName,
		"sender_email_address": m.FromAddress,
		"display_to":           strings.Join(m.To, "; "),
		"display_cc":           strings.Join(m.Cc, "; "),
		"body":                 m.TextBody,
		"hasattach":            len(m.Attachments) > 0,
		"attachment_count":     len(m.Attachments),
		"message_size":         m.size(),
	}
	if m.HTMLBody != "" {
		values["html_body"] = m.HTMLBody
	}
	if !m.Date.IsZero() {
		values["client_submit_time"] = m.Date
		values["message_delivery_time"] = m.Date
	}
	if folderID != "" {
		values["parent_entryid"] = folderID
	}
	if err := r.SetValues(values); err != nil {
		return nil, fmt.Errorf("building mail record: %w", err)
	}
	return r, nil
}

func (m *Message) size() int64 {
	n := int64(len(m.TextBody) + len(m.HTMLBody))
	for _, a := range m.Attachments {
		n += a.Size
	}
	return n
}

// Import parses r and returns it as an unsaved mail record.
func Import(r io.Reader, folderID string) (*record.Record, error) {
	msg, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return msg.Record(folderID)
}

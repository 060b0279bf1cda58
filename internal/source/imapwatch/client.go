package imapwatch

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/groupware/internal/source"
)

// IMAPClient wraps go-imap v2 for connecting to and querying IMAP servers.
type IMAPClient struct {
	host     string
	port     string
	username string
	password string
	tls      bool

	// Window limits snapshots to messages received within it. Zero
	// includes the whole mailbox.
	Window time.Duration
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(
	host, port, username, password string, tls bool,
) *IMAPClient {
	return &IMAPClient{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
		Window:   7 * 24 * time.Hour,
	}
}

// Connect establishes a connection to the IMAP server, authenticates,
// and returns the connected client. The caller is responsible for
// calling Logout/Close on the returned client.
func (c *IMAPClient) Connect(
	_ context.Context, opts *imapclient.Options,
) (*imapclient.Client, error) {
	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Close()
		return nil, &source.AuthError{
			SourceType: source.SourceTypeIMAP,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v",
				c.username, err,
			),
		}
	}

	return client, nil
}

// Snapshot selects mailbox and returns the envelope and flags of every
// message within the client's window, keyed by UID.
func (c *IMAPClient) Snapshot(
	ctx context.Context, mailbox string,
) (map[imap.UID]Envelope, error) {
	client, err := c.Connect(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", mailbox, err)
	}

	criteria := &imap.SearchCriteria{}
	if c.Window > 0 {
		criteria.Since = time.Now().Add(-c.Window)
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	out := make(map[imap.UID]Envelope)
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return out, nil
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	})
	defer fetchCmd.Close()

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		env := envelopeFromBuffer(buf)
		out[env.UID] = env
	}

	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("fetching envelopes: %w", err)
	}
	return out, nil
}

// Idle selects mailbox and waits in IDLE until ctx is done, calling
// changed whenever the server reports new, expunged or re-flagged
// messages. changed runs on the connection's reader goroutine and must
// not block.
func (c *IMAPClient) Idle(
	ctx context.Context, mailbox string, changed func(),
) error {
	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(uint32) { changed() },
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					changed()
				}
			},
			Fetch: func(*imapclient.FetchMessageData) { changed() },
		},
	}
	client, err := c.Connect(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", mailbox, err)
	}

	idle, err := client.Idle()
	if err != nil {
		return fmt.Errorf("starting IDLE on %s: %w", mailbox, err)
	}
	<-ctx.Done()
	if err := idle.Close(); err != nil {
		return fmt.Errorf("stopping IDLE: %w", err)
	}
	if err := idle.Wait(); err != nil {
		return fmt.Errorf("stopping IDLE: %w", err)
	}
	return ctx.Err()
}

// envelopeFromBuffer extracts an Envelope from a FetchMessageBuffer.
func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) Envelope {
	env := Envelope{
		UID:   buf.UID,
		Flags: buf.Flags,
	}

	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				env.From = from.Name
			} else {
				env.From = from.Addr()
			}
		}

		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
	}

	return env
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// PushListener receives notification envelopes over a websocket and keeps
// the connection alive across drops.
type PushListener struct {
	url        string
	header     http.Header
	dialer     websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	log        *logrus.Entry
}

// NewPushListener creates a listener for the given websocket URL. header
// carries the authentication used for the handshake.
func NewPushListener(url string, header http.Header, logger *logrus.Entry) *PushListener {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PushListener{
		url:        url,
		header:     header,
		dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		log:        logger.WithField("component", "push_listener"),
	}
}

// SetBackoff overrides the reconnect delay bounds.
func (l *PushListener) SetBackoff(minBackoff, maxBackoff time.Duration) {
	l.minBackoff = minBackoff
	l.maxBackoff = maxBackoff
}

// Run delivers every text frame to handle until ctx is done, reconnecting
// with exponential backoff when the connection drops. A handshake rejected
// with 401 or 403 ends Run with an AuthError.
func (l *PushListener) Run(ctx context.Context, handle func([]byte)) error {
	backoff := l.minBackoff
	for {
		err := l.listen(ctx, handle, func() { backoff = l.minBackoff })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsAuthError(err) {
			return err
		}
		l.log.WithError(err).WithField("retry_in", backoff).Warn("push connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *PushListener) listen(ctx context.Context, handle func([]byte), connected func()) error {
	conn, resp, err := l.dialer.DialContext(ctx, l.url, l.header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden) {
			return &AuthError{StatusCode: resp.StatusCode, Message: "push handshake rejected"}
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()
	connected()
	l.log.WithField("url", l.url).Debug("push connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		case <-stop:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("push connection closed by server")
			}
			return fmt.Errorf("reading push frame: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

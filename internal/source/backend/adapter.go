// Package backend polls the groupware backend's notifier module for
// notifications queued since the last request.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nhle/groupware/internal/data"
	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/protocol"
	"github.com/nhle/groupware/internal/source"
)

// DefaultModule is the backend module queuing notifications per session.
const DefaultModule = "hierarchynotifier"

// Adapter implements source.Source over a keepalive request: the backend
// answers it with the notification actions it has queued.
type Adapter struct {
	client *data.Client
	module string
	log    *logrus.Entry
}

// NewAdapter creates a backend notification source. An empty module
// selects DefaultModule.
func NewAdapter(client *data.Client, module string, logger *logrus.Entry) *Adapter {
	if module == "" {
		module = DefaultModule
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		client: client,
		module: module,
		log:    logger.WithField("source", source.SourceTypeBackend),
	}
}

// Type returns the source type identifier for the backend.
func (a *Adapter) Type() source.SourceType {
	return source.SourceTypeBackend
}

// ValidateConnection sends one keepalive and reports the module name.
func (a *Adapter) ValidateConnection(ctx context.Context) (string, error) {
	if _, err := a.poll(ctx); err != nil {
		return "", fmt.Errorf("validating backend connection: %w", err)
	}
	return a.module, nil
}

// Fetch sends a keepalive and returns the notifications in its answer.
func (a *Adapter) Fetch(ctx context.Context) (*source.FetchResult, error) {
	notes, err := a.poll(ctx)
	if err != nil {
		return nil, err
	}
	return &source.FetchResult{Notifications: notes}, nil
}

func (a *Adapter) poll(ctx context.Context) ([]model.Notification, error) {
	var (
		mu    sync.Mutex
		notes []model.Notification
	)
	h := data.NewResponseHandler(a.log)
	collect := func(resp protocol.Response) error {
		note, err := data.ParseNotification(resp)
		if err != nil {
			return err
		}
		mu.Lock()
		notes = append(notes, note)
		mu.Unlock()
		return nil
	}
	for _, action := range []protocol.Action{
		protocol.ActionCreated,
		protocol.ActionModified,
		protocol.ActionDeleted,
		protocol.ActionNewMail,
	} {
		h.On(action, collect)
	}
	h.On(protocol.ActionSuccess, func(protocol.Response) error { return nil })

	_, err := a.client.Send(ctx, data.Call{
		Module:  a.module,
		Action:  protocol.ActionKeepAlive,
		Handler: h,
	})
	if err == nil {
		err = h.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("polling %s: %w", a.module, err)
	}

	a.log.WithField("notifications", len(notes)).Debug("polled backend")
	return notes, nil
}

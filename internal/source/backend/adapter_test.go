package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/groupware/internal/data"
	"github.com/nhle/groupware/internal/model"
	"github.com/nhle/groupware/internal/protocol"
	"github.com/nhle/groupware/internal/source"
	"github.com/nhle/groupware/internal/source/backend"
	"github.com/nhle/groupware/internal/transport"
	"github.com/nhle/groupware/tests/testutil"
)

func TestFetchCollectsQueuedNotifications(t *testing.T) {
	fake := testutil.NewFakeBackend(func(c testutil.BackendCall) []testutil.Reply {
		assert.Equal(t, protocol.ActionKeepAlive, c.Action)
		assert.Equal(t, backend.DefaultModule, c.Module)
		return []testutil.Reply{
			{Action: protocol.ActionNewMail, Payload: map[string]any{"folder_entryid": "F1"}},
		}
	})
	a := backend.NewAdapter(data.NewClient(fake), "", nil)

	res, err := a.Fetch(context.Background())

	require.NoError(t, err)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, model.NotifyNewMail, res.Notifications[0].Kind)
	assert.Equal(t, "F1", res.Notifications[0].FolderID)
	assert.Equal(t, source.SourceTypeBackend, a.Type())
}

func TestFetchReportsAuthErrors(t *testing.T) {
	fake := testutil.NewFakeBackend(nil)
	fake.FailWith(&transport.AuthError{StatusCode: 401, Message: "session expired"})
	a := backend.NewAdapter(data.NewClient(fake), "", nil)

	_, err := a.Fetch(context.Background())

	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
}

func TestValidateConnection(t *testing.T) {
	fake := testutil.NewFakeBackend(func(testutil.BackendCall) []testutil.Reply {
		return []testutil.Reply{{Action: protocol.ActionSuccess}}
	})
	a := backend.NewAdapter(data.NewClient(fake), "notifier", nil)

	got, err := a.ValidateConnection(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "notifier", got)
}

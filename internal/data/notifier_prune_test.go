package data

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nhle/groupware/internal/model"
)

func TestNotifierForgetsOldestSequences(t *testing.T) {
	n := NewNotifier(nil, nil)
	n.maxTracked = 4
	n.Subscribe(SubscriberFunc(func(model.Notification) {}))

	for seq := 1; seq <= 5; seq++ {
		id := "A" + strconv.Itoa(seq)
		assert.True(t, n.Dispatch(model.Notification{Kind: model.NotifyDeleted, IDs: []string{id}, Seq: uint64(seq)}))
	}

	assert.Len(t, n.lastSeq, 2)
	assert.Equal(t, uint64(3), n.seqFloor)
	assert.Contains(t, n.lastSeq, "A5")

	// A forgotten id still refuses sequences at or below the floor.
	assert.False(t, n.Dispatch(model.Notification{Kind: model.NotifyCreated, IDs: []string{"A1"}, Seq: 1}))
	assert.True(t, n.Dispatch(model.Notification{Kind: model.NotifyModified, IDs: []string{"A1"}, Seq: 6}))
}

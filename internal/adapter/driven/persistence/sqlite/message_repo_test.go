package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRepo(t *testing.T) *MessageRepository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "data", "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func message(t *testing.T, to domain.UserID, action domain.Action) domain.Message {
	t.Helper()
	sig := domain.NewSignal(action, domain.NewCallID(), "a1", domain.CallAudio)
	sig.ChannelName = "ch"
	msg, err := domain.NewMessage("alice", to, sig)
	require.NoError(t, err)
	msg.ID = domain.NewMessageID()
	msg.SentAt = time.Now().UTC().Truncate(time.Millisecond)
	return *msg
}

func TestSaveAndFind(t *testing.T) {
	assert := assert.New(t)
	repo := openRepo(t)
	ctx := context.Background()
	msg := message(t, "bob", domain.ActionInvite)

	require.NoError(t, repo.Save(ctx, msg))
	got, err := repo.Find(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(msg.ID, got.ID)
	assert.Equal(msg.Signal.CallID, got.Signal.CallID)
	assert.Equal(domain.ActionInvite, got.Signal.Action)
	assert.True(msg.SentAt.Equal(got.SentAt))

	// saving again replaces the body
	msg.Signal.ChannelName = "other"
	require.NoError(t, repo.Save(ctx, msg))
	got, err = repo.Find(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal("other", got.Signal.ChannelName)

	_, err = repo.Find(ctx, "missing")
	assert.ErrorIs(err, domain.ErrMessageNotFound)
}

func TestUpdateExtMerges(t *testing.T) {
	assert := assert.New(t)
	repo := openRepo(t)
	ctx := context.Background()
	msg := message(t, "bob", domain.ActionInvite)
	msg.Ext = map[string]any{"topic": "standup"}
	require.NoError(t, repo.Save(ctx, msg))

	require.NoError(t, repo.UpdateExt(ctx, msg.ID, map[string]any{
		domain.ExtCallEndReason: "hangup",
		domain.ExtCallDuration:  12,
	}))

	got, err := repo.Find(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal("standup", got.Ext["topic"])
	assert.Equal("hangup", got.Ext[domain.ExtCallEndReason])
	assert.Equal(float64(12), got.Ext[domain.ExtCallDuration])

	err = repo.UpdateExt(ctx, "missing", map[string]any{"k": "v"})
	assert.ErrorIs(err, domain.ErrMessageNotFound)
}

func TestQueueDrainsInOrder(t *testing.T) {
	assert := assert.New(t)
	repo := openRepo(t)
	ctx := context.Background()

	first := message(t, "bob", domain.ActionInvite)
	second := message(t, "bob", domain.ActionAnswer)
	other := message(t, "carol", domain.ActionInvite)
	for _, m := range []domain.Message{first, second, other} {
		require.NoError(t, repo.Enqueue(ctx, m))
	}

	msgs, err := repo.Drain(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(first.ID, msgs[0].ID)
	assert.Equal(second.ID, msgs[1].ID)

	msgs, err = repo.Drain(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(msgs)

	msgs, err = repo.Drain(ctx, "carol")
	require.NoError(t, err)
	assert.Len(msgs, 1)
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	repo, err := Open(path)
	require.NoError(t, err)
	msg := message(t, "bob", domain.ActionInvite)
	require.NoError(t, repo.Save(ctx, msg))
	require.NoError(t, repo.Close())

	repo, err = Open(path)
	require.NoError(t, err)
	defer repo.Close()
	_, err = repo.Find(ctx, msg.ID)
	assert.NoError(t, err)
}

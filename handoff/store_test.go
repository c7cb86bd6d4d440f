package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestLatestWhenEmpty(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestSaveAndLoad(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Record{SessionID: "abc", Mode: "prompt-creator", Payload: "Teach fractions"}))
	require.NoError(t, store.Save(ctx, Record{SessionID: "def", Mode: "prompt-creator", Payload: "Teach volcanoes"}))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Teach volcanoes", latest.Payload)
	assert.False(t, latest.CreatedAt.IsZero())

	first, err := store.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "Teach fractions", first.Payload)

	assert.Equal(t, time.Hour, mr.TTL(latestKey))

	mr.FastForward(2 * time.Hour)
	_, err = store.Latest(ctx)
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestSaveRejectsEmptyPayload(t *testing.T) {
	store, _ := newStore(t)
	assert.ErrorIs(t, store.Save(context.Background(), Record{Mode: "teacher"}), ErrNoPayload)
}

func TestSubscribeReceivesSaves(t *testing.T) {
	store, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, Record{SessionID: "s1", Mode: "udaan-prompt-creator", Payload: "Build a rocket"}))

	select {
	case rec := <-ch:
		assert.Equal(t, "Build a rocket", rec.Payload)
		assert.Equal(t, "s1", rec.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no announcement")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), addr, "", 0)
	assert.Error(t, err)
}

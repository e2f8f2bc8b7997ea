// ABOUTME: Tests for the subject-keyed frame broadcaster
// ABOUTME: Covers multi-subject delivery, isolation, slow-subscriber drops, and cleanup

package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []byte) map[string]any {
	t.Helper()
	select {
	case data, ok := <-ch:
		require.True(t, ok, "channel closed")
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestBroadcaster_MultiSubject(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, UserSubject("0700000000"), AdminSubject)

	require.NoError(t, b.Publish(UserSubject("0700000000"), map[string]string{"type": "a"}))
	require.NoError(t, b.Publish(AdminSubject, map[string]string{"type": "b"}))

	assert.Equal(t, "a", receive(t, ch)["type"])
	assert.Equal(t, "b", receive(t, ch)["type"])
}

func TestBroadcaster_SubjectIsolation(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, _ := b.Subscribe(ctx, RequestSubject("abc"))
	other, _ := b.Subscribe(ctx, RequestSubject("def"))

	require.NoError(t, b.Publish(RequestSubject("abc"), map[string]string{"type": "resolved"}))

	assert.Equal(t, "resolved", receive(t, mine)["type"])
	select {
	case <-other:
		t.Fatal("other request's watcher received a frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := b.Subscribe(ctx, "s")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.PublishRaw("s", []byte(`{"type":"x"}`))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeOnCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "a", "b")
	assert.Equal(t, 1, b.Subscribers("a"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers("a"))
	assert.Equal(t, 0, b.Subscribers("b"))
}

func TestBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, id := b.Subscribe(ctx, "s")
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.PublishRaw("s", []byte(`{}`))
		}()
		go func() {
			defer wg.Done()
			b.Unsubscribe(id)
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Subscribers("s"))
}

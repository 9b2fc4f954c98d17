package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := Open(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestOutbox_PublishPendingAck(t *testing.T) {
	o := openOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Publish(ctx, "cost_threshold", "cost:day:2025-12-18", "80% spent"))
	require.NoError(t, o.Publish(ctx, "permanent_ban", "fpA", "5 violations"))
	assert.Equal(t, 2, o.Depth())

	events, err := o.Pending(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "cost_threshold", events[0].Kind, "delivery order follows publish order")
	assert.Equal(t, "permanent_ban", events[1].Kind)
	assert.False(t, events[0].At.IsZero())

	require.NoError(t, o.Ack(events[0].Seq))
	assert.Equal(t, 1, o.Depth())

	events, err = o.Pending(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "permanent_ban", events[0].Kind)
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.db")
	ctx := context.Background()

	o, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, o.Publish(ctx, "permanent_ban", "fpA", "detail"))
	require.NoError(t, o.Close())

	o, err = Open(path)
	require.NoError(t, err)
	defer o.Close()

	events, err := o.Pending(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fpA", events[0].Subject)
}

func TestOutbox_PendingHonorsLimit(t *testing.T) {
	o := openOutbox(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, o.Publish(ctx, "cost_threshold", "p", "d"))
	}
	events, err := o.Pending(3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestOutbox_ConcurrentPublish(t *testing.T) {
	const writers = 25
	o := openOutbox(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.Publish(ctx, "cost_threshold", "p", "d"); err != nil {
				t.Errorf("publish: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, writers, o.Depth())
}

func TestNotifier_DrainDeliversAndAcks(t *testing.T) {
	o := openOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Publish(ctx, "cost_threshold", "a", "1"))
	require.NoError(t, o.Publish(ctx, "permanent_ban", "b", "2"))

	var mu sync.Mutex
	var got []Event
	n := NewNotifier(o, PostFunc(func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	}), time.Second, 600)

	require.NoError(t, n.Drain(ctx))
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Subject)
	assert.Equal(t, "b", got[1].Subject)
	assert.Equal(t, 0, o.Depth())
}

func TestNotifier_FailureKeepsEventAndOrder(t *testing.T) {
	o := openOutbox(t)
	ctx := context.Background()

	require.NoError(t, o.Publish(ctx, "cost_threshold", "a", "1"))
	require.NoError(t, o.Publish(ctx, "permanent_ban", "b", "2"))

	boom := errors.New("webhook down")
	calls := 0
	n := NewNotifier(o, PostFunc(func(_ context.Context, e Event) error {
		calls++
		return boom
	}), time.Second, 600)

	require.ErrorIs(t, n.Drain(ctx), boom)
	assert.Equal(t, 1, calls, "stops at the first failure")
	assert.Equal(t, 2, o.Depth(), "nothing was acked")

	// Once the webhook recovers the backlog flushes in order.
	var got []string
	n = NewNotifier(o, PostFunc(func(_ context.Context, e Event) error {
		got = append(got, e.Subject)
		return nil
	}), time.Second, 600)
	require.NoError(t, n.Drain(ctx))
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 0, o.Depth())
}

func TestWebhookPoster(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, decodeJSON(r, &received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewWebhookPoster(srv.URL, nil)
	e := Event{Seq: 7, Kind: "permanent_ban", Subject: "fpA", Detail: "d", At: time.Now().UTC()}
	require.NoError(t, p.Post(context.Background(), e))
	assert.Equal(t, uint64(7), received.Seq)
	assert.Equal(t, "permanent_ban", received.Kind)
}

func TestWebhookPoster_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewWebhookPoster(srv.URL, nil)
	assert.Error(t, p.Post(context.Background(), Event{Seq: 1}))
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

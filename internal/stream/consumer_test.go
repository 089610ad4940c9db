package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sirosfoundation/go-stream-gateway/internal/domain"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage"
	"github.com/sirosfoundation/go-stream-gateway/internal/storage/memory"
	"github.com/sirosfoundation/go-stream-gateway/pkg/config"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []Notification
}

func (s *recordingSink) BroadcastJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, v.(Notification))
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// failingEvents fails every insert while fail is set
type failingEvents struct {
	storage.EventStore
	mu   sync.Mutex
	fail bool
}

func (f *failingEvents) Insert(ctx context.Context, event *domain.Event) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return storage.ErrDatabase
	}
	return f.EventStore.Insert(ctx, event)
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		Enabled:  true,
		Stream:   "events",
		Group:    "gateway-test",
		Consumer: "consumer-1",
		Batch:    10,
		Block:    50 * time.Millisecond,
	}
}

type harness struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *memory.Store
	sink   *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewClient(config.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &harness{mr: mr, client: client, store: memory.NewStore(), sink: &recordingSink{}}
}

func (h *harness) publish(t *testing.T, eventType, data string) string {
	t.Helper()
	id, err := h.client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "events",
		Values: map[string]any{FieldType: eventType, FieldData: data},
	}).Result()
	require.NoError(t, err)
	return id
}

func (h *harness) pending(t *testing.T) int64 {
	t.Helper()
	p, err := h.client.XPending(context.Background(), "events", "gateway-test").Result()
	require.NoError(t, err)
	return p.Count
}

func (h *harness) storedCount() int64 {
	n, _ := h.store.Events().Count(context.Background())
	return n
}

// start runs c in the background and returns a stop function that
// cancels it and returns its result
func start(c *Consumer) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() error {
		cancel()
		return <-done
	}
}

func TestConsumer_StoresAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	c := NewConsumer(h.client, testStreamConfig(), h.store.Events(), h.sink, zaptest.NewLogger(t))
	assert.Equal(t, "stream-consumer", c.Name())
	assert.Equal(t, "consumer-1", c.ConsumerName())

	require.NoError(t, c.ensureGroup(context.Background()))
	stop := start(c)

	first := h.publish(t, "order.created", `{"id":1}`)
	h.publish(t, "order.paid", `{"id":1,"amount":10}`)

	require.Eventually(t, func() bool { return h.storedCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.sink.count() == 2 }, time.Second, 5*time.Millisecond)

	err := stop()
	assert.ErrorIs(t, err, context.Canceled)

	events, err := h.store.Events().List(context.Background(), storage.EventFilter{Type: "order.created"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, first, events[0].MessageID)
	assert.Equal(t, "events", events[0].Stream)
	assert.JSONEq(t, `{"id":1}`, string(events[0].Payload))

	h.sink.mu.Lock()
	note := h.sink.sent[0]
	h.sink.mu.Unlock()
	assert.Equal(t, "event", note.Type)
	data, err := json.Marshal(note)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"event"`)

	assert.Zero(t, h.pending(t))
}

func TestConsumer_RejectsInvalidMessages(t *testing.T) {
	h := newHarness(t)
	c := NewConsumer(h.client, testStreamConfig(), h.store.Events(), h.sink, zaptest.NewLogger(t))
	require.NoError(t, c.ensureGroup(context.Background()))

	h.publish(t, "order.created", `{not json`)
	h.publish(t, "", `{}`)
	h.publish(t, "order.created", `{"ok":true}`)

	stop := start(c)
	require.Eventually(t, func() bool { return h.storedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.pending(t) == 0 }, 2*time.Second, 5*time.Millisecond)
	_ = stop()

	assert.Equal(t, 1, h.sink.count())
}

func TestConsumer_DuplicateIsAcked(t *testing.T) {
	h := newHarness(t)
	c := NewConsumer(h.client, testStreamConfig(), h.store.Events(), h.sink, zaptest.NewLogger(t))
	require.NoError(t, c.ensureGroup(context.Background()))

	id := h.publish(t, "order.created", `{"id":1}`)
	existing, err := domain.NewEvent("events", id, "order.created", []byte(`{"id":1}`), time.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.Events().Insert(context.Background(), existing))

	stop := start(c)
	require.Eventually(t, func() bool { return h.pending(t) == 0 }, 2*time.Second, 5*time.Millisecond)
	_ = stop()

	assert.Equal(t, int64(1), h.storedCount())
	assert.Zero(t, h.sink.count(), "duplicates are not broadcast again")
}

func TestConsumer_StorageFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	events := &failingEvents{EventStore: h.store.Events(), fail: true}
	c := NewConsumer(h.client, testStreamConfig(), events, h.sink, zaptest.NewLogger(t))
	require.NoError(t, c.ensureGroup(context.Background()))

	h.publish(t, "order.created", `{"id":1}`)

	err := c.Run(context.Background())
	require.ErrorIs(t, err, storage.ErrDatabase)
	assert.Equal(t, int64(1), h.pending(t))
	assert.Zero(t, h.storedCount())

	// a restarted run replays the pending entry first
	events.mu.Lock()
	events.fail = false
	events.mu.Unlock()

	stop := start(c)
	require.Eventually(t, func() bool { return h.storedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.pending(t) == 0 }, 2*time.Second, 5*time.Millisecond)
	_ = stop()
}

func TestConsumer_ExistingGroup(t *testing.T) {
	h := newHarness(t)
	c := NewConsumer(h.client, testStreamConfig(), h.store.Events(), nil, zaptest.NewLogger(t))

	require.NoError(t, c.ensureGroup(context.Background()))
	require.NoError(t, c.ensureGroup(context.Background()), "BUSYGROUP must be ignored")
}

func TestConsumer_RedisUnavailable(t *testing.T) {
	h := newHarness(t)
	c := NewConsumer(h.client, testStreamConfig(), h.store.Events(), nil, zaptest.NewLogger(t))
	h.mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewConsumer_Defaults(t *testing.T) {
	h := newHarness(t)
	cfg := testStreamConfig()
	cfg.Consumer = ""
	cfg.Batch = 0
	cfg.Block = 0

	c := NewConsumer(h.client, cfg, h.store.Events(), nil, zaptest.NewLogger(t))
	assert.NotEmpty(t, c.ConsumerName())
	assert.Equal(t, int64(32), c.cfg.Batch)
	assert.Equal(t, 5*time.Second, c.cfg.Block)

	other := NewConsumer(h.client, cfg, h.store.Events(), nil, zaptest.NewLogger(t))
	assert.NotEqual(t, c.ConsumerName(), other.ConsumerName())
}

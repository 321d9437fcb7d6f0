package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/dedup"
	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/BTreeMap/WhatsHook/internal/store"
	"github.com/BTreeMap/WhatsHook/internal/testutil"
	"github.com/BTreeMap/WhatsHook/internal/webhook"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var queueBase = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// scriptedSender returns scripted results in order and succeeds once the script is exhausted.
type scriptedSender struct {
	mu      sync.Mutex
	results []webhook.Result
	sent    []models.WebhookPayload
	block   chan struct{}
}

func (s *scriptedSender) Send(ctx context.Context, payload models.WebhookPayload) webhook.Result {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	if len(s.results) == 0 {
		return webhook.Result{Success: true, Attempts: 1, StatusCode: 200}
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func (s *scriptedSender) payloads() []models.WebhookPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WebhookPayload(nil), s.sent...)
}

type fixture struct {
	q      *Queue
	store  *store.InMemoryStore
	dedup  *dedup.Deduplicator
	sender *scriptedSender
	clock  *testutil.Clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewClock(queueBase)
	st := store.NewInMemoryStore(store.WithClock(clock.Now))
	dd := dedup.New(dedup.WithClock(clock.Now))
	sender := &scriptedSender{}
	q := New(st, dd, sender, append([]Option{WithClock(clock.Now)}, opts...)...)
	return &fixture{q: q, store: st, dedup: dd, sender: sender, clock: clock}
}

// admit stores a record and registers it with the deduplicator, the way ingestion does.
func (f *fixture) admit(t *testing.T, id, messageID, content string) models.MessageRecord {
	t.Helper()
	rec := models.MessageRecord{
		ID:        id,
		MessageID: messageID,
		From:      "111",
		To:        "222",
		Content:   content,
		Type:      models.MessageTypeText,
		Timestamp: f.clock.Now().UnixMilli(),
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.store.SaveMessage(rec))
	f.dedup.MarkAsProcessing(rec.Identifier())
	return rec
}

func TestEnqueue_RejectsAlreadyQueued(t *testing.T) {
	f := newFixture(t)
	rec := f.admit(t, "r1", "m1", "hello")

	assert.True(t, f.q.Enqueue(rec.QueueItem(1), 1))
	assert.False(t, f.q.Enqueue(rec.QueueItem(1), 1))
	assert.Equal(t, 1, f.q.Len())
	assert.Equal(t, int64(1), f.q.Stats().Rejected)
}

func TestEnqueue_RejectsWhenStoreSaysSent(t *testing.T) {
	f := newFixture(t)
	rec := f.admit(t, "r1", "m1", "hello")
	require.NoError(t, f.store.UpdateMessageWebhookStatus("r1", true, 1))

	assert.False(t, f.q.Enqueue(rec.QueueItem(1), 1))
}

func TestEnqueue_RejectsSimilarSentWithinWindow(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "r1", "m1", "hello")
	require.NoError(t, f.store.UpdateMessageWebhookStatus("r1", true, 1))

	f.clock.Advance(2 * time.Second)
	rec2 := f.admit(t, "r2", "m2", "hello")
	assert.False(t, f.q.Enqueue(rec2.QueueItem(1), 1), "same content timestamped 2s after a sent one")

	f.clock.Advance(4 * time.Second)
	rec3 := f.admit(t, "r3", "m3", "hello")
	assert.True(t, f.q.Enqueue(rec3.QueueItem(1), 1), "6s apart is outside the enqueue window")
}

func TestEnqueue_PlaceholderSkipsSimilarityCheck(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "r1", "m1", "[Image]")
	require.NoError(t, f.store.UpdateMessageWebhookStatus("r1", true, 1))

	second := models.MessageRecord{ID: "r2", MessageID: "m2", From: "111", To: "222", Content: "[Image]", Placeholder: true, CreatedAt: f.clock.Now()}
	require.NoError(t, f.store.SaveMessage(second))

	assert.True(t, f.q.Enqueue(second.QueueItem(1), 1))
}

func TestEnqueue_RejectsWhenDeduplicatorSaysSent(t *testing.T) {
	f := newFixture(t)
	rec := f.admit(t, "r1", "m1", "hello")
	f.dedup.MarkWebhookSent(rec.Identifier(), 1)

	assert.False(t, f.q.Enqueue(rec.QueueItem(1), 1))
}

func TestDrain_DeliversAndRecords(t *testing.T) {
	f := newFixture(t)
	rec := f.admit(t, "r1", "m1", "hello")
	require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))

	var outcomes []Outcome
	f.q.OnOutcome(func(o Outcome) { outcomes = append(outcomes, o) })

	res := f.q.Drain(context.Background())
	require.Equal(t, 1, res.Processed)
	assert.Equal(t, StatusDelivered, res.Outcomes[0].Status)
	assert.Equal(t, 0, f.q.Len())

	stored, _ := f.store.GetMessageByID("r1")
	assert.True(t, stored.WebhookSent)
	assert.Equal(t, 1, stored.WebhookAttempts)
	assert.True(t, f.dedup.IsWebhookSent(rec.Identifier()))

	sent := f.sender.payloads()
	require.Len(t, sent, 1)
	assert.Equal(t, "m1", sent[0].MessageID)
	assert.Equal(t, "hello", sent[0].Message)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "m1", outcomes[0].MessageID)
}

func TestDrain_FailureRecordsAttemptsAndRemoves(t *testing.T) {
	f := newFixture(t)
	rec := f.admit(t, "r1", "m1", "hello")
	require.NoError(t, f.store.UpdateMessageWebhookStatus("r1", false, 1))
	f.sender.results = []webhook.Result{{Attempts: 3, StatusCode: 503, Err: &webhook.StatusError{Code: 503}}}
	require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))

	res := f.q.Drain(context.Background())
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.Equal(t, 4, res.Outcomes[0].Attempts)
	assert.Equal(t, 0, f.q.Len())

	stored, _ := f.store.GetMessageByID("r1")
	assert.False(t, stored.WebhookSent)
	assert.Equal(t, 4, stored.WebhookAttempts)
	st, ok := f.dedup.State(rec.Identifier())
	require.True(t, ok)
	assert.False(t, st.IsProcessing)
	assert.False(t, st.WebhookSent)
}

func TestDrain_DropsItemMissingFromStore(t *testing.T) {
	f := newFixture(t)
	rec := f.admit(t, "r1", "m1", "hello")
	require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))
	f.store.DeleteMessage("r1")

	res := f.q.Drain(context.Background())
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusDroppedMissing, res.Outcomes[0].Status)
	assert.Empty(t, f.sender.payloads())
	assert.Equal(t, 0, f.q.Len())
}

func TestDrain_DropsItemSentMeanwhile(t *testing.T) {
	f := newFixture(t)
	rec := f.admit(t, "r1", "m1", "hello")
	require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))
	require.NoError(t, f.store.UpdateMessageWebhookStatus("r1", true, 1))

	res := f.q.Drain(context.Background())
	assert.Equal(t, StatusDroppedSent, res.Outcomes[0].Status)
	assert.Empty(t, f.sender.payloads())
}

func TestDrain_DropsAndRetiresSimilarMessage(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "r1", "m1", "hello")
	f.clock.Advance(10 * time.Second)
	rec2 := f.admit(t, "r2", "m2", "hello")
	require.True(t, f.q.Enqueue(rec2.QueueItem(1), 1))
	// r1 was delivered by another path after r2 was queued
	require.NoError(t, f.store.UpdateMessageWebhookStatus("r1", true, 1))

	res := f.q.Drain(context.Background())
	assert.Equal(t, StatusDroppedDup, res.Outcomes[0].Status)
	assert.Empty(t, f.sender.payloads())

	pending, err := f.store.GetPendingWebhookMessages(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "retired duplicate must not be swept again")
}

func TestDrain_LateFirstDeliveryDoesNotWidenWindow(t *testing.T) {
	f := newFixture(t)
	rec1 := f.admit(t, "r1", "m1", "hi")
	require.True(t, f.q.Enqueue(rec1.QueueItem(1), 1))

	// the first delivery only lands 5s after m1 was sent
	f.clock.Advance(5 * time.Second)
	res := f.q.Drain(context.Background())
	require.Len(t, res.Outcomes, 1)
	require.Equal(t, StatusDelivered, res.Outcomes[0].Status)

	// m2 carries a timestamp 31s after m1
	f.clock.Advance(26 * time.Second)
	rec2 := f.admit(t, "r2", "m2", "hi")
	require.True(t, f.q.Enqueue(rec2.QueueItem(1), 1))
	res = f.q.Drain(context.Background())
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusDelivered, res.Outcomes[0].Status)

	sent := f.sender.payloads()
	require.Len(t, sent, 2)
	assert.Equal(t, "m2", sent[1].MessageID)
	stored, _ := f.store.GetMessageByID("r2")
	assert.True(t, stored.WebhookSent)
	assert.Equal(t, 1, stored.WebhookAttempts)
}

func TestDrain_SimilarMessageInsideWindowAfterLateDelivery(t *testing.T) {
	f := newFixture(t)
	rec1 := f.admit(t, "r1", "m1", "hi")
	require.True(t, f.q.Enqueue(rec1.QueueItem(1), 1))
	f.clock.Advance(20 * time.Second)
	f.q.Drain(context.Background())

	// 29s after m1 by message time, 9s after m1 was delivered
	f.clock.Advance(9 * time.Second)
	rec2 := f.admit(t, "r2", "m2", "hi")
	require.True(t, f.q.Enqueue(rec2.QueueItem(1), 1))
	res := f.q.Drain(context.Background())
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusDroppedDup, res.Outcomes[0].Status)
	assert.Len(t, f.sender.payloads(), 1)
}

func TestDrain_OrdersByPriorityThenAge(t *testing.T) {
	f := newFixture(t, WithBatchSize(3))
	for i := 0; i < 4; i++ {
		rec := f.admit(t, fmt.Sprintf("r%d", i), fmt.Sprintf("m%d", i), fmt.Sprintf("body %d", i))
		priority := 0
		if i%2 == 1 {
			priority = 1
		}
		require.True(t, f.q.Enqueue(rec.QueueItem(priority), priority))
		f.clock.Advance(time.Second)
	}

	res := f.q.Drain(context.Background())
	require.Equal(t, 3, res.Processed)
	var order []string
	for _, p := range f.sender.payloads() {
		order = append(order, p.MessageID)
	}
	assert.Equal(t, []string{"m1", "m3", "m0"}, order)
	assert.Equal(t, 1, f.q.Len())
}

type failingStore struct {
	*store.InMemoryStore
	failures int
}

func (s *failingStore) GetMessageByID(id string) (*models.MessageRecord, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("database is locked")
	}
	return s.InMemoryStore.GetMessageByID(id)
}

func TestDrain_UnexpectedErrorsDropAfterThreeFailures(t *testing.T) {
	clock := testutil.NewClock(queueBase)
	st := &failingStore{InMemoryStore: store.NewInMemoryStore(store.WithClock(clock.Now))}
	sender := &scriptedSender{}
	q := New(st, dedup.New(dedup.WithClock(clock.Now)), sender, WithClock(clock.Now))

	rec := models.MessageRecord{ID: "r1", MessageID: "m1", From: "111", To: "222", Content: "hi", CreatedAt: clock.Now()}
	require.NoError(t, st.SaveMessage(rec))
	require.True(t, q.Enqueue(rec.QueueItem(1), 1))
	st.failures = 3

	ctx := context.Background()
	assert.Equal(t, StatusRetained, q.Drain(ctx).Outcomes[0].Status)
	assert.Equal(t, StatusRetained, q.Drain(ctx).Outcomes[0].Status)
	assert.Equal(t, StatusDroppedErrors, q.Drain(ctx).Outcomes[0].Status)
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, sender.payloads())
}

func TestDrain_SingleFlight(t *testing.T) {
	f := newFixture(t)
	f.sender.block = make(chan struct{})
	rec := f.admit(t, "r1", "m1", "hello")
	require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))

	done := make(chan DrainResult)
	go func() { done <- f.q.Drain(context.Background()) }()
	testutil.Eventually(t, time.Second, func() bool { return f.q.Stats().Processing }, "first drain never started")

	assert.True(t, f.q.Drain(context.Background()).Skipped)
	close(f.sender.block)
	assert.Equal(t, 1, (<-done).Processed)
}

type stubClaimer struct {
	mu       sync.Mutex
	refuse   bool
	err      error
	released []string
}

func (c *stubClaimer) Claim(ctx context.Context, key string) (bool, error) {
	return !c.refuse, c.err
}

func (c *stubClaimer) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, key)
	return nil
}

func TestDrain_Claims(t *testing.T) {
	t.Run("refused claim drops", func(t *testing.T) {
		f := newFixture(t, WithClaimer(&stubClaimer{refuse: true}))
		rec := f.admit(t, "r1", "m1", "hello")
		require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))

		res := f.q.Drain(context.Background())
		assert.Equal(t, StatusDroppedClaimed, res.Outcomes[0].Status)
		assert.Empty(t, f.sender.payloads())
	})

	t.Run("claim error still delivers", func(t *testing.T) {
		f := newFixture(t, WithClaimer(&stubClaimer{err: errors.New("redis down")}))
		rec := f.admit(t, "r1", "m1", "hello")
		require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))

		res := f.q.Drain(context.Background())
		assert.Equal(t, StatusDelivered, res.Outcomes[0].Status)
	})

	t.Run("failure releases claim", func(t *testing.T) {
		claimer := &stubClaimer{}
		f := newFixture(t, WithClaimer(claimer))
		f.sender.results = []webhook.Result{{Attempts: 1, Err: errors.New("connection refused")}}
		rec := f.admit(t, "r1", "m1", "hello")
		require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))

		f.q.Drain(context.Background())
		assert.Equal(t, []string{rec.QueueItem(1).IdentityKey()}, claimer.released)
	})
}

func TestCapacity_EvictsLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t, WithCapacity(2))
	var recs []models.MessageRecord
	for i := 0; i < 3; i++ {
		rec := f.admit(t, fmt.Sprintf("r%d", i), fmt.Sprintf("m%d", i), fmt.Sprintf("body %d", i))
		require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))
		recs = append(recs, rec)
	}
	s := f.q.Stats()
	assert.Equal(t, 2, s.QueueSize)
	assert.InDelta(t, 1.0, s.Utilization, 0.001)
	assert.Eventually(t, func() bool { return f.q.Stats().Evicted == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, f.q.Contains(recs[0].QueueItem(1)), "the least recently queued item goes first")
}

func TestDrain_PrunesExpiredItems(t *testing.T) {
	f := newFixture(t, WithTTL(50*time.Millisecond))
	rec := f.admit(t, "r1", "m1", "stale")
	require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))

	require.Eventually(t, func() bool { return f.q.Len() == 0 }, time.Second, 10*time.Millisecond)
	res := f.q.Drain(context.Background())
	assert.Equal(t, 0, res.Processed)
	assert.Eventually(t, func() bool { return f.q.Stats().Evicted == 1 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, f.sender.payloads())
}

func TestStatsAndClear(t *testing.T) {
	f := newFixture(t)
	a := f.admit(t, "r1", "m1", "one")
	f.clock.Advance(time.Second)
	b := f.admit(t, "r2", "m2", "two")
	require.True(t, f.q.Enqueue(a.QueueItem(1), 1))
	f.clock.Advance(time.Second)
	require.True(t, f.q.Enqueue(b.QueueItem(0), 0))

	s := f.q.Stats()
	assert.Equal(t, 2, s.QueueSize)
	assert.Equal(t, map[int]int{0: 1, 1: 1}, s.ByPriority)
	require.NotNil(t, s.OldestQueuedAt)
	assert.True(t, s.OldestQueuedAt.Equal(queueBase.Add(time.Second)))

	f.q.Clear()
	assert.Equal(t, 0, f.q.Len())
}

func TestRun_DeliversThroughWebhook(t *testing.T) {
	recorder := testutil.NewWebhookRecorder(t)
	client := webhook.NewClient(webhook.Config{URL: recorder.URL(), MaxRetries: 1})
	st := store.NewInMemoryStore()
	dd := dedup.New()
	q := New(st, dd, client, WithTickInterval(10*time.Millisecond))

	rec := models.MessageRecord{ID: "r1", MessageID: "m1", From: "111", To: "222", Content: "hi", Type: models.MessageTypeText, Timestamp: 1704110400000, CreatedAt: time.Now()}
	require.NoError(t, st.SaveMessage(rec))
	dd.MarkAsProcessing(rec.Identifier())
	require.True(t, q.Enqueue(rec.QueueItem(1), 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	testutil.Eventually(t, 2*time.Second, func() bool { return recorder.Count() == 1 }, "webhook never received the message")
	cancel()
	<-done

	req := recorder.Requests()[0]
	assert.Equal(t, "m1", req.Payload.MessageID)
	assert.Equal(t, "1704110400", req.Payload.Timestamp)
	assert.NotEmpty(t, req.Header.Get("X-Correlation-Id"))
	testutil.Eventually(t, time.Second, func() bool {
		stored, _ := st.GetMessageByID("r1")
		return stored != nil && stored.WebhookSent
	}, "delivery was not recorded")
}

func TestRun_DrainsOnShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	f := newFixture(t, WithTickInterval(time.Hour), WithBatchSize(2))
	for i := 0; i < 5; i++ {
		rec := f.admit(t, fmt.Sprintf("r%d", i), fmt.Sprintf("m%d", i), fmt.Sprintf("body %d", i))
		require.True(t, f.q.Enqueue(rec.QueueItem(1), 1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.q.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 0, f.q.Len())
	assert.Len(t, f.sender.payloads(), 5)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, New(store.NewInMemoryStore(), nil, nil).Validate(), ErrNoSender)
	assert.NoError(t, New(store.NewInMemoryStore(), nil, &scriptedSender{}).Validate())
}

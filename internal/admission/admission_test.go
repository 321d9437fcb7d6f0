package admission

import (
	"testing"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/BTreeMap/WhatsHook/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestFilter(t *testing.T, opts ...Option) (*Filter, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(base)
	return NewFilter(append([]Option{WithClock(clock.Now)}, opts...)...), clock
}

func TestDecide(t *testing.T) {
	f, _ := newTestFilter(t)
	live := testutil.TextMessage("m1", "111", "hi", base)

	tests := []struct {
		name  string
		state models.ConnectionState
		class models.DeliveryClass
		mut   func(m *models.TransportMessage)
		want  Reason
	}{
		{"admitted", models.ConnectionStateOpen, models.DeliveryClassNotify, nil, Admitted},
		{"history batch", models.ConnectionStateOpen, models.DeliveryClassHistory, nil, RejectedDeliveryClass},
		{"append batch", models.ConnectionStateOpen, models.DeliveryClassAppend, nil, RejectedDeliveryClass},
		{"group", models.ConnectionStateOpen, models.DeliveryClassNotify, func(m *models.TransportMessage) {
			m.AddressingTarget = "120363012345@g.us"
		}, RejectedGroup},
		{"status broadcast", models.ConnectionStateOpen, models.DeliveryClassNotify, func(m *models.TransportMessage) {
			m.AddressingTarget = models.StatusBroadcastID
		}, RejectedBroadcast},
		{"no payload", models.ConnectionStateOpen, models.DeliveryClassNotify, func(m *models.TransportMessage) {
			m.Payload = models.UnknownPayload{Raw: []byte(`{"protocolMessage":{"type":"REVOKE"}}`)}
		}, RejectedNoPayload},
		{"no timestamp", models.ConnectionStateOpen, models.DeliveryClassNotify, func(m *models.TransportMessage) {
			m.TimestampSeconds = 0
		}, RejectedNoTimestamp},
		{"connecting account", models.ConnectionStateConnecting, models.DeliveryClassNotify, nil, RejectedConnecting},
		{"future timestamp", models.ConnectionStateOpen, models.DeliveryClassNotify, func(m *models.TransportMessage) {
			m.TimestampSeconds = base.Add(10 * time.Second).Unix()
		}, Admitted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := live
			if tt.mut != nil {
				tt.mut(&m)
			}
			evt := models.TransportEvent{DeliveryClass: tt.class, Messages: []models.TransportMessage{m}}
			assert.Equal(t, tt.want, f.Decide(tt.state, evt, m))
		})
	}
}

func TestAgeBoundaryIsExclusive(t *testing.T) {
	f, clock := newTestFilter(t)
	m := testutil.TextMessage("m1", "111", "hi", base)
	evt := testutil.NotifyEvent(m)

	clock.Advance(DefaultStrictMaxAge - time.Millisecond)
	assert.True(t, f.Admit(models.ConnectionStateOpen, evt, m), "one millisecond younger than max age")

	clock.Advance(time.Millisecond)
	assert.Equal(t, RejectedTooOld, f.Decide(models.ConnectionStateOpen, evt, m), "exactly at max age")
}

func TestLooseModeDefaults(t *testing.T) {
	f, clock := newTestFilter(t, WithStrictMode(false))
	assert.Equal(t, DefaultLooseMaxAge, f.Options().MaxAge)

	m := testutil.TextMessage("m1", "111", "hi", base)
	clock.Advance(4 * time.Minute)
	assert.True(t, f.Admit(models.ConnectionStateOpen, testutil.NotifyEvent(m), m))
}

func TestStrictBatchToleranceAppliesWhenDisabled(t *testing.T) {
	f, clock := newTestFilter(t, WithEnabled(false))
	clock.Advance(3 * time.Minute)

	fresh := testutil.TextMessage("fresh", "111", "new", clock.Now())
	stale := testutil.TextMessage("stale", "111", "old", base)

	res := f.FilterBatch(models.ConnectionStateOpen, testutil.NotifyEvent(fresh, stale))
	assert.Empty(t, res.Admitted)
	assert.Equal(t, 2, res.Rejected[RejectedStaleBatch])

	// without the stale member, a disabled filter skips the age check entirely
	oneMinuteOld := testutil.TextMessage("m", "111", "x", clock.Now().Add(-time.Minute))
	res = f.FilterBatch(models.ConnectionStateOpen, testutil.NotifyEvent(oneMinuteOld))
	assert.Len(t, res.Admitted, 1)
}

func TestFilterBatch_HistoryRejectsAll(t *testing.T) {
	f, _ := newTestFilter(t)
	m := testutil.TextMessage("m1", "111", "hi", base)

	res := f.FilterBatch(models.ConnectionStateOpen, models.TransportEvent{
		DeliveryClass: models.DeliveryClassHistory,
		Messages:      []models.TransportMessage{m},
	})
	assert.Empty(t, res.Admitted)
	assert.Equal(t, 1, res.RejectedCount())
}

func TestFilterBatch_Mixed(t *testing.T) {
	f, _ := newTestFilter(t)
	ok := testutil.TextMessage("m1", "111", "hi", base)
	group := testutil.TextMessage("m2", "111", "hi", base)
	group.AddressingTarget = "120363@g.us"
	empty := testutil.TextMessage("m3", "111", "", base)

	res := f.FilterBatch(models.ConnectionStateOpen, testutil.NotifyEvent(ok, group, empty))
	require.Len(t, res.Admitted, 1)
	assert.Equal(t, "m1", res.Admitted[0].ID)
	assert.Equal(t, 1, res.Rejected[RejectedGroup])
	assert.Equal(t, 1, res.Rejected[RejectedNoPayload])
}

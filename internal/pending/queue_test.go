package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PushPop_ReturnsReadyRecords(t *testing.T) {
	q := NewQueue()
	q.Push(Record{DocID: "a"})
	q.Push(Record{DocID: "b"})

	out := q.Pop(10)
	require.Len(t, out, 2)
	assert.Zero(t, q.Len())
}

func TestQueue_Pop_SkipsFutureRecords(t *testing.T) {
	q := NewQueue()
	q.Push(Record{DocID: "now"})
	q.Push(Record{DocID: "later", NextAttemptAt: time.Now().Add(time.Hour)})

	out := q.Pop(10)
	require.Len(t, out, 1)
	assert.Equal(t, "now", out[0].DocID)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_Pop_RespectsBatchSize(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push(Record{DocID: string(rune('a' + i))})
	}

	out := q.Pop(2)
	assert.Len(t, out, 2)
	assert.Equal(t, 3, q.Len())
}

func TestQueue_Reschedule_DelaysByBackoff(t *testing.T) {
	q := NewQueue()
	rec := Record{DocID: "a"}

	before := time.Now()
	q.Reschedule(rec, time.Second, 10*time.Second)
	assert.Equal(t, 1, q.Len())

	out := q.Pop(10)
	require.Len(t, out, 0)

	// not ready yet, must still be queued
	assert.Equal(t, 1, q.Len())
	_ = before
}

func TestQueue_Reschedule_IncrementsAttemptsExactlyOnce(t *testing.T) {
	q := NewQueue()
	q.Reschedule(Record{DocID: "a", Attempts: 2}, time.Second, time.Minute)

	out := q.Pop(10)
	require.Len(t, out, 0, "not ready yet")

	q.mu.Lock()
	rec := q.records["a"]
	q.mu.Unlock()
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Attempts)
}

func TestQueue_RescheduleWithExtraBackoff_AdvancesAttemptsByOneOnly(t *testing.T) {
	q := NewQueue()
	q.RescheduleWithExtraBackoff(Record{DocID: "a", Attempts: 2}, time.Second, time.Minute, 1)

	q.mu.Lock()
	rec := q.records["a"]
	q.mu.Unlock()
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Attempts, "attempts must advance by exactly one regardless of extraSteps")
	// backoffDelay(attempts=3) is one extra doubling beyond backoffDelay(attempts=2).
	assert.True(t, rec.NextAttemptAt.Sub(time.Now()) > backoffDelay(time.Second, time.Minute, 2))
}

func TestQueue_Reschedule_CapsAtMaxBackoff(t *testing.T) {
	q := NewQueue()
	rec := Record{DocID: "a", Attempts: 10}
	q.Reschedule(rec, time.Second, 5*time.Second)

	out := q.Pop(10)
	require.Len(t, out, 0)
}

func TestQueue_Clear_RemovesWithoutReschedule(t *testing.T) {
	q := NewQueue()
	q.Push(Record{DocID: "a"})
	q.Clear("a")
	assert.Zero(t, q.Len())
}

func TestBackoffDelay_DoublesPerAttempt(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffDelay(time.Second, time.Minute, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(time.Second, time.Minute, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(time.Second, time.Minute, 3))
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	assert.Equal(t, 10*time.Second, backoffDelay(time.Second, 10*time.Second, 20))
}

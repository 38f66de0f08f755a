package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohmanhakim/focusedsearch/internal/embedclient"
)

type fakeIndexer struct {
	err func(rec Record) error
	ok  []string
}

func (f *fakeIndexer) IndexFromPending(ctx context.Context, rec Record) error {
	if f.err != nil {
		if err := f.err(rec); err != nil {
			return err
		}
	}
	f.ok = append(f.ok, rec.DocID)
	return nil
}

func TestWorker_DrainOnce_SuccessClearsRecord(t *testing.T) {
	q := NewQueue()
	q.Push(Record{DocID: "a"})
	idx := &fakeIndexer{}
	w := NewWorker(q, idx, DefaultWorkerConfig(), nil)

	w.drainOnce(context.Background())

	assert.Equal(t, []string{"a"}, idx.ok)
	assert.Zero(t, q.Len())
}

func TestWorker_DrainOnce_EmbedderUnavailableReschedules(t *testing.T) {
	q := NewQueue()
	q.Push(Record{DocID: "a"})
	idx := &fakeIndexer{err: func(rec Record) error {
		return &embedclient.EmbedderUnavailable{Model: "m", Detail: "warming"}
	}}
	w := NewWorker(q, idx, WorkerConfig{Interval: time.Millisecond, BatchSize: 5, MaxBackoff: time.Second}, nil)

	w.drainOnce(context.Background())

	require.Equal(t, 1, q.Len())
	out := q.Pop(10)
	require.Empty(t, out, "rescheduled record should not be ready immediately")
}

func TestWorker_DrainOnce_OtherErrorReschedulesWithExtraAttempt(t *testing.T) {
	q := NewQueue()
	q.Push(Record{DocID: "a"})
	idx := &fakeIndexer{err: func(rec Record) error {
		return errors.New("boom")
	}}
	w := NewWorker(q, idx, WorkerConfig{Interval: time.Millisecond, BatchSize: 5, MaxBackoff: time.Second}, nil)

	w.drainOnce(context.Background())

	require.Equal(t, 1, q.Len())

	q.mu.Lock()
	rec := q.records["a"]
	q.mu.Unlock()
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Attempts, "one failure must advance the stored attempts count by exactly one")
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	q := NewQueue()
	idx := &fakeIndexer{}
	w := NewWorker(q, idx, WorkerConfig{Interval: time.Millisecond, BatchSize: 5, MaxBackoff: time.Second}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}

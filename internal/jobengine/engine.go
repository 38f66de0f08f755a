package jobengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCooldown and DefaultHistoryLimit are spec.md §4.11's defaults:
// 900s minimum spacing between successful runs of the same normalized
// query, and the last 20 completed jobs retained per worker.
const (
	DefaultCooldown      = 900 * time.Second
	DefaultHistoryLimit  = 20
	DefaultSubscriberCap = 32
)

// Request is one enqueue() call, per spec.md §4.11.
type Request struct {
	Query       string
	UseLLM      bool
	Model       string
	ManualSeeds []string
}

// ProgressFunc is handed to the pipeline so it can report stage
// transitions; stats is the job's cumulative stats as of this stage, not
// a delta, per spec.md §4.10's "stats aggregated into the job record
// monotone non-decreasingly."
type ProgressFunc func(stage, message string, stats Stats)

// Pipeline runs one focused-crawl job to completion. A non-nil error
// marks the job StateError with err.Error() recorded.
type Pipeline func(ctx context.Context, job Job, progress ProgressFunc) (result any, err error)

// Options configures an Engine.
type Options struct {
	Cooldown      time.Duration
	HistoryLimit  int
	SubscriberCap int
}

func (o Options) withDefaults() Options {
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.SubscriberCap <= 0 {
		o.SubscriberCap = DefaultSubscriberCap
	}
	return o
}

// Engine is the refresh worker (C13): single in-process job queue,
// single worker goroutine, per-query cooldown and single-flight dedupe.
type Engine struct {
	mu   sync.Mutex
	opts Options

	pipeline Pipeline

	jobs        map[string]*Job
	activeByKey map[string]string // normalized query -> active job id
	lastDone    map[string]time.Time
	history     []string // completed job ids, oldest first

	queue chan string

	subs map[string][]chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Event is one stage-progress notification delivered to SSE subscribers.
type Event struct {
	JobID    string
	State    State
	Stage    string
	Message  string
	Progress int
	Stats    Stats
}

// New builds an Engine that runs pipeline and starts its single worker
// goroutine bound to ctx; cancel ctx (or call Stop) to shut the worker
// down.
func New(ctx context.Context, pipeline Pipeline, opts Options) *Engine {
	opts = opts.withDefaults()
	engCtx, cancel := context.WithCancel(ctx)
	e := &Engine{
		opts:        opts,
		pipeline:    pipeline,
		jobs:        make(map[string]*Job),
		activeByKey: make(map[string]string),
		lastDone:    make(map[string]time.Time),
		queue:       make(chan string, 256),
		subs:        make(map[string][]chan Event),
		ctx:         engCtx,
		cancel:      cancel,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Stop cancels the worker goroutine and waits for the in-flight job (if
// any) to observe ctx cancellation.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Enqueue implements spec.md §4.11: normalize the query, return an
// existing active job for that key if one exists, honor the cooldown
// against the last successful run, otherwise create and queue a new job.
func (e *Engine) Enqueue(req Request) (Job, bool, bool) {
	key := NormalizeQuery(req.Query)

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.activeByKey[key]; ok {
		if job, ok := e.jobs[id]; ok && job.Active() {
			return job.Snapshot(), false, true
		}
	}

	if last, ok := e.lastDone[key]; ok {
		if time.Since(last) < e.opts.Cooldown {
			if id, ok := e.lastTerminalID(key); ok {
				if job, ok := e.jobs[id]; ok {
					return job.Snapshot(), false, true
				}
			}
		}
	}

	now := time.Now()
	job := &Job{
		ID:              uuid.NewString(),
		NormalizedQuery: key,
		DisplayQuery:    req.Query,
		State:           StateQueued,
		Stage:           "queued",
		Progress:        0,
		UseLLM:          req.UseLLM,
		Model:           req.Model,
		ManualSeeds:     req.ManualSeeds,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.jobs[job.ID] = job
	e.activeByKey[key] = job.ID

	select {
	case e.queue <- job.ID:
	default:
		// Queue buffer exhausted (>256 distinct queued queries): hand the
		// id to a goroutine that blocks until the worker drains below
		// capacity, so the job is still picked up, or until the engine
		// stops.
		go func(id string) {
			select {
			case e.queue <- id:
			case <-e.ctx.Done():
			}
		}(job.ID)
	}

	return job.Snapshot(), true, false
}

// FindByQuery returns the active job for the normalized form of query if
// one exists, else the most recently terminal job for that query, per
// spec.md §6's `GET /refresh/status?query=...`.
func (e *Engine) FindByQuery(query string) (Job, bool) {
	key := NormalizeQuery(query)

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.activeByKey[key]; ok {
		if job, ok := e.jobs[id]; ok {
			return job.Snapshot(), true
		}
	}
	if id, ok := e.lastTerminalID(key); ok {
		if job, ok := e.jobs[id]; ok {
			return job.Snapshot(), true
		}
	}
	return Job{}, false
}

// lastTerminalID finds the most recently touched job id for key, used to
// surface the prior run's id on a cooldown hit. Caller must hold e.mu.
func (e *Engine) lastTerminalID(key string) (string, bool) {
	var bestID string
	var bestTime time.Time
	for id, job := range e.jobs {
		if job.NormalizedQuery != key {
			continue
		}
		if job.State != StateDone && job.State != StateError {
			continue
		}
		if job.CompletedAt.After(bestTime) {
			bestTime = job.CompletedAt
			bestID = id
		}
	}
	return bestID, bestID != ""
}

// Get returns a snapshot of the job with id.
func (e *Engine) Get(id string) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.Snapshot(), true
}

// ActiveJobs returns snapshots of every currently queued-or-running job.
func (e *Engine) ActiveJobs() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Job, 0, len(e.activeByKey))
	for _, id := range e.activeByKey {
		if job, ok := e.jobs[id]; ok {
			out = append(out, job.Snapshot())
		}
	}
	return out
}

// History returns snapshots of the last N completed jobs, oldest first.
func (e *Engine) History() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Job, 0, len(e.history))
	for _, id := range e.history {
		if job, ok := e.jobs[id]; ok {
			out = append(out, job.Snapshot())
		}
	}
	return out
}

// Subscribe registers a bounded channel that receives Events for jobID
// until unsubscribe is called. Per spec.md §9's design note, a full
// subscriber channel drops its oldest queued event rather than blocking
// the publisher.
func (e *Engine) Subscribe(jobID string) (ch <-chan Event, unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := make(chan Event, e.opts.SubscriberCap)
	e.subs[jobID] = append(e.subs[jobID], c)
	return c, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.subs[jobID]
		for i, existing := range subs {
			if existing == c {
				e.subs[jobID] = append(subs[:i], subs[i+1:]...)
				close(c)
				break
			}
		}
	}
}

func (e *Engine) publish(evt Event) {
	e.mu.Lock()
	subs := append([]chan Event(nil), e.subs[evt.JobID]...)
	e.mu.Unlock()

	for _, c := range subs {
		select {
		case c <- evt:
		default:
			// Drop the oldest queued event and retry once, per spec.md
			// §9's bounded-subscriber-queue design note.
			select {
			case <-c:
			default:
			}
			select {
			case c <- evt:
			default:
			}
		}
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-e.queue:
			e.runJob(id)
		}
	}
}

func (e *Engine) runJob(id string) {
	e.mu.Lock()
	job, ok := e.jobs[id]
	if !ok || !job.Active() {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	job.State = StateRunning
	job.StartedAt = now
	job.UpdatedAt = now
	job.Stage = "starting"
	job.Progress = progressForStage("starting", job.Progress)
	snapshot := job.Snapshot()
	e.mu.Unlock()

	e.publish(Event{JobID: id, State: snapshot.State, Stage: snapshot.Stage, Progress: snapshot.Progress})

	progress := func(stage, message string, stats Stats) {
		e.mu.Lock()
		job, ok := e.jobs[id]
		if !ok || !job.Active() {
			e.mu.Unlock()
			return
		}
		job.Stage = stage
		job.Message = message
		job.Stats = stats
		job.Progress = progressForStage(stage, job.Progress)
		job.UpdatedAt = time.Now()
		evt := Event{JobID: id, State: job.State, Stage: job.Stage, Message: job.Message, Progress: job.Progress, Stats: job.Stats}
		e.mu.Unlock()
		e.publish(evt)
	}

	result, err := e.pipeline(e.ctx, snapshot, progress)

	e.mu.Lock()
	job, ok = e.jobs[id]
	ok = ok && job.State == StateRunning
	if ok {
		job.CompletedAt = time.Now()
		job.UpdatedAt = job.CompletedAt
		if err != nil {
			job.State = StateError
			job.Error = err.Error()
		} else {
			job.State = StateDone
			job.Stage = "complete"
			job.Progress = 100
			job.Result = result
			e.lastDone[job.NormalizedQuery] = job.CompletedAt
		}
		delete(e.activeByKey, job.NormalizedQuery)
		e.history = append(e.history, job.ID)
		if len(e.history) > e.opts.HistoryLimit {
			drop := e.history[0]
			e.history = e.history[1:]
			if len(e.subs[drop]) == 0 {
				delete(e.jobs, drop)
			}
		}
	}
	var finalEvt Event
	if ok {
		finalEvt = Event{JobID: id, State: job.State, Stage: job.Stage, Message: job.Message, Progress: job.Progress, Stats: job.Stats}
	}
	e.mu.Unlock()

	if ok {
		e.publish(finalEvt)
	}
}

// Cancel marks a queued-or-running job as errored, for callers that need
// to abandon a stuck job. A cancelled queued job is skipped by the worker;
// a cancelled running job's pipeline is not interrupted, but its later
// progress reports and its outcome are no longer recorded on the job.
func (e *Engine) Cancel(id, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[id]
	if !ok {
		return fmt.Errorf("jobengine: unknown job %q", id)
	}
	if !job.Active() {
		return nil
	}
	job.State = StateError
	job.Error = reason
	job.CompletedAt = time.Now()
	job.UpdatedAt = job.CompletedAt
	delete(e.activeByKey, job.NormalizedQuery)
	return nil
}

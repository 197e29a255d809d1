package runtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/fieldsync/internal/runtime/fault"
	"github.com/l0p7/fieldsync/internal/runtime/records"
	"github.com/l0p7/fieldsync/internal/runtime/remote"
)

// Phase is where a key sits in its fetch cycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseFetching Phase = "fetching"
	PhaseRetrying Phase = "retrying"
)

// Outcome is how the last cycle of a key ended.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"
	OutcomeDiscarded   Outcome = "discarded"
	OutcomeStoreFailed Outcome = "storage_failed"
)

// keyState is the per-key arena slot. mu guards the cycle handle and the
// diagnostics; commitMu orders commits against invalidation.
type keyState struct {
	mu          sync.Mutex
	cycle       *cycle
	phase       Phase
	attempt     int
	lastOutcome Outcome
	lastError   string
	lastCycleAt time.Time

	commitMu   sync.Mutex
	generation uint64
}

// cycle is one in-flight fetch cycle. result and err are written once before
// done is closed.
type cycle struct {
	id     string
	done   chan struct{}
	result Result
	err    error
}

func (e *Engine) state(key string) *keyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ks, ok := e.keys[key]
	if !ok {
		ks = &keyState{phase: PhaseIdle}
		e.keys[key] = ks
	}
	return ks
}

// startOrJoin returns the in-flight cycle for key, starting one when the key
// is idle.
func (e *Engine) startOrJoin(key string) (*cycle, bool, error) {
	ks := e.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.cycle != nil {
		return ks.cycle, false, nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, false, ErrClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	c := &cycle{id: uuid.NewString(), done: make(chan struct{})}
	ks.cycle = c
	ks.phase = PhaseFetching
	ks.attempt = 0
	go e.run(key, ks, c)
	return c, true, nil
}

// run drives one cycle to completion on the engine's lifetime context, so a
// waiter leaving never stops it.
func (e *Engine) run(key string, ks *keyState, c *cycle) {
	defer e.wg.Done()
	ctx := e.lifetime
	policy := e.Policy()
	started := e.now()
	logger := e.logger.With(slog.String("key", key), slog.String("cycle_id", c.id))

	// Store writes outlive cancellation so a closing engine still records the outcome.
	storeCtx := context.WithoutCancel(ctx)

	ks.commitMu.Lock()
	generation := ks.generation
	ks.commitMu.Unlock()

	prev, hadPrev := e.read(storeCtx, key)
	since := ""
	if hadPrev {
		since = prev.Version
	}
	if err := e.guarded(ks, generation, func() error { return e.store.MarkPending(storeCtx, key, started) }); err != nil {
		logger.Warn("mark pending failed", slog.Any("error", err))
	}
	logger.Debug("fetch cycle started", slog.String("since", since))

	delays := newBackoff(policy, e.jitter)
	var (
		outcome Outcome
		cause   error
	)
	for attempt := 1; ; attempt++ {
		e.setPhase(ks, PhaseFetching, attempt)
		attemptStart := time.Now()
		fetched, ferr := e.fetchAll(ctx, key, since, policy, logger)
		if ferr != nil {
			e.metrics.ObserveFetchAttempt(string(fault.KindOf(ferr)), time.Since(attemptStart))
		} else {
			e.metrics.ObserveFetchAttempt("success", time.Since(attemptStart))
		}

		if ferr == nil {
			outcome, cause = e.commit(storeCtx, key, ks, generation, fetched)
			break
		}
		cause = ferr
		if !fault.IsRetryable(ferr) || attempt >= policy.MaxAttempts || ctx.Err() != nil {
			outcome = OutcomeFailed
			break
		}
		delay := delays.next(attempt)
		logger.Info("fetch attempt failed; retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", ferr),
		)
		e.setPhase(ks, PhaseRetrying, attempt)
		if err := e.sleep(ctx, delay); err != nil {
			outcome = OutcomeFailed
			break
		}
	}

	if outcome == OutcomeFailed {
		if err := e.guarded(ks, generation, func() error { return e.store.MarkFailed(storeCtx, key, e.now()) }); err != nil {
			logger.Error("mark failed failed", slog.Any("error", err))
		}
	}
	c.result, c.err = e.settle(storeCtx, key, policy, outcome, cause)
	e.metrics.ObserveCycle(string(outcome), e.now().Sub(started))

	attrs := []any{slog.String("outcome", string(outcome)), slog.Int("attempts", e.attemptOf(ks))}
	if cause != nil {
		attrs = append(attrs, slog.Any("error", cause))
	}
	if outcome == OutcomeSucceeded || outcome == OutcomeDiscarded {
		logger.Info("fetch cycle finished", attrs...)
	} else {
		logger.Warn("fetch cycle finished", attrs...)
	}

	ks.mu.Lock()
	ks.cycle = nil
	ks.phase = PhaseIdle
	ks.lastOutcome = outcome
	ks.lastCycleAt = e.now()
	ks.lastError = ""
	if cause != nil {
		ks.lastError = cause.Error()
	}
	ks.mu.Unlock()
	close(c.done)
}

type fetchedPages struct {
	records []records.Record
	version string
	maxAge  time.Duration
}

// fetchAll runs one attempt: every page under a single attempt deadline. Any
// page failure discards the pages already read.
func (e *Engine) fetchAll(ctx context.Context, key, since string, policy Policy, logger *slog.Logger) (fetchedPages, error) {
	actx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
	defer cancel()

	var (
		out     fetchedPages
		cursor  string
		visited = map[string]struct{}{}
	)
	for page := 0; ; page++ {
		if page >= policy.MaxPages {
			// Keep the records but not the watermark so the next cycle asks again.
			logger.Warn("page limit reached; version watermark not advanced", slog.Int("max_pages", policy.MaxPages))
			out.version = ""
			return out, nil
		}
		p, err := e.fetcher.Fetch(actx, remote.PageRequest{Key: key, SinceVersion: since, Cursor: cursor})
		if err != nil {
			if actx.Err() != nil && ctx.Err() == nil {
				return fetchedPages{}, fault.Wrap(fault.Timeout, key, "attempt timed out", err)
			}
			return fetchedPages{}, fault.Classify(key, err)
		}
		out.records = append(out.records, p.Records...)
		if p.NewVersion != "" {
			out.version = p.NewVersion
		}
		if page == 0 {
			out.maxAge = p.MaxAge
		}
		if p.Next == "" {
			return out, nil
		}
		if _, seen := visited[p.Next]; seen {
			logger.Warn("pagination loop detected", slog.String("next", p.Next))
			return out, nil
		}
		visited[p.Next] = struct{}{}
		cursor = p.Next
	}
}

// commit stores a successful attempt unless the key was invalidated while the
// cycle ran.
func (e *Engine) commit(ctx context.Context, key string, ks *keyState, generation uint64, fetched fetchedPages) (Outcome, error) {
	ks.commitMu.Lock()
	defer ks.commitMu.Unlock()
	if ks.generation != generation {
		return OutcomeDiscarded, nil
	}
	if _, _, err := e.store.Put(ctx, key, fetched.records, fetched.version, e.now(), fetched.maxAge); err != nil {
		return OutcomeStoreFailed, fault.Classify(key, err)
	}
	return OutcomeSucceeded, nil
}

// settle builds what waiters receive once the cycle is over.
func (e *Engine) settle(ctx context.Context, key string, policy Policy, outcome Outcome, cause error) (Result, error) {
	entry, found := e.read(ctx, key)
	res := e.resultFor(entry, found, policy)
	res.FromCache = false

	switch outcome {
	case OutcomeSucceeded, OutcomeDiscarded:
		return res, nil
	case OutcomeStoreFailed:
		res.Err = cause
		return res, cause
	}

	hasData := found && entry.HasSuccess()
	if hasData {
		res.Stale = true
		res.Freshness = records.FreshnessStale
	}
	res.Err = cause
	if !fault.IsRetryable(cause) {
		return res, cause
	}
	if hasData {
		return res, nil
	}
	failed := fault.Wrap(fault.Failed, key, "fetch cycle exhausted", cause)
	res.Err = failed
	return res, failed
}

// guarded runs a state write unless the key was invalidated since the cycle
// started.
func (e *Engine) guarded(ks *keyState, generation uint64, write func() error) error {
	ks.commitMu.Lock()
	defer ks.commitMu.Unlock()
	if ks.generation != generation {
		return nil
	}
	return write()
}

func (e *Engine) setPhase(ks *keyState, phase Phase, attempt int) {
	ks.mu.Lock()
	ks.phase = phase
	ks.attempt = attempt
	ks.mu.Unlock()
}

func (e *Engine) attemptOf(ks *keyState) int {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.attempt
}

// KeyStatus is a diagnostic view of one key.
type KeyStatus struct {
	Key         string    `json:"key"`
	Phase       Phase     `json:"phase"`
	Attempt     int       `json:"attempt,omitempty"`
	CycleID     string    `json:"cycleId,omitempty"`
	LastOutcome Outcome   `json:"lastOutcome,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	LastCycleAt time.Time `json:"lastCycleAt,omitempty"`
}

// Snapshot lists every key the engine has touched, ordered by key.
func (e *Engine) Snapshot() []KeyStatus {
	e.mu.Lock()
	states := make(map[string]*keyState, len(e.keys))
	for key, ks := range e.keys {
		states[key] = ks
	}
	e.mu.Unlock()

	out := make([]KeyStatus, 0, len(states))
	for key, ks := range states {
		ks.mu.Lock()
		status := KeyStatus{
			Key:         key,
			Phase:       ks.phase,
			Attempt:     ks.attempt,
			LastOutcome: ks.lastOutcome,
			LastError:   ks.lastError,
			LastCycleAt: ks.lastCycleAt,
		}
		if ks.cycle != nil {
			status.CycleID = ks.cycle.id
		}
		ks.mu.Unlock()
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Package actions tracks asynchronous provider operations from the moment they
// are issued until the provider reports them finished or failed.
//
// Every action is bound to a resource-group key. While an action is pending its
// key is locked; exclusive actions refuse to queue on a locked key.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// DefaultMaxCheckFailures is how many consecutive completion checks may error
// before the action is resolved as failed
const DefaultMaxCheckFailures = 5

var (
	// ErrLocked is returned when an exclusive action targets a locked resource group
	ErrLocked = errors.New("resource group locked by a pending action")

	// ErrDuplicateHandle is returned when the provider reuses a pending handle
	ErrDuplicateHandle = errors.New("action handle already pending")
)

// Action is a named unit of provider work
type Action struct {
	Name string

	// Exclusive actions fail with ErrLocked when their key is already locked
	Exclusive bool

	// Issue starts the operation and returns the provider handle.
	// An empty handle means the operation already completed.
	Issue func(ctx context.Context) (string, error)

	OnFinish func()
	OnError  func(err error)
}

// FailedError describes an action the provider reported as failed
type FailedError struct {
	Name   string
	Handle string
	Detail string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("action %q (%s) failed: %s", e.Name, e.Handle, e.Detail)
}

type pendingAction struct {
	key           string
	handle        string
	action        Action
	queuedAt      time.Time
	checkFailures int
	resolving     bool
}

// Queue holds pending actions and per-key lock state
type Queue struct {
	checker          Checker
	maxCheckFailures int
	logger           *slog.Logger

	mu      sync.Mutex
	locks   map[string]int             // key -> outstanding actions
	pending map[string]*pendingAction // handle -> action
}

// Option configures a Queue
type Option func(*Queue)

// WithMaxCheckFailures overrides DefaultMaxCheckFailures
func WithMaxCheckFailures(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxCheckFailures = n
		}
	}
}

// WithLogger sets the queue logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New creates a queue that asks checker for completion of pending actions
func New(checker Checker, opts ...Option) *Queue {
	q := &Queue{
		checker:          checker,
		maxCheckFailures: DefaultMaxCheckFailures,
		logger:           slog.Default(),
		locks:            make(map[string]int),
		pending:          make(map[string]*pendingAction),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue issues the action and tracks it until completion.
// The key is locked before Issue runs so two exclusive actions can never race past the check.
func (q *Queue) Enqueue(ctx context.Context, key string, a Action) error {
	if a.Issue == nil {
		return fmt.Errorf("queue action %q: issue func is nil", a.Name)
	}

	q.mu.Lock()
	if a.Exclusive && q.locks[key] > 0 {
		q.mu.Unlock()
		q.logger.Warn("action_queue_locked", "key", key, "action", a.Name)
		return fmt.Errorf("%w: %s", ErrLocked, key)
	}
	q.locks[key]++
	q.mu.Unlock()

	handle, err := a.Issue(ctx)
	if err != nil {
		q.release(key)
		q.logger.Error("action_issue_failed", "key", key, "action", a.Name, "error", err)
		return fmt.Errorf("issue action %q: %w", a.Name, err)
	}

	if handle == "" {
		q.logger.Info("action_completed_inline", "key", key, "action", a.Name)
		if a.OnFinish != nil {
			a.OnFinish()
		}
		q.release(key)
		return nil
	}

	q.mu.Lock()
	if _, exists := q.pending[handle]; exists {
		q.mu.Unlock()
		q.release(key)
		return fmt.Errorf("%w: %s", ErrDuplicateHandle, handle)
	}
	q.pending[handle] = &pendingAction{
		key:      key,
		handle:   handle,
		action:   a,
		queuedAt: time.Now(),
	}
	q.mu.Unlock()

	q.logger.Info("action_queued", "key", key, "action", a.Name, "handle", handle)
	return nil
}

// IsLocked reports whether key has an outstanding action
func (q *Queue) IsLocked(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.locks[key] > 0
}

// Len returns the number of pending actions
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns the names of pending actions, sorted
func (q *Queue) Pending() []string {
	q.mu.Lock()
	names := lo.Map(lo.Values(q.pending), func(p *pendingAction, _ int) string {
		return p.action.Name
	})
	q.mu.Unlock()

	sort.Strings(names)
	return names
}

// Poll checks every pending action once and resolves those the provider reports done.
// It returns the number of actions resolved.
func (q *Queue) Poll(ctx context.Context) int {
	q.mu.Lock()
	batch := lo.Filter(lo.Values(q.pending), func(p *pendingAction, _ int) bool {
		return !p.resolving
	})
	q.mu.Unlock()

	resolved := 0
	for _, p := range batch {
		if ctx.Err() != nil {
			break
		}

		result, err := q.checker.CheckAction(ctx, p.handle)
		if err != nil {
			q.mu.Lock()
			p.checkFailures++
			failures := p.checkFailures
			q.mu.Unlock()

			q.logger.Warn("action_check_failed",
				"action", p.action.Name,
				"handle", p.handle,
				"failures", failures,
				"error", err)

			if failures >= q.maxCheckFailures {
				if q.resolve(p, fmt.Errorf("check action %q after %d attempts: %w", p.action.Name, failures, err)) {
					resolved++
				}
			}
			continue
		}

		q.mu.Lock()
		p.checkFailures = 0
		q.mu.Unlock()

		switch result.State {
		case StateFinished:
			if q.resolve(p, nil) {
				resolved++
			}
		case StateFailed:
			if q.resolve(p, &FailedError{Name: p.action.Name, Handle: p.handle, Detail: result.Detail}) {
				resolved++
			}
		}
	}

	return resolved
}

// Run polls on every tick until ctx is done
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Poll(ctx)
		}
	}
}

// Drain polls until no action is pending. Queued actions cannot be cancelled,
// so the only way out early is ctx ending.
func (q *Queue) Drain(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if q.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.Poll(ctx)
		}
	}
}

// resolve runs the matching callback, then removes the action and releases its key.
// Only the caller that claims the action runs the callback.
func (q *Queue) resolve(p *pendingAction, failure error) bool {
	q.mu.Lock()
	if p.resolving {
		q.mu.Unlock()
		return false
	}
	p.resolving = true
	q.mu.Unlock()

	if failure == nil {
		q.logger.Info("action_finished", "action", p.action.Name, "handle", p.handle, "duration", time.Since(p.queuedAt))
		if p.action.OnFinish != nil {
			p.action.OnFinish()
		}
	} else {
		q.logger.Error("action_failed", "action", p.action.Name, "handle", p.handle, "error", failure)
		if p.action.OnError != nil {
			p.action.OnError(failure)
		}
	}

	q.mu.Lock()
	delete(q.pending, p.handle)
	q.mu.Unlock()
	q.release(p.key)
	return true
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locks[key] <= 1 {
		delete(q.locks, key)
		return
	}
	q.locks[key]--
}

// Package worker runs turns one at a time per session, with a global cap on
// how many sessions may be generating at once.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"terraigo/internal/observability"
	"terraigo/internal/service/advisor"
)

var (
	// ErrBusy means the session already has a full queue of pending turns.
	ErrBusy = errors.New("session is busy, please retry")
	// ErrClosed means the session lane stopped before the turn ran.
	ErrClosed = errors.New("session closed")
)

const (
	defaultQueueSize   = 4
	defaultIdleTimeout = 5 * time.Minute
	defaultTurnTimeout = 2 * time.Minute
)

// TurnRunner executes one turn; *advisor.Advisor satisfies it.
type TurnRunner interface {
	Turn(ctx context.Context, sessionID string, in advisor.Input, onChunk func(string) error) (*advisor.TurnResult, error)
}

type Config struct {
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	TurnTimeout time.Duration
}

type TurnRequest struct {
	Context   context.Context
	SessionID string
	Input     advisor.Input
	ChunkFn   func(string) error
}

// Result is the outcome of one queued turn.
type Result struct {
	Turn *advisor.TurnResult
	Err  error
}

type turnTask struct {
	req      TurnRequest
	resultCh chan Result
	// abandoned is set once the submitter stops waiting.
	abandoned atomic.Bool
}

// Pending is a turn accepted onto a session lane.
type Pending struct {
	task *turnTask
}

// Result delivers exactly one value when the turn finishes.
func (p *Pending) Result() <-chan Result { return p.task.resultCh }

// Abandon drops any further chunks; the turn itself keeps running.
func (p *Pending) Abandon() { p.task.abandoned.Store(true) }

// Wait blocks until the turn finishes or ctx ends, whichever comes first.
func (p *Pending) Wait(ctx context.Context) (*advisor.TurnResult, error) {
	select {
	case ret := <-p.task.resultCh:
		return ret.Turn, ret.Err
	case <-ctx.Done():
		p.Abandon()
		return nil, ctx.Err()
	}
}

// Manager owns one lane per active session.
type Manager struct {
	runner TurnRunner
	sem    *semaphore.Weighted
	cfg    Config

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

func NewManager(runner TurnRunner, cfg Config) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	return &Manager{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		cfg:    cfg,
		lanes:  make(map[string]*lane),
	}
}

// Submit queues a turn on the session's lane and waits for it. If the
// caller's context ends first Submit returns, but the turn still runs to
// completion and further chunks are dropped.
func (m *Manager) Submit(req TurnRequest) (*advisor.TurnResult, error) {
	p, err := m.Enqueue(req)
	if err != nil {
		return nil, err
	}
	return p.Wait(req.Context)
}

// Enqueue places a turn on the session's lane without waiting. It fails
// fast with ErrBusy when the lane queue is full.
func (m *Manager) Enqueue(req TurnRequest) (*Pending, error) {
	if req.Context == nil {
		req.Context = context.Background()
	}
	task := &turnTask{req: req, resultCh: make(chan Result, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	l := m.ensureLaneLocked(req.SessionID)
	select {
	case l.taskCh <- task:
	default:
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.mu.Unlock()
	return &Pending{task: task}, nil
}

// Close stops the lane of a session that ended. Queued turns fail with
// ErrClosed; a running turn finishes.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	l, ok := m.lanes[sessionID]
	if ok {
		delete(m.lanes, sessionID)
	}
	m.mu.Unlock()
	if ok {
		l.stop()
	}
}

// Shutdown stops every lane and waits for running turns until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	lanes := m.lanes
	m.lanes = make(map[string]*lane)
	m.mu.Unlock()
	for _, l := range lanes {
		l.stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports how many sessions currently hold a lane.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes)
}

func (m *Manager) ensureLaneLocked(sessionID string) *lane {
	if l, ok := m.lanes[sessionID]; ok {
		return l
	}
	l := newLane(sessionID, m.cfg.QueueSize)
	m.lanes[sessionID] = l
	m.wg.Add(1)
	go m.runLane(l)
	return l
}

// retireIfIdle removes l when nothing is queued. Holding m.mu keeps Submit
// from slipping a task in after the check.
func (m *Manager) retireIfIdle(l *lane) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(l.taskCh) > 0 {
		return false
	}
	if cur, ok := m.lanes[l.sessionID]; ok && cur == l {
		delete(m.lanes, l.sessionID)
	}
	return true
}

func (m *Manager) runLane(l *lane) {
	defer m.wg.Done()
	log := observability.Logger().With(zap.String("session_id", l.sessionID))
	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		// a stop wins over queued work
		select {
		case <-l.stopCh:
			l.drain(ErrClosed)
			log.Debug("session lane stopped")
			return
		default:
		}
		select {
		case <-l.stopCh:
			l.drain(ErrClosed)
			log.Debug("session lane stopped")
			return
		case <-idle.C:
			if m.retireIfIdle(l) {
				log.Debug("session lane idle, exiting")
				return
			}
			idle.Reset(m.cfg.IdleTimeout)
		case task := <-l.taskCh:
			m.handleTurn(task)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.cfg.IdleTimeout)
		}
	}
}

func (m *Manager) handleTurn(task *turnTask) {
	req := task.req
	// turns are not cancelled by the submitter going away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context), m.cfg.TurnTimeout)
	defer cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		task.resultCh <- Result{Err: err}
		return
	}
	defer m.sem.Release(1)

	var cb func(string) error
	if req.ChunkFn != nil {
		cb = func(chunk string) error {
			if task.abandoned.Load() {
				return nil
			}
			return req.ChunkFn(chunk)
		}
	}
	res, err := m.runner.Turn(ctx, req.SessionID, req.Input, cb)
	task.resultCh <- Result{Turn: res, Err: err}
}

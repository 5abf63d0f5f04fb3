package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"terraigo/internal/models"
	"terraigo/internal/service/advisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockRunner records concurrency per session and overall.
type mockRunner struct {
	delay   time.Duration
	release chan struct{}

	mu        sync.Mutex
	active    map[string]int
	overlap   bool
	running   int
	maxActive int
	order     []string
	completed atomic.Int32
}

func newMockRunner(delay time.Duration) *mockRunner {
	return &mockRunner{delay: delay, active: make(map[string]int)}
}

func (r *mockRunner) Turn(ctx context.Context, sessionID string, in advisor.Input, onChunk func(string) error) (*advisor.TurnResult, error) {
	r.mu.Lock()
	r.active[sessionID]++
	if r.active[sessionID] > 1 {
		r.overlap = true
	}
	r.running++
	if r.running > r.maxActive {
		r.maxActive = r.running
	}
	r.order = append(r.order, in.Content)
	r.mu.Unlock()

	if r.release != nil {
		<-r.release
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if onChunk != nil {
		if err := onChunk("chunk:" + in.Content); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.active[sessionID]--
	r.running--
	r.mu.Unlock()
	r.completed.Add(1)

	return &advisor.TurnResult{
		Route: advisor.RouteDefault,
		Reply: &models.Message{SessionID: sessionID, Role: models.RoleAssistant, Content: "re:" + in.Content},
	}, nil
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSubmitReturnsResultAndChunks(t *testing.T) {
	runner := newMockRunner(0)
	m := NewManager(runner, Config{MaxWorkers: 2})
	defer shutdown(t, m)

	var chunks []string
	res, err := m.Submit(TurnRequest{
		SessionID: "s1",
		Input:     advisor.Input{Content: "hello"},
		ChunkFn:   func(s string) error { chunks = append(chunks, s); return nil },
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Reply.Content != "re:hello" {
		t.Fatalf("unexpected reply %q", res.Reply.Content)
	}
	if len(chunks) != 1 || chunks[0] != "chunk:hello" {
		t.Fatalf("unexpected chunks %v", chunks)
	}
}

func TestTurnsAreSerializedPerSession(t *testing.T) {
	runner := newMockRunner(5 * time.Millisecond)
	m := NewManager(runner, Config{MaxWorkers: 4, QueueSize: 16})
	defer shutdown(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Submit(TurnRequest{SessionID: "same", Input: advisor.Input{Content: "q"}}); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.overlap {
		t.Fatalf("two turns of the same session ran concurrently")
	}
	if got := runner.completed.Load(); got != 8 {
		t.Fatalf("want 8 completed turns, got %d", got)
	}
}

func TestSemaphoreBoundsAcrossSessions(t *testing.T) {
	runner := newMockRunner(10 * time.Millisecond)
	m := NewManager(runner, Config{MaxWorkers: 2})
	defer shutdown(t, m)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.Submit(TurnRequest{SessionID: id, Input: advisor.Input{Content: id}}); err != nil {
				t.Errorf("submit %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.maxActive > 2 {
		t.Fatalf("max concurrent turns %d exceeds limit 2", runner.maxActive)
	}
}

func TestFullQueueReturnsBusy(t *testing.T) {
	runner := newMockRunner(0)
	runner.release = make(chan struct{})
	m := NewManager(runner, Config{MaxWorkers: 1, QueueSize: 1})

	results := make(chan error, 2)
	submit := func() {
		_, err := m.Submit(TurnRequest{SessionID: "s", Input: advisor.Input{Content: "q"}})
		results <- err
	}
	go submit()
	waitFor(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.running == 1
	})
	go submit()
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		l := m.lanes["s"]
		return l != nil && len(l.taskCh) == 1
	})

	if _, err := m.Submit(TurnRequest{SessionID: "s", Input: advisor.Input{Content: "q"}}); !errors.Is(err, ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}

	close(runner.release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("queued submit failed: %v", err)
		}
	}
	shutdown(t, m)
}

func TestIdleLaneExits(t *testing.T) {
	runner := newMockRunner(0)
	m := NewManager(runner, Config{MaxWorkers: 1, IdleTimeout: 20 * time.Millisecond})
	defer shutdown(t, m)

	if _, err := m.Submit(TurnRequest{SessionID: "s", Input: advisor.Input{Content: "q"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return m.Active() == 0 })

	// a fresh lane is created on demand
	if _, err := m.Submit(TurnRequest{SessionID: "s", Input: advisor.Input{Content: "again"}}); err != nil {
		t.Fatalf("submit after idle exit: %v", err)
	}
}

func TestAbandonedTurnStillCompletes(t *testing.T) {
	runner := newMockRunner(0)
	runner.release = make(chan struct{})
	m := NewManager(runner, Config{MaxWorkers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	chunkCalls := atomic.Int32{}
	go func() {
		_, err := m.Submit(TurnRequest{
			Context:   ctx,
			SessionID: "s",
			Input:     advisor.Input{Content: "q"},
			ChunkFn:   func(string) error { chunkCalls.Add(1); return errors.New("client gone") },
		})
		errCh <- err
	}()
	waitFor(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.running == 1
	})
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}

	close(runner.release)
	waitFor(t, func() bool { return runner.completed.Load() == 1 })
	if chunkCalls.Load() != 0 {
		t.Fatalf("chunks should be dropped after the caller left")
	}
	shutdown(t, m)
}

func TestCloseFailsQueuedTurns(t *testing.T) {
	runner := newMockRunner(0)
	runner.release = make(chan struct{})
	m := NewManager(runner, Config{MaxWorkers: 1, QueueSize: 2})

	first := make(chan error, 1)
	go func() {
		_, err := m.Submit(TurnRequest{SessionID: "s", Input: advisor.Input{Content: "1"}})
		first <- err
	}()
	waitFor(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.running == 1
	})
	second := make(chan error, 1)
	go func() {
		_, err := m.Submit(TurnRequest{SessionID: "s", Input: advisor.Input{Content: "2"}})
		second <- err
	}()
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		l := m.lanes["s"]
		return l != nil && len(l.taskCh) == 1
	})

	m.Close("s")
	close(runner.release)

	if err := <-first; err != nil {
		t.Fatalf("running turn should finish, got %v", err)
	}
	if err := <-second; !errors.Is(err, ErrClosed) {
		t.Fatalf("queued turn: want ErrClosed, got %v", err)
	}
	shutdown(t, m)

	if _, err := m.Submit(TurnRequest{SessionID: "s", Input: advisor.Input{Content: "3"}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after shutdown: want ErrClosed, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

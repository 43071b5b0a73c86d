package worker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"queuectl/internal/job"
	"queuectl/internal/logger"
	"queuectl/internal/store"
	"queuectl/internal/store/sqlite"
	"queuectl/internal/worker/runtime"
)

func testLogger() *slog.Logger {
	return logger.NewWithWriter(io.Discard, slog.LevelDebug)
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stubRuntime lets tests script execution outcomes.
type stubRuntime struct {
	run func(ctx context.Context, spec runtime.Spec) (runtime.Result, error)
}

func (s *stubRuntime) Run(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
	return s.run(ctx, spec)
}

// stubStore scripts store contention: ClaimNext fails with ErrBusy
// claimBusy times before yielding the seeded job, and Update fails with
// ErrBusy updateBusy times before recording the write.
type stubStore struct {
	mu         sync.Mutex
	claimBusy  int
	updateBusy int
	next       *job.Job
	claims     int
	updates    []job.Job
}

var _ store.Store = (*stubStore)(nil)

func (s *stubStore) ClaimNext(ctx context.Context, workerID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimBusy > 0 {
		s.claimBusy--
		return nil, store.ErrBusy
	}
	if s.next == nil {
		return nil, nil
	}
	claimed := s.next.Claimed(workerID, time.Now())
	s.next = nil
	return &claimed, nil
}

func (s *stubStore) Update(ctx context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateBusy > 0 {
		s.updateBusy--
		return store.ErrBusy
	}
	s.updates = append(s.updates, j)
	return nil
}

func (s *stubStore) snapshot() (claims int, updates []job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims, append([]job.Job(nil), s.updates...)
}

func (s *stubStore) Add(ctx context.Context, j job.Job) error         { return nil }
func (s *stubStore) Get(ctx context.Context, id string) (job.Job, error) {
	return job.Job{}, store.ErrNotFound
}
func (s *stubStore) List(ctx context.Context, state job.State) ([]job.Job, error) {
	return nil, nil
}
func (s *stubStore) StatusSummary(ctx context.Context) (map[job.State]int, error) {
	return map[job.State]int{}, nil
}
func (s *stubStore) Delete(ctx context.Context, id string) (bool, error) { return false, nil }
func (s *stubStore) Close() error                                        { return nil }

func waitForState(t *testing.T, st store.Store, id string, want job.State) job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.Get(context.Background(), id)
		if err == nil && j.State == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	j, err := st.Get(context.Background(), id)
	t.Fatalf("job %s never reached state %s (last: %+v, err: %v)", id, want, j, err)
	return job.Job{}
}

func startWorker(t *testing.T, st store.Store, rt runtime.Runtime, cfg Config) (*Worker, context.CancelFunc) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	w := New(st, rt, cfg, testLogger(), nil)
	w.backoffUnit = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-w.Done():
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return w, cancel
}

func TestWorkerCompletesJob(t *testing.T) {
	st := openTestStore(t)
	if err := st.Add(context.Background(), job.New("job-1", "echo hello", 3, time.Now())); err != nil {
		t.Fatal(err)
	}

	startWorker(t, st, runtime.NewExecRuntime(), Config{})

	got := waitForState(t, st, "job-1", job.StateCompleted)
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.WorkerID != "" {
		t.Errorf("expected worker_id cleared on completion, got %q", got.WorkerID)
	}
	if got.ErrorMessage != "" {
		t.Errorf("expected no error message, got %q", got.ErrorMessage)
	}
}

func TestWorkerDeadAfterExhaustedRetries(t *testing.T) {
	st := openTestStore(t)
	if err := st.Add(context.Background(), job.New("job-1", "echo boom >&2; exit 1", 1, time.Now())); err != nil {
		t.Fatal(err)
	}

	startWorker(t, st, runtime.NewExecRuntime(), Config{})

	got := waitForState(t, st, "job-1", job.StateDead)
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", got.Attempts)
	}
	if !strings.HasPrefix(got.ErrorMessage, "exit code 1") {
		t.Errorf("expected exit code in error message, got %q", got.ErrorMessage)
	}
	if !strings.Contains(got.ErrorMessage, "boom") {
		t.Errorf("expected stderr tail in error message, got %q", got.ErrorMessage)
	}
}

func TestWorkerRetriesBeforeDying(t *testing.T) {
	st := openTestStore(t)
	if err := st.Add(context.Background(), job.New("job-1", "exit 1", 2, time.Now())); err != nil {
		t.Fatal(err)
	}

	startWorker(t, st, runtime.NewExecRuntime(), Config{BackoffBase: 2})

	got := waitForState(t, st, "job-1", job.StateDead)
	if got.Attempts != 2 {
		t.Errorf("expected 2 attempts before death, got %d", got.Attempts)
	}
}

func TestWorkerZeroRetriesBudget(t *testing.T) {
	st := openTestStore(t)
	if err := st.Add(context.Background(), job.New("job-1", "exit 3", 0, time.Now())); err != nil {
		t.Fatal(err)
	}

	startWorker(t, st, runtime.NewExecRuntime(), Config{})

	got := waitForState(t, st, "job-1", job.StateDead)
	if got.Attempts != 1 {
		t.Errorf("expected a single attempt, got %d", got.Attempts)
	}
	if !strings.HasPrefix(got.ErrorMessage, "exit code 3") {
		t.Errorf("expected exit code 3 in error message, got %q", got.ErrorMessage)
	}
}

func TestWorkerCommandNotFound(t *testing.T) {
	st := openTestStore(t)
	if err := st.Add(context.Background(), job.New("job-1", "definitely-not-a-real-command-zzz", 0, time.Now())); err != nil {
		t.Fatal(err)
	}

	startWorker(t, st, runtime.NewExecRuntime(), Config{})

	got := waitForState(t, st, "job-1", job.StateDead)
	if got.ErrorMessage != "command not found or not executable" {
		t.Errorf("unexpected error message %q", got.ErrorMessage)
	}
}

func TestWorkerTimeout(t *testing.T) {
	st := openTestStore(t)
	if err := st.Add(context.Background(), job.New("job-1", "sleep 60", 0, time.Now())); err != nil {
		t.Fatal(err)
	}

	rt := &stubRuntime{run: func(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
		return runtime.Result{ExitCode: -1}, runtime.ErrTimeout
	}}
	startWorker(t, st, rt, Config{ExecTimeout: 50 * time.Millisecond})

	got := waitForState(t, st, "job-1", job.StateDead)
	if !strings.Contains(got.ErrorMessage, "timed out") {
		t.Errorf("expected timeout error message, got %q", got.ErrorMessage)
	}
}

func TestWorkerRecoversFromRuntimePanic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.Add(ctx, job.New("job-1", "echo hi", 0, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := st.Add(ctx, job.New("job-2", "echo hi", 0, time.Now())); err != nil {
		t.Fatal(err)
	}

	calls := 0
	rt := &stubRuntime{run: func(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
		calls++
		if calls == 1 {
			panic("runtime exploded")
		}
		return runtime.Result{ExitCode: 0}, nil
	}}
	startWorker(t, st, rt, Config{})

	// The panic fails the first job; the loop must survive to run the second.
	got := waitForState(t, st, "job-1", job.StateDead)
	if !strings.Contains(got.ErrorMessage, "unexpected error") {
		t.Errorf("expected panic mapped to unexpected error, got %q", got.ErrorMessage)
	}
	waitForState(t, st, "job-2", job.StateCompleted)
}

// Store contention must never crash the loop or drop an outcome: busy
// claims are re-polled and a busy post-execution update is retried.
func TestWorkerSurvivesBusyStore(t *testing.T) {
	j := job.New("job-1", "echo hi", 3, time.Now())
	st := &stubStore{claimBusy: 2, updateBusy: 1, next: &j}

	rt := &stubRuntime{run: func(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
		return runtime.Result{ExitCode: 0}, nil
	}}
	startWorker(t, st, rt, Config{})

	deadline := time.Now().Add(5 * time.Second)
	for {
		claims, updates := st.snapshot()
		if len(updates) > 0 {
			if claims < 3 {
				t.Errorf("expected at least 3 claim attempts (2 busy + 1 win), got %d", claims)
			}
			if updates[0].State != job.StateCompleted {
				t.Errorf("expected completed outcome persisted, got %s", updates[0].State)
			}
			if updates[0].ID != "job-1" {
				t.Errorf("unexpected job persisted: %+v", updates[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("outcome never persisted (claims: %d)", claims)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerReleasesJobOnShutdownDuringBackoff(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	j := job.New("job-1", "exit 1", 5, time.Now())
	if err := st.Add(ctx, j); err != nil {
		t.Fatal(err)
	}
	// A prior failed attempt makes the next claim wait out a backoff delay.
	if err := st.Update(ctx, j.Claimed("other", time.Now()).Failed("exit code 1", time.Now())); err != nil {
		t.Fatal(err)
	}

	w := New(st, runtime.NewExecRuntime(), Config{PollInterval: 10 * time.Millisecond, BackoffBase: 2}, testLogger(), nil)
	w.backoffUnit = time.Hour // park the retry in its backoff wait

	runCtx, cancel := context.WithCancel(context.Background())
	go w.Run(runCtx)

	waitForState(t, st, "job-1", job.StateProcessing)
	cancel()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	got, err := st.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StatePending {
		t.Errorf("expected job released to pending, got %s", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("expected claim attempt rolled back to 1, got %d", got.Attempts)
	}
	if got.WorkerID != "" {
		t.Errorf("expected worker_id cleared, got %q", got.WorkerID)
	}
}

func TestWorkerStopsOnCancel(t *testing.T) {
	st := openTestStore(t)
	w := New(st, runtime.NewExecRuntime(), Config{PollInterval: 10 * time.Millisecond}, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	cancel()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestBackoffDelay(t *testing.T) {
	w := New(openTestStore(t), runtime.NewExecRuntime(), Config{BackoffBase: 2}, testLogger(), nil)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, c := range cases {
		if got := w.backoffDelay(c.attempt); got != c.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestBackoffDelayClamped(t *testing.T) {
	w := New(openTestStore(t), runtime.NewExecRuntime(), Config{BackoffBase: 10}, testLogger(), nil)

	if got := w.backoffDelay(30); got != maxBackoffDelay {
		t.Errorf("expected clamp at %s, got %s", maxBackoffDelay, got)
	}
}

func TestNewDefaults(t *testing.T) {
	w := New(openTestStore(t), runtime.NewExecRuntime(), Config{}, testLogger(), nil)

	if !strings.HasPrefix(w.cfg.ID, "worker-") {
		t.Errorf("expected generated worker id, got %q", w.cfg.ID)
	}
	if w.cfg.PollInterval != time.Second {
		t.Errorf("expected default poll interval 1s, got %s", w.cfg.PollInterval)
	}
	if w.cfg.BackoffBase != 2 {
		t.Errorf("expected default backoff base 2, got %d", w.cfg.BackoffBase)
	}
	if w.cfg.ExecTimeout != 5*time.Minute {
		t.Errorf("expected default exec timeout 5m, got %s", w.cfg.ExecTimeout)
	}
}

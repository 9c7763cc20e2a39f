package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/jobrunner/internal/engine"
	"github.com/seantiz/jobrunner/internal/model"
	"github.com/seantiz/jobrunner/internal/store"
	"github.com/seantiz/jobrunner/internal/workload"
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

// lines returns the complete lines written so far.
func (lb *lockedBuffer) lines() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	s := lb.buf.String()
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// fakeCommand is registered in place of echo for tests that need a
// controllable workload.
const fakeCommand = model.CommandEcho

func newTestEngine(t *testing.T, reg *workload.Registry) (*engine.Engine, store.Store, *lockedBuffer) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if reg == nil {
		reg = workload.NewDefaultRegistry()
	}

	out := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, reg, engine.NewSink(out), logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng, s, out
}

func registryWith(w workload.Workload) *workload.Registry {
	reg := workload.NewDefaultRegistry()
	reg.Register(fakeCommand, w)
	return reg
}

func makeSpec(name string, args ...string) model.CommandSpec {
	spec := model.NewCommandSpec(name, args...)
	spec.Duration = time.Second
	return spec
}

func TestDispatchParallelSum(t *testing.T) {
	eng, s, out := newTestEngine(t, nil)

	spec := makeSpec("sum", "30")
	spec.Parallelism = 3
	id, err := eng.Dispatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := out.lines()
	want := "Sum of numbers up to 30 mod 1000000 is 465"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("output = %q, want [%q]", got, want)
	}

	d, err := s.GetDispatch(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if d.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", d.Status)
	}
	if d.StartedAt == nil || d.FinishedAt == nil {
		t.Errorf("started_at/finished_at = %v/%v, want both set", d.StartedAt, d.FinishedAt)
	}

	lines, err := s.GetOutputLines(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOutputLines: %v", err)
	}
	if len(lines) != 1 || lines[0].Line != want || lines[0].Kind != model.LineOutput {
		t.Errorf("persisted lines = %+v", lines)
	}
}

func TestDispatchBuiltinOutputs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"gcd", []string{"48", "18"}, "GCD of 48 and 18 is 6"},
		{"prime", []string{"10"}, "Count of primes up to 10 is 4"},
		{"sum", []string{"100"}, "Sum of numbers up to 100 mod 1000000 is 5050"},
		{"echo", []string{"hello", "world"}, "hello world"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _, out := newTestEngine(t, nil)
			if _, err := eng.Dispatch(context.Background(), makeSpec(tt.name, tt.args...)); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			got := out.lines()
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("output = %q, want [%q]", got, tt.want)
			}
		})
	}
}

func TestDispatchSingleShotIgnoresDuration(t *testing.T) {
	eng, _, out := newTestEngine(t, nil)

	spec := makeSpec("echo", "once")
	spec.Duration = time.Hour

	start := time.Now()
	if _, err := eng.Dispatch(context.Background(), spec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("single-shot dispatch took %v", elapsed)
	}
	if got := out.lines(); len(got) != 1 {
		t.Errorf("got %d lines, want 1: %q", len(got), got)
	}
}

func TestDispatchRepeatsUntilDeadline(t *testing.T) {
	eng, _, out := newTestEngine(t, nil)

	spec := makeSpec("echo", "tick")
	spec.RepeatInterval = 100 * time.Millisecond
	spec.Duration = 250 * time.Millisecond

	if _, err := eng.Dispatch(context.Background(), spec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Iterations at t=0, 100ms and 200ms; the check at 300ms is past the deadline.
	if got := out.lines(); len(got) != 3 {
		t.Errorf("got %d lines, want 3: %q", len(got), got)
	}
}

func TestDispatchInstancesShareDeadline(t *testing.T) {
	eng, _, out := newTestEngine(t, nil)

	spec := makeSpec("echo", "tick")
	spec.Instances = 3
	spec.RepeatInterval = 100 * time.Millisecond
	spec.Duration = 250 * time.Millisecond

	start := time.Now()
	if _, err := eng.Dispatch(context.Background(), spec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	elapsed := time.Since(start)

	if got := out.lines(); len(got) != 9 {
		t.Errorf("got %d lines, want 9", len(got))
	}
	if elapsed >= 450*time.Millisecond {
		t.Errorf("instances outlived the shared deadline: %v", elapsed)
	}
}

func TestDispatchSpawnsEveryInstance(t *testing.T) {
	var calls atomic.Int32
	reg := registryWith(workload.Func(func(context.Context, workload.Invocation) (string, error) {
		calls.Add(1)
		return "ran", nil
	}))
	eng, _, out := newTestEngine(t, reg)

	spec := makeSpec(string(fakeCommand))
	spec.Instances = 8
	if _, err := eng.Dispatch(context.Background(), spec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := calls.Load(); got != 8 {
		t.Errorf("workload ran %d times, want 8", got)
	}
	if got := out.lines(); len(got) != 8 {
		t.Errorf("got %d lines, want 8", len(got))
	}
}

func TestDispatchForegroundWaitsForAllOutput(t *testing.T) {
	reg := registryWith(workload.Func(func(_ context.Context, inv workload.Invocation) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow", nil
	}))
	eng, _, out := newTestEngine(t, reg)

	spec := makeSpec(string(fakeCommand))
	spec.Instances = 3
	if _, err := eng.Dispatch(context.Background(), spec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := out.lines(); len(got) != 3 {
		t.Errorf("got %d lines right after foreground dispatch, want 3", len(got))
	}
}

func TestDispatchBackgroundReturnsImmediately(t *testing.T) {
	release := make(chan struct{})
	reg := registryWith(workload.Func(func(context.Context, workload.Invocation) (string, error) {
		<-release
		return "detached", nil
	}))
	eng, s, out := newTestEngine(t, reg)

	spec := makeSpec(string(fakeCommand))
	spec.Background = true
	id, err := eng.Dispatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := out.lines(); len(got) != 0 {
		t.Errorf("got output %q before the workload was released", got)
	}
	d, err := s.GetDispatch(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if d.Status != model.StatusRunning {
		t.Errorf("status = %q, want running", d.Status)
	}

	close(release)
	eng.Wait()

	if got := out.lines(); len(got) != 1 || got[0] != "detached" {
		t.Errorf("output = %q, want [detached]", got)
	}
	d, _ = s.GetDispatch(context.Background(), id)
	if d.Status != model.StatusCompleted {
		t.Errorf("status after Wait = %q, want completed", d.Status)
	}
}

func TestDispatchWorkloadErrorTerminatesOnlyThatInstance(t *testing.T) {
	var calls atomic.Int32
	reg := registryWith(workload.Func(func(context.Context, workload.Invocation) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("boom")
		}
		return "ok", nil
	}))
	eng, s, out := newTestEngine(t, reg)

	spec := makeSpec(string(fakeCommand))
	spec.Instances = 2
	spec.RepeatInterval = 50 * time.Millisecond
	spec.Duration = 220 * time.Millisecond
	id, err := eng.Dispatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var exceptions, outputs int
	for _, l := range out.lines() {
		switch {
		case l == "Exception: boom":
			exceptions++
		case l == "ok":
			outputs++
		default:
			t.Errorf("unexpected line %q", l)
		}
	}
	if exceptions != 1 {
		t.Errorf("got %d exception lines, want 1", exceptions)
	}
	// The healthy sibling keeps repeating: t=0, 50, 100, 150, 200ms.
	if outputs < 3 {
		t.Errorf("got %d output lines from the healthy instance, want at least 3", outputs)
	}

	d, _ := s.GetDispatch(context.Background(), id)
	if d.Status != model.StatusFailed || d.FailedInstances != 1 {
		t.Errorf("status = %q failed_instances = %d, want failed/1", d.Status, d.FailedInstances)
	}
}

func TestDispatchMalformedArgumentsLogException(t *testing.T) {
	eng, _, out := newTestEngine(t, nil)

	spec := makeSpec("gcd", "12", "x")
	spec.RepeatInterval = 10 * time.Millisecond
	if _, err := eng.Dispatch(context.Background(), spec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := out.lines()
	if len(got) != 1 {
		t.Fatalf("got %d lines, want 1 (no retry): %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "Exception: ") || !strings.Contains(got[0], `"x"`) {
		t.Errorf("line = %q, want an exception naming the bad argument", got[0])
	}
}

func TestDispatchPanicIsContained(t *testing.T) {
	reg := registryWith(workload.Func(func(context.Context, workload.Invocation) (string, error) {
		panic("kaboom")
	}))
	eng, _, out := newTestEngine(t, reg)

	spec := makeSpec(string(fakeCommand))
	spec.Instances = 2
	if _, err := eng.Dispatch(context.Background(), spec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := out.lines()
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	for _, l := range got {
		if !strings.Contains(l, "kaboom") {
			t.Errorf("line = %q, want panic message", l)
		}
	}
}

func TestDispatchUnknownCommandIsSilent(t *testing.T) {
	eng, s, out := newTestEngine(t, nil)

	spec := makeSpec("frobnicate", "1")
	spec.Instances = 2
	id, err := eng.Dispatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := out.lines(); len(got) != 0 {
		t.Errorf("unknown command produced output: %q", got)
	}
	d, _ := s.GetDispatch(context.Background(), id)
	if d.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", d.Status)
	}
	if d.Command != "frobnicate" {
		t.Errorf("command = %q, want frobnicate", d.Command)
	}
}

func TestDispatchInvalidSpec(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)

	tests := []struct {
		name   string
		mutate func(*model.CommandSpec)
	}{
		{"zero instances", func(s *model.CommandSpec) { s.Instances = 0 }},
		{"zero duration", func(s *model.CommandSpec) { s.Duration = 0 }},
		{"negative interval", func(s *model.CommandSpec) { s.RepeatInterval = -time.Second }},
		{"negative parallelism", func(s *model.CommandSpec) { s.Parallelism = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := makeSpec("echo", "x")
			tt.mutate(&spec)
			if _, err := eng.Dispatch(context.Background(), spec); !errors.Is(err, engine.ErrInvalidSpec) {
				t.Errorf("err = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestDispatchStreamsToSubscribers(t *testing.T) {
	release := make(chan struct{})
	reg := registryWith(workload.Func(func(context.Context, workload.Invocation) (string, error) {
		<-release
		return "streamed", nil
	}))
	eng, _, _ := newTestEngine(t, reg)

	spec := makeSpec(string(fakeCommand))
	spec.Instances = 2
	spec.Background = true
	id, err := eng.Dispatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ch, unsub := eng.Broker().Subscribe(id)
	defer unsub()
	close(release)

	var got []model.OutputLine
	for l := range ch {
		got = append(got, l)
	}
	if len(got) != 2 {
		t.Fatalf("got %d streamed lines, want 2", len(got))
	}
	seqs := map[int]bool{}
	for _, l := range got {
		if l.DispatchID != id || l.Line != "streamed" {
			t.Errorf("unexpected line %+v", l)
		}
		seqs[l.Seq] = true
	}
	if !seqs[0] || !seqs[1] {
		t.Errorf("seqs = %v, want 0 and 1", seqs)
	}
}

func TestShutdownCancelsDetachedInstances(t *testing.T) {
	eng, s, out := newTestEngine(t, nil)

	spec := makeSpec("echo", "forever")
	spec.Background = true
	spec.RepeatInterval = time.Hour
	spec.Duration = time.Hour
	id, err := eng.Dispatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := eng.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown err = %v, want DeadlineExceeded", err)
	}

	if got := out.lines(); len(got) != 1 {
		t.Errorf("got %d lines, want 1", len(got))
	}
	d, _ := s.GetDispatch(context.Background(), id)
	if d.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", d.Status)
	}
}

func TestShutdownWaitsForDetachedInstances(t *testing.T) {
	eng, _, out := newTestEngine(t, nil)

	spec := makeSpec("echo", "tick")
	spec.Background = true
	spec.RepeatInterval = 50 * time.Millisecond
	spec.Duration = 120 * time.Millisecond
	if _, err := eng.Dispatch(context.Background(), spec); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := out.lines(); len(got) != 3 {
		t.Errorf("got %d lines, want 3", len(got))
	}
}

func TestShutdownAbortsInlineSummation(t *testing.T) {
	eng, s, out := newTestEngine(t, nil)

	// Far too large to finish; only cancellation can end it.
	spec := makeSpec("sum", "1000000000000000000")
	spec.Background = true
	spec.Duration = time.Hour
	id, err := eng.Dispatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := eng.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown err = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v, want the summation aborted", elapsed)
	}

	if got := out.lines(); len(got) != 0 {
		t.Errorf("got lines %q, want none", got)
	}
	d, _ := s.GetDispatch(context.Background(), id)
	if d.Status != model.StatusCompleted || d.FailedInstances != 0 {
		t.Errorf("dispatch = %+v, want completed without failures", d)
	}
}

func TestDispatchAfterShutdown(t *testing.T) {
	eng, s, _ := newTestEngine(t, nil)

	if !eng.Accepting() {
		t.Error("Accepting() = false before Shutdown")
	}
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if eng.Accepting() {
		t.Error("Accepting() = true after Shutdown")
	}

	_, err := eng.Dispatch(context.Background(), makeSpec("echo", "late"))
	if !errors.Is(err, engine.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}

	stats, err := s.GetDispatchStats(context.Background())
	if err != nil {
		t.Fatalf("GetDispatchStats: %v", err)
	}
	if stats.CountByStatus[model.StatusFailed] != 1 {
		t.Errorf("count_by_status = %v, want the rejected dispatch marked failed", stats.CountByStatus)
	}
}

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/jobrunner/internal/model"
	"github.com/seantiz/jobrunner/internal/store"
	"github.com/seantiz/jobrunner/internal/workload"
)

func newRunnerEngine(t *testing.T) (*Engine, *tricklingWriter) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	w := &tricklingWriter{}
	e := NewEngine(s, workload.NewDefaultRegistry(), NewSink(w), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	return e, w
}

func newTestRun(spec model.CommandSpec, w workload.Workload) *dispatchRun {
	now := time.Now()
	return &dispatchRun{
		id:       model.NewID(),
		spec:     spec,
		workload: w,
		start:    now,
		deadline: now.Add(spec.Duration),
	}
}

func TestInstanceLifecycle(t *testing.T) {
	e, w := newRunnerEngine(t)

	spec := model.NewCommandSpec("echo", "hi")
	in := newInstance(e, newTestRun(spec, workload.EchoWorkload), 0)
	if got := in.State(); got != model.InstanceScheduled {
		t.Errorf("initial state = %q, want scheduled", got)
	}

	if ok := in.run(); !ok {
		t.Error("run() = false, want true")
	}
	if got := in.State(); got != model.InstanceTerminated {
		t.Errorf("final state = %q, want terminated", got)
	}
	if got := string(w.data); got != "hi\n" {
		t.Errorf("output = %q, want %q", got, "hi\n")
	}
}

func TestInstanceSleepsBetweenIterations(t *testing.T) {
	e, _ := newRunnerEngine(t)

	spec := model.NewCommandSpec("echo", "tick")
	spec.RepeatInterval = 200 * time.Millisecond
	spec.Duration = 300 * time.Millisecond
	in := newInstance(e, newTestRun(spec, workload.EchoWorkload), 0)

	done := make(chan bool)
	go func() { done <- in.run() }()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) && in.State() != model.InstanceSleeping {
		time.Sleep(5 * time.Millisecond)
	}
	if got := in.State(); got != model.InstanceSleeping {
		t.Errorf("state between iterations = %q, want sleeping", got)
	}

	if ok := <-done; !ok {
		t.Error("run() = false, want true")
	}
}

func TestInstanceExpiredDeadlineRunsNothing(t *testing.T) {
	e, w := newRunnerEngine(t)

	spec := model.NewCommandSpec("echo", "never")
	run := newTestRun(spec, workload.EchoWorkload)
	run.deadline = run.start

	if ok := newInstance(e, run, 0).run(); !ok {
		t.Error("run() = false, want true")
	}
	if len(w.data) != 0 {
		t.Errorf("output = %q, want none", w.data)
	}
}

func TestInstanceWorkloadErrorReturnsFalse(t *testing.T) {
	e, w := newRunnerEngine(t)

	failing := workload.Func(func(context.Context, workload.Invocation) (string, error) {
		return "", errors.New("bad input")
	})
	spec := model.NewCommandSpec("echo")
	spec.RepeatInterval = time.Millisecond
	run := newTestRun(spec, failing)

	if ok := newInstance(e, run, 3).run(); ok {
		t.Error("run() = true, want false")
	}
	if got := string(w.data); got != "Exception: bad input\n" {
		t.Errorf("output = %q", got)
	}
	if run.seq != 1 {
		t.Errorf("seq = %d, want 1", run.seq)
	}
}

func TestInstanceCancelledWorkloadIsNotAFailure(t *testing.T) {
	e, w := newRunnerEngine(t)
	e.cancel()

	blocking := workload.Func(func(ctx context.Context, _ workload.Invocation) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	spec := model.NewCommandSpec("echo")

	if ok := newInstance(e, newTestRun(spec, blocking), 0).run(); !ok {
		t.Error("run() = false after cancellation, want true")
	}
	if len(w.data) != 0 {
		t.Errorf("output = %q, want none", w.data)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/jobrunner/internal/model"
	"github.com/seantiz/jobrunner/internal/store"
	"github.com/seantiz/jobrunner/internal/workload"
)

var (
	// ErrInvalidSpec is returned by Dispatch for a spec that cannot run.
	ErrInvalidSpec = errors.New("invalid command spec")

	// ErrClosed is returned by Dispatch once Shutdown has begun.
	ErrClosed = errors.New("engine is shut down")
)

// Engine dispatches commands as concurrently running instances.
//
// There is no limit on the number of instances a single dispatch, or the
// engine as a whole, may run.
type Engine struct {
	store    store.Store
	registry *workload.Registry
	sink     *Sink
	broker   *LogBroker
	logger   *slog.Logger

	// ctx is the parent of every instance. It is only cancelled when
	// Shutdown runs out of time.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	// wg tracks every dispatch, foreground or detached, until all of its
	// instances have terminated and its record is finalized.
	wg sync.WaitGroup
}

// NewEngine creates a new execution engine writing output lines to sink.
func NewEngine(s store.Store, reg *workload.Registry, sink *Sink, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		registry: reg,
		sink:     sink,
		broker:   NewLogBroker(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Broker returns the engine's log broker for live output subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Sink returns the shared output sink.
func (e *Engine) Sink() *Sink {
	return e.sink
}

// Accepting reports whether Dispatch will still start new work.
func (e *Engine) Accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// Validate reports whether spec describes a runnable dispatch.
func Validate(spec model.CommandSpec) error {
	switch {
	case spec.Instances < 1:
		return fmt.Errorf("%w: instance count %d must be at least 1", ErrInvalidSpec, spec.Instances)
	case spec.Duration <= 0:
		return fmt.Errorf("%w: duration %v must be positive", ErrInvalidSpec, spec.Duration)
	case spec.RepeatInterval < 0:
		return fmt.Errorf("%w: repeat interval %v must not be negative", ErrInvalidSpec, spec.RepeatInterval)
	case spec.Parallelism < 0:
		return fmt.Errorf("%w: parallelism %d must not be negative", ErrInvalidSpec, spec.Parallelism)
	}
	return nil
}

// Dispatch records spec and spawns spec.Instances instances of it, all
// bound to the same start time and deadline. A foreground dispatch blocks
// until every instance has terminated; a background dispatch returns as
// soon as the instances are spawned. The returned string is the dispatch ID.
//
// The workload is resolved once here. An unrecognized command still runs
// its instances, but they emit nothing.
func (e *Engine) Dispatch(ctx context.Context, spec model.CommandSpec) (string, error) {
	if err := Validate(spec); err != nil {
		return "", err
	}

	w, err := e.registry.Resolve(spec.Command)
	if err != nil {
		e.logger.Debug("unrecognized command ignored", "command", spec.Name, "error", err)
		w = nil
	}

	d := model.NewDispatch(spec)
	if err := e.store.CreateDispatch(ctx, d); err != nil {
		return "", fmt.Errorf("create dispatch: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.abandon(d.ID)
		return "", ErrClosed
	}
	done := e.start(d, spec, w)
	e.mu.Unlock()

	mode := modeForeground
	if spec.Background {
		mode = modeBackground
	}
	dispatchesTotal.WithLabelValues(string(spec.Command), mode).Inc()
	e.logger.Info("dispatched",
		"dispatch_id", d.ID,
		"command", spec.Name,
		"instances", spec.Instances,
		"mode", mode,
	)

	if !spec.Background {
		<-done
	}
	return d.ID, nil
}

// start spawns the instances of d. It must be called with e.mu held so that
// it cannot race with Shutdown. The returned channel is closed once every
// instance has terminated and the dispatch record has been finalized.
func (e *Engine) start(d *model.Dispatch, spec model.CommandSpec, w workload.Workload) <-chan struct{} {
	if err := e.store.UpdateDispatchStatus(e.ctx, d.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "dispatch_id", d.ID, "error", err)
	}

	startTime := time.Now()
	run := &dispatchRun{
		id:       d.ID,
		spec:     spec,
		workload: w,
		start:    startTime,
		deadline: startTime.Add(spec.Duration),
	}
	// The runners get their own copy of the args slice.
	run.spec.Args = append([]string(nil), spec.Args...)

	var instances sync.WaitGroup
	var failed atomic.Int32
	for i := range spec.Instances {
		inst := newInstance(e, run, i)
		instances.Go(func() {
			if !inst.run() {
				failed.Add(1)
			}
		})
	}

	done := make(chan struct{})
	e.wg.Go(func() {
		defer close(done)
		instances.Wait()
		e.finish(run, int(failed.Load()))
	})
	return done
}

// finish finalizes the dispatch record once every instance has terminated.
func (e *Engine) finish(run *dispatchRun, failed int) {
	defer e.broker.Close(run.id)

	status := model.StatusCompleted
	if failed > 0 {
		status = model.StatusFailed
	}
	if err := e.store.FinishDispatch(context.Background(), run.id, status, failed, time.Now().UTC()); err != nil {
		e.logger.Error("failed to finish dispatch", "dispatch_id", run.id, "error", err)
	}

	e.logger.Debug("dispatch finished",
		"dispatch_id", run.id,
		"status", status,
		"failed_instances", failed,
		"elapsed_ms", time.Since(run.start).Milliseconds(),
	)
}

// abandon marks a recorded dispatch as failed without running it.
func (e *Engine) abandon(id string) {
	if err := e.store.UpdateDispatchStatus(context.Background(), id, model.StatusFailed); err != nil {
		e.logger.Error("failed to abandon dispatch", "dispatch_id", id, "error", err)
	}
	e.broker.Close(id)
}

// emit writes one line to the sink, persists it and publishes it to live
// subscribers. Lines of one dispatch get sequence numbers in sink order.
func (e *Engine) emit(run *dispatchRun, instance int, kind, text string) {
	run.mu.Lock()
	line := model.OutputLine{
		DispatchID: run.id,
		Instance:   instance,
		Seq:        run.seq,
		Kind:       kind,
		Line:       text,
		CreatedAt:  time.Now().UTC(),
	}
	run.seq++
	err := e.sink.WriteLine(text)
	run.mu.Unlock()

	if err != nil {
		e.logger.Error("failed to write output line", "dispatch_id", run.id, "error", err)
	}
	if err := e.store.InsertOutputLine(context.Background(), line); err != nil {
		e.logger.Error("failed to persist output line", "dispatch_id", run.id, "seq", line.Seq, "error", err)
	}
	e.broker.Publish(line)
}

// Wait blocks until every dispatch, including detached ones, has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops accepting dispatches and waits for all running instances
// to reach their deadlines. If ctx expires first, the remaining instances
// are cancelled: sleeping instances wake and terminate, and in-flight
// summations abort. Shutdown returns ctx.Err() in that case.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		e.logger.Info("engine stopped gracefully")
		return nil
	case <-ctx.Done():
		e.logger.Warn("engine shutdown timed out, cancelling running instances")
		e.cancel()
		<-done
		return ctx.Err()
	}
}

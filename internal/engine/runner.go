package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/seantiz/jobrunner/internal/model"
	"github.com/seantiz/jobrunner/internal/workload"
)

// dispatchRun is the state shared by all instances of one dispatch. Apart
// from the output sequence, it is read-only once the instances start.
type dispatchRun struct {
	id       string
	spec     model.CommandSpec
	workload workload.Workload // nil for unrecognized commands
	start    time.Time
	deadline time.Time

	mu  sync.Mutex
	seq int
}

// expired reports whether the shared deadline has passed.
func (r *dispatchRun) expired(now time.Time) bool {
	return !now.Before(r.deadline)
}

// instance drives one repeating execution of a dispatched command.
type instance struct {
	engine *Engine
	shared *dispatchRun
	index  int

	mu    sync.Mutex
	state string
}

func newInstance(e *Engine, run *dispatchRun, index int) *instance {
	return &instance{
		engine: e,
		shared: run,
		index:  index,
		state:  model.InstanceScheduled,
	}
}

// State returns the current lifecycle state.
func (in *instance) State() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *instance) setState(state string) {
	in.mu.Lock()
	in.state = state
	in.mu.Unlock()
}

// run executes iterations until the deadline passes, or after the first
// iteration when the repeat interval is zero. It returns false if the
// instance was terminated by a workload error.
func (in *instance) run() bool {
	e := in.engine
	spec := in.shared.spec

	activeInstances.Inc()
	defer activeInstances.Dec()
	defer in.setState(model.InstanceTerminated)

	for {
		if in.shared.expired(time.Now()) {
			return true
		}

		in.setState(model.InstanceRunning)
		line, err := in.iterate(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				// Cancelled by engine shutdown, not a workload failure.
				return true
			}
			in.fail(err)
			return false
		}
		if in.shared.workload != nil {
			e.emit(in.shared, in.index, model.LineOutput, line)
		}

		if spec.RepeatInterval == 0 {
			return true
		}

		in.setState(model.InstanceSleeping)
		timer := time.NewTimer(spec.RepeatInterval)
		select {
		case <-timer.C:
		case <-e.ctx.Done():
			timer.Stop()
			return true
		}
	}
}

// iterate runs the workload once. Panics are converted to errors so that a
// faulty workload only ends its own instance.
func (in *instance) iterate(ctx context.Context) (line string, err error) {
	if in.shared.workload == nil {
		return "", nil
	}

	cmd := string(in.shared.spec.Command)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			in.engine.logger.Error("workload panicked",
				"dispatch_id", in.shared.id,
				"instance", in.index,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic in %s: %v", cmd, r)
		}
		if err == nil {
			iterationsTotal.WithLabelValues(cmd).Inc()
			iterationDuration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
		}
	}()

	return in.shared.workload.Run(ctx, workload.Invocation{
		Args:        in.shared.spec.Args,
		Parallelism: in.shared.spec.Parallelism,
	})
}

// fail reports a workload error on the shared sink and logs it.
func (in *instance) fail(err error) {
	workloadErrorsTotal.WithLabelValues(string(in.shared.spec.Command)).Inc()
	in.engine.emit(in.shared, in.index, model.LineException, "Exception: "+err.Error())
	in.engine.logger.Warn("instance terminated by workload error",
		"dispatch_id", in.shared.id,
		"instance", in.index,
		"command", in.shared.spec.Name,
		"error", err,
	)
}

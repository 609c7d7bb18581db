// Package batch runs one analysis engine over many cubes with a pool of
// goroutines. The engine is shared read-only by every worker; each worker
// loads, analyzes and hands off its own cube. A failing cube never stops
// the batch: failures are collected and reported at the end.
package batch

import (
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"time"

	"pwsanalysis/pkg/analysis"
	"pwsanalysis/pkg/cube"
)

// Runner analyzes one cube. analysis.PWSEngine and analysis.DynamicsEngine
// both satisfy it.
type Runner[R any] interface {
	Run(c *cube.Cube) (R, []analysis.Warning, error)
}

// Task identifies one cube of the batch and knows how to load it.
type Task struct {
	ID   string
	Load func(ctx context.Context) (*cube.Cube, error)
}

// Sink receives the results of a successful task. An error returned by the
// sink fails that task.
type Sink[R any] func(ctx context.Context, task Task, result R) error

// Options tune a batch run.
type Options struct {
	// Workers is the pool size. Zero means runtime.NumCPU().
	Workers int
	// Logger receives progress lines. Nil discards them.
	Logger *log.Logger
	// Metrics is optional.
	Metrics *Metrics
}

// Failure is a task that did not complete.
type Failure struct {
	TaskID string
	Err    error
}

func (f Failure) Error() string { return fmt.Sprintf("%s: %v", f.TaskID, f.Err) }

func (f Failure) Unwrap() error { return f.Err }

// TaskWarning is a warning raised while analyzing one task.
type TaskWarning struct {
	TaskID string
	analysis.Warning
}

func (w TaskWarning) String() string { return fmt.Sprintf("%s: %s", w.TaskID, w.Warning) }

// Report summarizes a batch. Task ids are listed in completion order.
type Report struct {
	Succeeded []string
	Failures  []Failure
	Warnings  []TaskWarning
	// Skipped lists tasks never started because the context was cancelled.
	Skipped []string
}

// PanicError is a recovered panic from a task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("analysis panicked: %v", e.Value) }

type job struct {
	index int
	task  Task
}

type outcome struct {
	index    int
	task     Task
	warnings []analysis.Warning
	err      error
	elapsed  time.Duration
	skipped  bool
}

// Run analyzes every task with engine and passes each result to sink.
// Cancelling ctx stops new tasks from starting; tasks already running finish.
func Run[R any](ctx context.Context, engine Runner[R], tasks []Task, sink Sink[R], opts Options) Report {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	jobs := make(chan job)
	results := make(chan outcome)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil {
					results <- outcome{index: j.index, task: j.task, skipped: true}
					continue
				}
				opts.Metrics.started()
				res := runTask(ctx, engine, j.task, sink)
				res.index = j.index
				results <- res
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i, t := range tasks {
			select {
			case <-ctx.Done():
				return
			case jobs <- job{index: i, task: t}:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var report Report
	ran := make([]bool, len(tasks))
	completed := 0
	for res := range results {
		if res.skipped {
			continue
		}
		ran[res.index] = true
		completed++
		opts.Metrics.observe(res)
		for _, w := range res.warnings {
			report.Warnings = append(report.Warnings, TaskWarning{TaskID: res.task.ID, Warning: w})
		}
		if res.err != nil {
			logger.Printf("Warning: %s failed: %v", res.task.ID, res.err)
			report.Failures = append(report.Failures, Failure{TaskID: res.task.ID, Err: res.err})
		} else {
			report.Succeeded = append(report.Succeeded, res.task.ID)
		}
		logger.Printf("Analyzing cubes: %.1f%% complete", float64(completed)/float64(len(tasks))*100)
	}
	for i, t := range tasks {
		if !ran[i] {
			report.Skipped = append(report.Skipped, t.ID)
		}
	}
	if len(report.Skipped) > 0 {
		logger.Printf("Batch cancelled: %d of %d cubes skipped", len(report.Skipped), len(tasks))
	}
	return report
}

func runTask[R any](ctx context.Context, engine Runner[R], t Task, sink Sink[R]) (res outcome) {
	start := time.Now()
	res.task = t
	defer func() {
		if p := recover(); p != nil {
			res.err = &PanicError{Value: p}
		}
		res.elapsed = time.Since(start)
	}()
	c, err := t.Load(ctx)
	if err != nil {
		res.err = fmt.Errorf("load: %w", err)
		return res
	}
	r, warnings, err := engine.Run(c)
	res.warnings = warnings
	if err != nil {
		res.err = err
		return res
	}
	if sink != nil {
		if err := sink(ctx, t, r); err != nil {
			res.err = err
		}
	}
	return res
}

package dag

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/kbukum/modelrun/errors"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/resilience"
)

// NodeMaterializer performs the work of one node. A nil return completes
// the node; any error fails it.
type NodeMaterializer interface {
	Materialize(ctx context.Context, node ModelNode) error
}

// MaterializerFunc adapts a function to NodeMaterializer.
type MaterializerFunc func(ctx context.Context, node ModelNode) error

func (f MaterializerFunc) Materialize(ctx context.Context, node ModelNode) error {
	return f(ctx, node)
}

// Transition describes a node changing state during a run.
type Transition struct {
	Label  string
	Status NodeStatus
	Err    error
	// Cause is the failed label behind an ancestor-failed transition.
	Cause string
}

// Observer is called on the runner's loop goroutine for every transition.
// It must not block.
type Observer func(ctx context.Context, t Transition)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// MaxParallel bounds concurrently materializing nodes. 0 is unbounded.
	MaxParallel int `yaml:"max_parallel" mapstructure:"max_parallel"`
}

// Runner executes a DAG.
type Runner struct {
	materializer NodeMaterializer
	bulkhead     *resilience.Bulkhead
	observers    []Observer
	log          *logger.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithObserver registers an observer for node transitions.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

// NewRunner creates a Runner that materializes nodes with m.
func NewRunner(m NodeMaterializer, cfg RunnerConfig, log *logger.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{materializer: m, log: log.WithComponent("dag-runner")}
	if cfg.MaxParallel > 0 {
		r.bulkhead = resilience.NewBulkhead(resilience.BulkheadConfig{
			Name:          "dag-runner",
			MaxConcurrent: cfg.MaxParallel,
			MaxWait:       -1,
		})
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type message struct {
	status NodeStatus
	label  string
	err    error
}

// Run materializes every node of d whose ancestors complete and returns
// the partition of labels into completed, failed and ancestor-failed.
//
// All bookkeeping happens on the calling goroutine, which drains a single
// queue. Node tasks and child publication run in their own goroutines and
// only ever send to the queue.
func (r *Runner) Run(ctx context.Context, d DAG) (*Results, error) {
	roots := d.Roots()
	if len(roots) == 0 {
		return nil, apperrors.EmptyStart()
	}

	// every node sends at most one READY and one outcome, so sends never block
	queue := make(chan message, 2*len(d))
	results := newResults()
	outstanding := 0
	start := time.Now()

	publish := func(labels []string) {
		outstanding += len(labels)
		go func() {
			for _, l := range labels {
				queue <- message{status: StatusReady, label: l}
			}
		}()
	}

	r.log.Info("run started", logger.Fields("nodes", len(d), "roots", len(roots)))
	publish(roots)

	for {
		var msg message
		select {
		case <-ctx.Done():
			r.log.Warn("run cancelled", logger.Fields("finished", results.Len(), "nodes", len(d)))
			return results, apperrors.RunCancelled(ctx.Err())
		case msg = <-queue:
		}
		outstanding--

		switch msg.status {
		case StatusReady:
			r.notify(ctx, Transition{Label: msg.label, Status: StatusReady})
			outstanding++
			r.launch(ctx, d[msg.label], queue)

		case StatusCompleted:
			results.Completed.Add(msg.label)
			r.notify(ctx, Transition{Label: msg.label, Status: StatusCompleted})
			if ready := readyChildren(d, msg.label, results.Completed); len(ready) > 0 {
				publish(ready)
			}

		case StatusFailed:
			results.Failed.Add(msg.label)
			results.Errors[msg.label] = msg.err
			r.notify(ctx, Transition{Label: msg.label, Status: StatusFailed, Err: msg.err})
			for _, desc := range d.Descendants(msg.label) {
				if results.AncestorFailed.Add(desc) {
					r.notify(ctx, Transition{Label: desc, Status: StatusAncestorFailed, Cause: msg.label})
				}
			}
		}

		if results.Len() == len(d) {
			r.log.Info("run finished", logger.Fields(
				"completed", results.Completed.Len(),
				"failed", results.Failed.Len(),
				"ancestor_failed", results.AncestorFailed.Len(),
				logger.FieldDuration, time.Since(start).Milliseconds(),
			))
			return results, nil
		}
		if outstanding == 0 {
			return results, apperrors.RunStalled(len(d) - results.Len())
		}
	}
}

// launch materializes node in its own goroutine and reports the outcome.
func (r *Runner) launch(ctx context.Context, node ModelNode, queue chan<- message) {
	go func() {
		if err := r.execute(ctx, node); err != nil {
			queue <- message{status: StatusFailed, label: node.Label, err: err}
			return
		}
		queue <- message{status: StatusCompleted, label: node.Label}
	}()
}

func (r *Runner) execute(ctx context.Context, node ModelNode) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dag: panic materializing %s: %v", node.Label, p)
		}
	}()
	if r.bulkhead == nil {
		return r.materializer.Materialize(ctx, node)
	}
	return r.bulkhead.Execute(ctx, func() error {
		return r.materializer.Materialize(ctx, node)
	})
}

func (r *Runner) notify(ctx context.Context, t Transition) {
	for _, o := range r.observers {
		o(ctx, t)
	}
}

// readyChildren returns the children of label whose parents have all completed.
func readyChildren(d DAG, label string, completed LabelSet) []string {
	var ready []string
	for _, child := range d[label].Children.Sorted() {
		if allCompleted(d[child].Parents, completed) {
			ready = append(ready, child)
		}
	}
	return ready
}

func allCompleted(parents, completed LabelSet) bool {
	for p := range parents {
		if !completed.Has(p) {
			return false
		}
	}
	return true
}

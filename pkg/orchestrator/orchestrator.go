// Package orchestrator fans per-entity jobs out over a bounded worker pool
// and rebuilds the paired gold tables as their source tables finish.
package orchestrator

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/events/v2"
	"github.com/segmentio/stats/v4"
	"golang.org/x/sync/semaphore"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/catalog"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/errs"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/materialize"
)

type (
	// Job is one runnable per-entity job. *etl.Job satisfies it.
	Job interface {
		Run(ctx context.Context) error
		Close() error
	}

	// JobFactory builds the job for one catalog entity. It is called from
	// worker goroutines; jobs share no in-memory state with each other.
	JobFactory func(ent catalog.Entity) (Job, error)

	// GoldRunner rebuilds one gold table from its view.
	// *materialize.Materializer satisfies it.
	GoldRunner interface {
		Materialize(ctx context.Context, viewName string) error
	}
)

type (
	Orchestrator struct {
		entities []catalog.Entity
		newJob   JobFactory
		gold     GoldRunner
		workers  int
		runID    string
		tracker  *Tracker
		now      func() time.Time
	}
	Config struct {
		Entities []catalog.Entity
		NewJob   JobFactory

		// Gold enables the trigger map: entities carrying a GoldView get
		// their gold table rebuilt right after a successful load. Nil
		// disables triggers.
		Gold GoldRunner

		// Workers bounds concurrent jobs. Defaults to the CPU count.
		Workers int
	}
)

func FromConfig(config Config) (*Orchestrator, error) {
	if len(config.Entities) == 0 {
		return nil, errors.New("orchestrator: Entities is required")
	}
	if config.NewJob == nil {
		return nil, errors.New("orchestrator: NewJob is required")
	}
	workers := config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	o := &Orchestrator{
		entities: config.Entities,
		newJob:   config.NewJob,
		gold:     config.Gold,
		workers:  workers,
		runID:    uuid.New().String(),
		now:      time.Now,
	}
	o.tracker = newTracker(o.runID, workers)
	for _, ent := range config.Entities {
		o.tracker.addRaw(ent.Table.String())
		if ent.GoldView == "" || o.gold == nil {
			continue
		}
		v, err := materialize.Lookup(ent.GoldView)
		if err != nil {
			return nil, errors.Wrapf(err, "gold trigger for %s", ent.Table)
		}
		o.tracker.addGold(v.TableName())
	}
	return o, nil
}

func (o *Orchestrator) RunID() string {
	return o.runID
}

// Tracker exposes the run state for the status server.
func (o *Orchestrator) Tracker() *Tracker {
	return o.tracker
}

type (
	// TableResult is the outcome of one RAW table or gold rebuild.
	TableResult struct {
		Table string
		Err   error
	}

	// Summary lists per-table outcomes in completion order.
	Summary struct {
		RunID string
		Raw   []TableResult
		Gold  []TableResult
	}
)

// Err reduces the summary to a single error, nil when every table and gold
// trigger succeeded.
func (s Summary) Err() error {
	var failed []string
	for _, r := range s.Raw {
		if r.Err != nil {
			failed = append(failed, r.Table)
		}
	}
	for _, r := range s.Gold {
		if r.Err != nil {
			failed = append(failed, r.Table)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return errors.Errorf("%d of %d tables failed: %s",
		len(failed), len(s.Raw)+len(s.Gold), strings.Join(failed, ", "))
}

type result struct {
	entity catalog.Entity
	err    error
}

// Run executes every entity job over the worker pool and the gold triggers
// as their source jobs finish. One job failing never cancels its siblings;
// the summary carries every outcome.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	o.tracker.start(o.now())
	events.Log("Starting run %{runId}s, %{tables}d tables over %{workers}d workers",
		o.runID, len(o.entities), o.workers)

	sem := semaphore.NewWeighted(int64(o.workers))
	results := make(chan result, len(o.entities))
	for _, ent := range o.entities {
		go func(ent catalog.Entity) {
			results <- result{entity: ent, err: o.runJob(ctx, sem, ent)}
		}(ent)
	}

	summary := Summary{RunID: o.runID}
	for i := 0; i < len(o.entities); i++ {
		r := <-results
		table := r.entity.Table.String()
		if r.err != nil {
			o.tracker.setRaw(table, StateError, r.err.Error())
			errs.Incr("table-errors", r.entity.Tag())
			events.Log("Table %{table}s failed: %{error}+v", table, r.err)
		} else {
			o.tracker.setRaw(table, StateSuccess, "")
			events.Log("Table %{table}s finished", table)
		}
		summary.Raw = append(summary.Raw, TableResult{Table: table, Err: r.err})

		if r.err == nil && r.entity.GoldView != "" && o.gold != nil {
			summary.Gold = append(summary.Gold, o.trigger(ctx, r.entity))
		}
	}

	err := summary.Err()
	if err != nil {
		events.Log("Run %{runId}s finished with failures: %{error}s", o.runID, err)
	} else {
		events.Log("Run %{runId}s finished cleanly", o.runID)
	}
	return summary, err
}

func (o *Orchestrator) runJob(ctx context.Context, sem *semaphore.Weighted, ent catalog.Entity) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	o.tracker.setRaw(ent.Table.String(), StateRunning, "")
	job, err := o.newJob(ent)
	if err != nil {
		return errors.Wrapf(err, "create job for %s", ent.Table)
	}
	defer job.Close()
	return job.Run(ctx)
}

// trigger rebuilds the gold table paired with a successfully loaded entity.
// Triggers run in the collector, not the pool, so they never starve pending
// extraction jobs.
func (o *Orchestrator) trigger(ctx context.Context, ent catalog.Entity) TableResult {
	v, err := materialize.Lookup(ent.GoldView)
	if err != nil {
		return TableResult{Table: ent.GoldView, Err: err}
	}
	name := v.TableName()
	o.tracker.setGold(name, StateRunning, "")
	if err := o.gold.Materialize(ctx, v.Name); err != nil {
		o.tracker.setGold(name, StateError, err.Error())
		errs.Incr("gold-trigger-errors", stats.T("view", v.Name))
		events.Log("Gold trigger %{view}s failed: %{error}+v", v.Name, err)
		return TableResult{Table: name, Err: err}
	}
	o.tracker.setGold(name, StateSuccess, "")
	events.Log("Gold table %{table}s rebuilt", name)
	return TableResult{Table: name, Err: nil}
}

// Package etl runs per-entity extract and load jobs against the vendor API
// and the warehouse.
package etl

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/events/v2"
	"github.com/segmentio/stats/v4"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/catalog"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/cisspoder"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/daterange"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/errs"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/logs"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/statedb"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/warehouse"
)

// Phases recorded in the run ledger, one entry per phase-range.
const (
	PhaseFull       = "full"
	PhaseHistorical = "historical"
	PhaseRefresh    = "refresh"
)

type (
	// Extractor pulls every record for one vendor entity, optionally
	// constrained by clauses.
	Extractor interface {
		Extract(ctx context.Context, apiName string, clauses []cisspoder.Clause) ([]json.RawMessage, error)
	}

	// Warehouse is the destination dataset. DeleteRange covers exactly the
	// date range a subsequent Append fills, which is what makes range reruns
	// idempotent.
	Warehouse interface {
		Replace(ctx context.Context, table string, rows []warehouse.Row) error
		Append(ctx context.Context, table string, rows []warehouse.Row) error
		DeleteRange(ctx context.Context, table, field, startDate, endDate string) (int64, error)
	}

	// Archiver stores raw extracted batches before they are loaded.
	Archiver interface {
		Archive(ctx context.Context, table, runID, label string, records []json.RawMessage) error
	}

	// Ledger records finished job phases.
	Ledger interface {
		AppendRun(ctx context.Context, entry statedb.RunEntry) error
	}
)

type (
	// Job extracts one catalog entity and loads it into the warehouse using
	// the entity's idempotency strategy.
	Job struct {
		entity        catalog.Entity
		extractor     Extractor
		warehouse     Warehouse
		archiver      Archiver
		ledger        Ledger
		history       *daterange.Range
		refreshDays   int
		strictArchive bool
		runID         string
		log           *events.Logger
		logFile       io.Closer
		now           func() time.Time
	}
	JobConfig struct {
		Entity    catalog.Entity
		Extractor Extractor
		Warehouse Warehouse

		// Archiver and Ledger are optional. Archive failures only fail the
		// job when StrictArchive is set.
		Archiver      Archiver
		Ledger        Ledger
		StrictArchive bool

		// History bounds the historical phase. Nil skips it. RefreshDays
		// sizes the refresh window; zero or negative skips it.
		History     *daterange.Range
		RefreshDays int

		// LogDir adds a per-entity file log next to the default handler.
		LogDir *logs.Dir
		Debug  bool
	}
)

func JobFromConfig(config JobConfig) (*Job, error) {
	if config.Entity.Table == catalog.TableNameZero {
		return nil, errors.New("job: Entity is required")
	}
	if config.Extractor == nil {
		return nil, errors.New("job: Extractor is required")
	}
	if config.Warehouse == nil {
		return nil, errors.New("job: Warehouse is required")
	}
	job := Job{
		entity:        config.Entity,
		extractor:     config.Extractor,
		warehouse:     config.Warehouse,
		archiver:      config.Archiver,
		ledger:        config.Ledger,
		history:       config.History,
		refreshDays:   config.RefreshDays,
		strictArchive: config.StrictArchive,
		runID:         uuid.New().String(),
		now:           time.Now,
	}
	if config.LogDir != nil {
		job.log, job.logFile = config.LogDir.Logger(config.Entity.Table.String(), config.Debug)
	} else {
		job.log = events.NewLogger(events.DefaultHandler).
			With(events.Args{{Name: "table", Value: config.Entity.Table.String()}})
		job.log.EnableDebug = config.Debug
	}
	return &job, nil
}

func (j *Job) RunID() string {
	return j.runID
}

func (j *Job) Entity() catalog.Entity {
	return j.entity
}

// Close releases the job's file log, if it has one.
func (j *Job) Close() error {
	if j.logFile != nil {
		return j.logFile.Close()
	}
	return nil
}

// Run executes the job to completion. Range errors inside an incremental job
// do not stop the remaining ranges; Run reports them in aggregate.
func (j *Job) Run(ctx context.Context) error {
	started := j.now()
	j.log.Log("Starting %{mode}s job %{runId}s", j.entity.Load, j.runID)

	var err error
	if j.entity.Incremental() {
		err = j.runIncremental(ctx)
	} else {
		err = j.runFull(ctx)
	}

	took := j.now().Sub(started)
	stats.Observe("job-time", took, j.entity.Tag())
	if err != nil {
		errs.Incr("job-errors", j.entity.Tag())
		j.log.Log("Job %{runId}s failed after %{took}v: %{error}+v", j.runID, took, err)
		return err
	}
	j.log.Log("Job %{runId}s finished in %{took}v", j.runID, took)
	return nil
}

// runFull extracts the whole entity and replaces the destination table. An
// empty extraction leaves the current table in place.
func (j *Job) runFull(ctx context.Context) (err error) {
	started := j.now()
	var loaded int64
	defer func() {
		j.appendLedger(ctx, PhaseFull, nil, loaded, started, err)
	}()

	records, err := j.extractor.Extract(ctx, j.entity.APIName, nil)
	if err != nil {
		return errors.Wrapf(err, "extract %s", j.entity.APIName)
	}
	if len(records) == 0 {
		j.log.Log("No records extracted, keeping the current table")
		return nil
	}
	if err = j.archive(ctx, "full", records); err != nil {
		return err
	}
	rows, err := warehouse.NormalizeRecords(records)
	if err != nil {
		return errors.Wrap(err, "normalize records")
	}
	if err = j.warehouse.Replace(ctx, j.entity.Table.String(), rows); err != nil {
		return errors.Wrapf(err, "replace %s", j.entity.Table)
	}
	loaded = int64(len(rows))
	j.log.Log("Replaced %{table}s with %{rows}d rows", j.entity.Table, loaded)
	return nil
}

func (j *Job) runIncremental(ctx context.Context) error {
	var phaseErrs []error

	if j.history != nil {
		ranges := j.historyRanges()
		j.log.Log("Starting historical phase, %{ranges}d ranges over %{window}s",
			len(ranges), j.history)
		if err := j.runRanges(ctx, PhaseHistorical, ranges); err != nil {
			if errs.IsCanceled(err) {
				return err
			}
			phaseErrs = append(phaseErrs, err)
		}
	}

	if j.refreshDays > 0 {
		window := daterange.Recent(j.now(), j.refreshDays)
		j.log.Log("Starting refresh phase over %{window}s", window)
		if err := j.runRanges(ctx, PhaseRefresh, []daterange.Range{window}); err != nil {
			if errs.IsCanceled(err) {
				return err
			}
			phaseErrs = append(phaseErrs, err)
		}
	}

	if j.history == nil && j.refreshDays <= 0 {
		j.log.Log("Nothing to do, no history window and refresh disabled")
	}

	switch len(phaseErrs) {
	case 0:
		return nil
	case 1:
		return phaseErrs[0]
	default:
		return errors.Errorf("%v; %v", phaseErrs[0], phaseErrs[1])
	}
}

func (j *Job) historyRanges() []daterange.Range {
	if j.entity.Ranges == catalog.RangeDaily {
		return daterange.Daily(j.history.Start, j.history.End)
	}
	return daterange.Monthly(j.history.Start, j.history.End)
}

// runRanges works each range in order. A failed range is recorded and skipped
// so one bad window does not sink the rest of the backfill; cancellation
// stops everything.
func (j *Job) runRanges(ctx context.Context, phase string, ranges []daterange.Range) error {
	var failed int
	var firstErr error
	for _, r := range ranges {
		err := j.runRange(ctx, phase, r)
		switch {
		case err == nil:
		case errs.IsCanceled(err):
			return err
		default:
			failed++
			if firstErr == nil {
				firstErr = err
			}
			errs.Incr("range-errors", j.entity.Tag())
			j.log.Log("Range %{range}s failed: %{error}+v", r, err)
		}
	}
	if failed > 0 {
		return errors.Wrapf(firstErr, "%s phase: %d of %d ranges failed", phase, failed, len(ranges))
	}
	return nil
}

// runRange is the delete-range-then-append unit of work. The extraction (and
// everything else that can fail locally) happens before the delete so a
// failed range never leaves a hole in the destination table.
func (j *Job) runRange(ctx context.Context, phase string, r daterange.Range) (err error) {
	started := j.now()
	var loaded int64
	defer func() {
		j.appendLedger(ctx, phase, &r, loaded, started, err)
	}()

	clause := cisspoder.Between(j.entity.FilterField, r.StartBound(), r.EndBound())
	records, err := j.extractor.Extract(ctx, j.entity.APIName, []cisspoder.Clause{clause})
	if err != nil {
		return errors.Wrapf(err, "extract %s %s", j.entity.APIName, r)
	}
	if len(records) == 0 {
		j.log.Log("No records for %{range}s, skipping load", r)
		return nil
	}
	if err = j.archive(ctx, r.String(), records); err != nil {
		return err
	}
	rows, err := warehouse.NormalizeRecords(records)
	if err != nil {
		return errors.Wrap(err, "normalize records")
	}
	deleted, err := j.warehouse.DeleteRange(ctx, j.entity.Table.String(),
		j.entity.FilterField, r.StartDate(), r.EndDate())
	if err != nil {
		return errors.Wrapf(err, "delete range %s", r)
	}
	if err = j.warehouse.Append(ctx, j.entity.Table.String(), rows); err != nil {
		return errors.Wrapf(err, "append %s", j.entity.Table)
	}
	loaded = int64(len(rows))
	stats.Observe("range-time", j.now().Sub(started), j.entity.Tag())
	j.log.Log("Loaded %{rows}d rows for %{range}s, replacing %{deleted}d", loaded, r, deleted)
	return nil
}

func (j *Job) archive(ctx context.Context, label string, records []json.RawMessage) error {
	if j.archiver == nil {
		return nil
	}
	err := j.archiver.Archive(ctx, j.entity.Table.String(), j.runID, label, records)
	if err == nil {
		return nil
	}
	if j.strictArchive {
		return errors.Wrapf(err, "archive %s", label)
	}
	errs.Incr("archive-errors", j.entity.Tag())
	j.log.Log("Archiving %{label}s failed, continuing: %{error}s", label, err)
	return nil
}

func (j *Job) appendLedger(ctx context.Context, phase string, r *daterange.Range, rows int64, started time.Time, runErr error) {
	if j.ledger == nil {
		return
	}
	entry := statedb.RunEntry{
		RunID:      j.runID,
		Table:      j.entity.Table.String(),
		Phase:      phase,
		Rows:       rows,
		Status:     statedb.RunStatusSuccess,
		StartedAt:  started,
		FinishedAt: j.now(),
	}
	if r != nil {
		entry.RangeStart = r.StartDate()
		entry.RangeEnd = r.EndDate()
	}
	if runErr != nil {
		entry.Status = statedb.RunStatusError
		entry.Error = runErr.Error()
	}
	if err := j.ledger.AppendRun(ctx, entry); err != nil {
		errs.Incr("ledger-errors", j.entity.Tag())
		j.log.Log("Appending run ledger entry failed: %{error}s", err)
	}
}

package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/catalog"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/cisspoder"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/daterange"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/statedb"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/warehouse"
)

// jobRecorder collects the operations every fake performs so tests can
// assert their relative order.
type jobRecorder struct {
	ops []string
}

func (r *jobRecorder) add(format string, args ...interface{}) {
	r.ops = append(r.ops, fmt.Sprintf(format, args...))
}

type fakeExtractor struct {
	rec *jobRecorder
	// records and failures are keyed by the clause's start date, or "full"
	// for unclaused extractions.
	records     map[string][]json.RawMessage
	failures    map[string]error
	lastClauses []cisspoder.Clause
}

func extractKey(clauses []cisspoder.Clause) string {
	if len(clauses) == 0 {
		return "full"
	}
	return clauses[0].Values[0][:10]
}

func (f *fakeExtractor) Extract(ctx context.Context, apiName string, clauses []cisspoder.Clause) ([]json.RawMessage, error) {
	f.lastClauses = clauses
	key := extractKey(clauses)
	f.rec.add("extract %s %s", apiName, key)
	if err := f.failures[key]; err != nil {
		return nil, err
	}
	return f.records[key], nil
}

type fakeWarehouse struct {
	rec        *jobRecorder
	replaceErr error
	appendErr  error
	deleteErr  error
	deleted    int64
}

func (f *fakeWarehouse) Replace(ctx context.Context, table string, rows []warehouse.Row) error {
	f.rec.add("replace %s %d", table, len(rows))
	return f.replaceErr
}

func (f *fakeWarehouse) Append(ctx context.Context, table string, rows []warehouse.Row) error {
	f.rec.add("append %s %d", table, len(rows))
	return f.appendErr
}

func (f *fakeWarehouse) DeleteRange(ctx context.Context, table, field, startDate, endDate string) (int64, error) {
	f.rec.add("delete %s %s %s %s", table, field, startDate, endDate)
	return f.deleted, f.deleteErr
}

type fakeArchiver struct {
	rec *jobRecorder
	err error
}

func (f *fakeArchiver) Archive(ctx context.Context, table, runID, label string, records []json.RawMessage) error {
	f.rec.add("archive %s %s %d", table, label, len(records))
	return f.err
}

type fakeLedger struct {
	entries []statedb.RunEntry
}

func (f *fakeLedger) AppendRun(ctx context.Context, entry statedb.RunEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type jobFixture struct {
	rec       *jobRecorder
	extractor *fakeExtractor
	warehouse *fakeWarehouse
	ledger    *fakeLedger
	now       time.Time
}

func newJobFixture() *jobFixture {
	rec := &jobRecorder{}
	return &jobFixture{
		rec:       rec,
		extractor: &fakeExtractor{rec: rec, records: map[string][]json.RawMessage{}, failures: map[string]error{}},
		warehouse: &fakeWarehouse{rec: rec},
		ledger:    &fakeLedger{},
		now:       time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC),
	}
}

func (fx *jobFixture) newJob(t *testing.T, config JobConfig) *Job {
	if config.Extractor == nil {
		config.Extractor = fx.extractor
	}
	if config.Warehouse == nil {
		config.Warehouse = fx.warehouse
	}
	if config.Ledger == nil {
		config.Ledger = fx.ledger
	}
	job, err := JobFromConfig(config)
	require.NoError(t, err)
	job.now = func() time.Time { return fx.now }
	return job
}

func mustEntity(t *testing.T, name string) catalog.Entity {
	ent, err := catalog.Lookup(name)
	require.NoError(t, err)
	return ent
}

func rawRecords(n int) []json.RawMessage {
	out := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, json.RawMessage(fmt.Sprintf(`{"id":%d}`, i+1)))
	}
	return out
}

func TestJobFromConfigValidation(t *testing.T) {
	fx := newJobFixture()
	ent := mustEntity(t, "CAD_LOJAS")

	for _, test := range []struct {
		desc   string
		config JobConfig
	}{
		{desc: "missing entity", config: JobConfig{Extractor: fx.extractor, Warehouse: fx.warehouse}},
		{desc: "missing extractor", config: JobConfig{Entity: ent, Warehouse: fx.warehouse}},
		{desc: "missing warehouse", config: JobConfig{Entity: ent, Extractor: fx.extractor}},
	} {
		t.Run(test.desc, func(t *testing.T) {
			_, err := JobFromConfig(test.config)
			require.Error(t, err)
		})
	}
}

func TestFullJobReplacesTable(t *testing.T) {
	fx := newJobFixture()
	fx.extractor.records["full"] = rawRecords(2)
	job := fx.newJob(t, JobConfig{Entity: mustEntity(t, "CAD_LOJAS")})
	defer job.Close()

	require.NoError(t, job.Run(context.Background()))

	wantOps := []string{
		"extract cad_lojas full",
		"replace CAD_LOJAS 2",
	}
	if diff := cmp.Diff(wantOps, fx.rec.ops); diff != "" {
		t.Errorf("Operations differ\n%v", diff)
	}

	wantEntries := []statedb.RunEntry{
		{
			RunID:      job.RunID(),
			Table:      "CAD_LOJAS",
			Phase:      PhaseFull,
			Rows:       2,
			Status:     statedb.RunStatusSuccess,
			StartedAt:  fx.now,
			FinishedAt: fx.now,
		},
	}
	if diff := cmp.Diff(wantEntries, fx.ledger.entries); diff != "" {
		t.Errorf("Ledger entries differ\n%v", diff)
	}
}

func TestFullJobKeepsTableOnEmptyExtraction(t *testing.T) {
	fx := newJobFixture()
	job := fx.newJob(t, JobConfig{Entity: mustEntity(t, "CAD_PESSOAS")})
	defer job.Close()

	require.NoError(t, job.Run(context.Background()))

	wantOps := []string{"extract cad_pessoas full"}
	if diff := cmp.Diff(wantOps, fx.rec.ops); diff != "" {
		t.Errorf("Operations differ\n%v", diff)
	}
	require.Len(t, fx.ledger.entries, 1)
	require.Equal(t, statedb.RunStatusSuccess, fx.ledger.entries[0].Status)
	require.EqualValues(t, 0, fx.ledger.entries[0].Rows)
}

func TestIncrementalJobDeletesThenAppendsPerRange(t *testing.T) {
	fx := newJobFixture()
	fx.extractor.records["2024-01-01"] = rawRecords(2)
	fx.extractor.records["2024-02-01"] = rawRecords(1)
	history := &daterange.Range{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
	}
	job := fx.newJob(t, JobConfig{
		Entity:  mustEntity(t, "DOCUMENTOS_FISCAIS_SAIDA"),
		History: history,
	})
	defer job.Close()

	require.NoError(t, job.Run(context.Background()))

	wantOps := []string{
		"extract documentos_fiscais_saida 2024-01-01",
		"delete DOCUMENTOS_FISCAIS_SAIDA dtmovimento 2024-01-01 2024-01-31",
		"append DOCUMENTOS_FISCAIS_SAIDA 2",
		"extract documentos_fiscais_saida 2024-02-01",
		"delete DOCUMENTOS_FISCAIS_SAIDA dtmovimento 2024-02-01 2024-02-15",
		"append DOCUMENTOS_FISCAIS_SAIDA 1",
	}
	if diff := cmp.Diff(wantOps, fx.rec.ops); diff != "" {
		t.Errorf("Operations differ\n%v", diff)
	}

	// the clause carries the full-day bounds even though deletes use dates
	require.Equal(t, []cisspoder.Clause{{
		Field:    "dtmovimento",
		Values:   []string{"2024-02-01 00:00:00.000000", "2024-02-15 23:59:59.999999"},
		Operator: "BETWEEN",
	}}, fx.extractor.lastClauses)

	wantEntries := []statedb.RunEntry{
		{
			RunID:      job.RunID(),
			Table:      "DOCUMENTOS_FISCAIS_SAIDA",
			Phase:      PhaseHistorical,
			RangeStart: "2024-01-01",
			RangeEnd:   "2024-01-31",
			Rows:       2,
			Status:     statedb.RunStatusSuccess,
			StartedAt:  fx.now,
			FinishedAt: fx.now,
		},
		{
			RunID:      job.RunID(),
			Table:      "DOCUMENTOS_FISCAIS_SAIDA",
			Phase:      PhaseHistorical,
			RangeStart: "2024-02-01",
			RangeEnd:   "2024-02-15",
			Rows:       1,
			Status:     statedb.RunStatusSuccess,
			StartedAt:  fx.now,
			FinishedAt: fx.now,
		},
	}
	if diff := cmp.Diff(wantEntries, fx.ledger.entries); diff != "" {
		t.Errorf("Ledger entries differ\n%v", diff)
	}
}

func TestIncrementalJobSkipsEmptyRanges(t *testing.T) {
	fx := newJobFixture()
	fx.extractor.records["2024-01-01"] = rawRecords(3)
	history := &daterange.Range{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
	}
	job := fx.newJob(t, JobConfig{
		Entity:  mustEntity(t, "DOCUMENTOS_FISCAIS_SAIDA"),
		History: history,
	})
	defer job.Close()

	require.NoError(t, job.Run(context.Background()))

	wantOps := []string{
		"extract documentos_fiscais_saida 2024-01-01",
		"delete DOCUMENTOS_FISCAIS_SAIDA dtmovimento 2024-01-01 2024-01-31",
		"append DOCUMENTOS_FISCAIS_SAIDA 3",
		"extract documentos_fiscais_saida 2024-02-01",
	}
	if diff := cmp.Diff(wantOps, fx.rec.ops); diff != "" {
		t.Errorf("Operations differ\n%v", diff)
	}
}

func TestIncrementalJobAbortsRangeBeforeMutation(t *testing.T) {
	fx := newJobFixture()
	fx.extractor.failures["2024-01-01"] = errors.New("boom")
	fx.extractor.records["2024-02-01"] = rawRecords(1)
	history := &daterange.Range{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
	}
	job := fx.newJob(t, JobConfig{
		Entity:  mustEntity(t, "DOCUMENTOS_FISCAIS_SAIDA"),
		History: history,
	})
	defer job.Close()

	err := job.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 2 ranges failed")

	// the failed range never touched the warehouse, the healthy one did
	wantOps := []string{
		"extract documentos_fiscais_saida 2024-01-01",
		"extract documentos_fiscais_saida 2024-02-01",
		"delete DOCUMENTOS_FISCAIS_SAIDA dtmovimento 2024-02-01 2024-02-15",
		"append DOCUMENTOS_FISCAIS_SAIDA 1",
	}
	if diff := cmp.Diff(wantOps, fx.rec.ops); diff != "" {
		t.Errorf("Operations differ\n%v", diff)
	}

	require.Len(t, fx.ledger.entries, 2)
	require.Equal(t, statedb.RunStatusError, fx.ledger.entries[0].Status)
	require.Contains(t, fx.ledger.entries[0].Error, "boom")
	require.Equal(t, statedb.RunStatusSuccess, fx.ledger.entries[1].Status)
}

func TestIncrementalJobRefreshWindow(t *testing.T) {
	fx := newJobFixture()
	fx.extractor.records["2024-03-10"] = rawRecords(4)
	job := fx.newJob(t, JobConfig{
		Entity:      mustEntity(t, "DOCUMENTOS_FISCAIS_SAIDA"),
		RefreshDays: 10,
	})
	defer job.Close()

	require.NoError(t, job.Run(context.Background()))

	wantOps := []string{
		"extract documentos_fiscais_saida 2024-03-10",
		"delete DOCUMENTOS_FISCAIS_SAIDA dtmovimento 2024-03-10 2024-03-20",
		"append DOCUMENTOS_FISCAIS_SAIDA 4",
	}
	if diff := cmp.Diff(wantOps, fx.rec.ops); diff != "" {
		t.Errorf("Operations differ\n%v", diff)
	}
	require.Len(t, fx.ledger.entries, 1)
	require.Equal(t, PhaseRefresh, fx.ledger.entries[0].Phase)
}

func TestIncrementalJobDailyRanges(t *testing.T) {
	fx := newJobFixture()
	fx.extractor.records["2024-01-01"] = rawRecords(1)
	fx.extractor.records["2024-01-02"] = rawRecords(1)
	history := &daterange.Range{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	job := fx.newJob(t, JobConfig{
		Entity:  mustEntity(t, "PAGAMENTOS_DOCUMENTOS_FISCAIS_ENTRADA"),
		History: history,
	})
	defer job.Close()

	require.NoError(t, job.Run(context.Background()))

	wantOps := []string{
		"extract pagamentos_documentos_fiscais_entrada 2024-01-01",
		"delete PAGAMENTOS_DOCUMENTOS_FISCAIS_ENTRADA dtmovimento 2024-01-01 2024-01-01",
		"append PAGAMENTOS_DOCUMENTOS_FISCAIS_ENTRADA 1",
		"extract pagamentos_documentos_fiscais_entrada 2024-01-02",
		"delete PAGAMENTOS_DOCUMENTOS_FISCAIS_ENTRADA dtmovimento 2024-01-02 2024-01-02",
		"append PAGAMENTOS_DOCUMENTOS_FISCAIS_ENTRADA 1",
	}
	if diff := cmp.Diff(wantOps, fx.rec.ops); diff != "" {
		t.Errorf("Operations differ\n%v", diff)
	}
}

func TestJobArchivesBeforeLoading(t *testing.T) {
	fx := newJobFixture()
	fx.extractor.records["2024-03-10"] = rawRecords(2)
	job := fx.newJob(t, JobConfig{
		Entity:      mustEntity(t, "DOCUMENTOS_FISCAIS_SAIDA"),
		RefreshDays: 10,
		Archiver:    &fakeArchiver{rec: fx.rec},
	})
	defer job.Close()

	require.NoError(t, job.Run(context.Background()))

	wantOps := []string{
		"extract documentos_fiscais_saida 2024-03-10",
		"archive DOCUMENTOS_FISCAIS_SAIDA 2024-03-10..2024-03-20 2",
		"delete DOCUMENTOS_FISCAIS_SAIDA dtmovimento 2024-03-10 2024-03-20",
		"append DOCUMENTOS_FISCAIS_SAIDA 2",
	}
	if diff := cmp.Diff(wantOps, fx.rec.ops); diff != "" {
		t.Errorf("Operations differ\n%v", diff)
	}
}

func TestJobArchiveFailureModes(t *testing.T) {
	t.Run("lax archiving logs and loads anyway", func(t *testing.T) {
		fx := newJobFixture()
		fx.extractor.records["2024-03-10"] = rawRecords(1)
		job := fx.newJob(t, JobConfig{
			Entity:      mustEntity(t, "DOCUMENTOS_FISCAIS_SAIDA"),
			RefreshDays: 10,
			Archiver:    &fakeArchiver{rec: fx.rec, err: errors.New("bucket gone")},
		})
		defer job.Close()

		require.NoError(t, job.Run(context.Background()))
		require.Contains(t, fx.rec.ops, "append DOCUMENTOS_FISCAIS_SAIDA 1")
	})

	t.Run("strict archiving fails before any mutation", func(t *testing.T) {
		fx := newJobFixture()
		fx.extractor.records["2024-03-10"] = rawRecords(1)
		job := fx.newJob(t, JobConfig{
			Entity:        mustEntity(t, "DOCUMENTOS_FISCAIS_SAIDA"),
			RefreshDays:   10,
			Archiver:      &fakeArchiver{rec: fx.rec, err: errors.New("bucket gone")},
			StrictArchive: true,
		})
		defer job.Close()

		require.Error(t, job.Run(context.Background()))
		wantOps := []string{
			"extract documentos_fiscais_saida 2024-03-10",
			"archive DOCUMENTOS_FISCAIS_SAIDA 2024-03-10..2024-03-20 1",
		}
		if diff := cmp.Diff(wantOps, fx.rec.ops); diff != "" {
			t.Errorf("Operations differ\n%v", diff)
		}
	})
}

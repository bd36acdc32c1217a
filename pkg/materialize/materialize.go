package materialize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/events/v2"
	"github.com/segmentio/stats/v4"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/errs"
)

const DefaultDataset = "GOLD_JUMA"

// Runner executes one warehouse statement. *warehouse.BQLoader satisfies it.
type Runner interface {
	Exec(ctx context.Context, sql string) error
}

type (
	// Materializer turns gold views into partitioned, clustered tables by
	// dropping and recreating each table from its view.
	Materializer struct {
		runner  Runner
		project string
		dataset string
	}
	MaterializerConfig struct {
		Runner  Runner
		Project string
		Dataset string
	}
)

func MaterializerFromConfig(config MaterializerConfig) (*Materializer, error) {
	if config.Runner == nil {
		return nil, errors.New("materializer: Runner is required")
	}
	if config.Project == "" {
		return nil, errors.New("materializer: Project is required")
	}
	if config.Dataset == "" {
		config.Dataset = DefaultDataset
	}
	return &Materializer{
		runner:  config.Runner,
		project: config.Project,
		dataset: config.Dataset,
	}, nil
}

func (m *Materializer) tableID(name string) string {
	return fmt.Sprintf("%s.%s.%s", m.project, m.dataset, name)
}

func (m *Materializer) dropDDL(v View) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS `%s`", m.tableID(v.TableName()))
}

// createDDL rebuilds the table from its view. The partition and cluster
// specs only apply at creation, which is why the table is dropped first
// instead of truncated.
func (m *Materializer) createDDL(v View) string {
	return fmt.Sprintf("CREATE TABLE `%s` PARTITION BY %s CLUSTER BY %s AS SELECT * FROM `%s`",
		m.tableID(v.TableName()), v.Partition, strings.Join(v.Cluster, ", "), m.tableID(v.Name))
}

// Materialize rebuilds one gold table from its view.
func (m *Materializer) Materialize(ctx context.Context, viewName string) error {
	v, err := Lookup(viewName)
	if err != nil {
		return err
	}
	started := time.Now()
	events.Log("Materializing %{view}s into %{table}s", v.Name, v.TableName())
	if err := m.runner.Exec(ctx, m.dropDDL(v)); err != nil {
		errs.Incr("materialize-errors", stats.T("view", v.Name))
		return errors.Wrapf(err, "drop %s", v.TableName())
	}
	if err := m.runner.Exec(ctx, m.createDDL(v)); err != nil {
		errs.Incr("materialize-errors", stats.T("view", v.Name))
		return errors.Wrapf(err, "create %s", v.TableName())
	}
	stats.Observe("materialize-time", time.Since(started), stats.T("view", v.Name))
	events.Log("Materialized %{table}s in %{took}v", v.TableName(), time.Since(started))
	return nil
}

// Result is the outcome of one table in a batch materialization.
type Result struct {
	View View
	Err  error
}

// MaterializeAll rebuilds every registered gold table in order. One table
// failing does not stop the rest; the caller inspects the results.
func (m *Materializer) MaterializeAll(ctx context.Context) []Result {
	out := make([]Result, 0, len(views))
	for _, v := range views {
		err := m.Materialize(ctx, v.Name)
		out = append(out, Result{View: v, Err: err})
		if err != nil && errs.IsCanceled(err) {
			break
		}
	}
	return out
}

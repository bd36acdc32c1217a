package warehouse

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bq "cloud.google.com/go/bigquery"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/segmentio/events/v2"
	"github.com/segmentio/stats/v4"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type (
	// BQLoader is the BigQuery implementation of the warehouse. A single
	// loader is shared by every job in a run; the underlying client is
	// rebuilt when the credentials file rotates.
	BQLoader struct {
		projectID string
		dataset   string
		credsFile string

		mut    sync.Mutex
		client *bq.Client
	}
	BQLoaderConfig struct {
		ProjectID string
		DatasetID string
		// CredentialsFile points at a service account key. Empty means
		// ambient application default credentials.
		CredentialsFile string
	}
)

func BQLoaderFromConfig(ctx context.Context, config BQLoaderConfig) (*BQLoader, error) {
	if config.ProjectID == "" {
		return nil, errors.New("loader requires a project id")
	}
	if config.DatasetID == "" {
		return nil, errors.New("loader requires a dataset id")
	}
	if config.CredentialsFile != "" {
		if _, err := os.Stat(config.CredentialsFile); err != nil {
			return nil, errors.Wrap(err, "stat credentials file")
		}
	}
	l := &BQLoader{
		projectID: config.ProjectID,
		dataset:   config.DatasetID,
		credsFile: config.CredentialsFile,
	}
	// build the client now so bad credentials fail startup, not the first job
	if _, err := l.getClient(ctx); err != nil {
		return nil, err
	}
	if l.credsFile != "" {
		if err := l.watchCredentials(ctx); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *BQLoader) Close() error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.client != nil {
		err := l.client.Close()
		l.client = nil
		return err
	}
	return nil
}

func (l *BQLoader) getClient(ctx context.Context) (*bq.Client, error) {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.client != nil {
		return l.client, nil
	}
	var opts []option.ClientOption
	if l.credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(l.credsFile))
	}
	client, err := bq.NewClient(ctx, l.projectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create bigquery client")
	}
	l.client = client
	return client, nil
}

func (l *BQLoader) invalidateClient() {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
}

// watchCredentials invalidates the cached client when the credentials file
// changes, so rotated service account keys are picked up without a restart.
// The parent dir is watched too because rotation is usually a rename.
func (l *BQLoader) watchCredentials(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	go func() {
		<-ctx.Done()
		if err := watcher.Close(); err != nil {
			events.Log("Could not close credentials watcher: %{err}s", err)
		}
	}()
	paths := []string{l.credsFile, filepath.Dir(l.credsFile)}
	for _, w := range paths {
		if err := watcher.Add(w); err != nil {
			return errors.Wrapf(err, "could not watch '%s'", w)
		}
	}
	// fsnotify recommends reading the error and events chans from
	// separate goroutines.
	go func() {
		for {
			select {
			case err := <-watcher.Errors:
				events.Log("Credentials watcher error: %{err}s", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		for {
			select {
			case event := <-watcher.Events:
				if event.Name != l.credsFile {
					continue
				}
				switch event.Op {
				case fsnotify.Write, fsnotify.Create, fsnotify.Rename:
					events.Log("Credentials file changed, client will be rebuilt")
					l.invalidateClient()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// EnsureDataset creates the destination dataset when it does not exist yet.
func (l *BQLoader) EnsureDataset(ctx context.Context) error {
	client, err := l.getClient(ctx)
	if err != nil {
		return err
	}
	dataset := client.Dataset(l.dataset)
	_, err = dataset.Metadata(ctx)
	if err == nil {
		return nil
	}
	if allowNotFound(err) != nil {
		return errors.Wrapf(err, "dataset %s metadata", l.dataset)
	}
	events.Log("Dataset %{dataset}s does not exist, creating", l.dataset)
	err = dataset.Create(ctx, &bq.DatasetMetadata{Name: l.dataset})
	if err != nil {
		return errors.Wrapf(err, "create dataset %s", l.dataset)
	}
	return nil
}

// Replace loads rows into the table, truncating whatever was there.
func (l *BQLoader) Replace(ctx context.Context, table string, rows []Row) error {
	return l.load(ctx, table, rows, bq.WriteTruncate)
}

// Append loads rows into the table on top of the existing contents.
func (l *BQLoader) Append(ctx context.Context, table string, rows []Row) error {
	return l.load(ctx, table, rows, bq.WriteAppend)
}

func (l *BQLoader) load(ctx context.Context, table string, rows []Row, disposition bq.TableWriteDisposition) error {
	if len(rows) == 0 {
		events.Log("No rows to load into %{table}s, skipping load job", table)
		return nil
	}
	client, err := l.getClient(ctx)
	if err != nil {
		return err
	}
	r, err := ndjson(rows)
	if err != nil {
		return err
	}
	source := bq.NewReaderSource(r)
	source.SourceFormat = bq.JSON
	source.AutoDetect = true
	loader := client.Dataset(l.dataset).Table(table).LoaderFrom(source)
	loader.WriteDisposition = disposition

	start := time.Now()
	job, err := loader.Run(ctx)
	if err != nil {
		return errors.Wrapf(err, "start load job for %s", table)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return errors.Wrapf(err, "wait for load job for %s", table)
	}
	if err := status.Err(); err != nil {
		return errors.Wrapf(err, "load job for %s", table)
	}
	stats.Observe("load-job-time", time.Since(start), stats.T("table", table))
	stats.Add("rows-loaded", len(rows), stats.T("table", table))
	events.Log("Loaded %{count}d rows into %{table}s (%{disposition}s)", len(rows), table, disposition)
	return nil
}

func deleteRangeSQL(dataset, table, field string) string {
	return fmt.Sprintf(
		"DELETE FROM `%s.%s` WHERE DATE(%s) BETWEEN DATE(@range_start) AND DATE(@range_end)",
		dataset, table, field)
}

// DeleteRange removes the rows whose filter field falls inside the inclusive
// date range, returning how many went away. A missing table counts as zero
// rows, which makes the first run against a fresh dataset work.
func (l *BQLoader) DeleteRange(ctx context.Context, table, field, startDate, endDate string) (int64, error) {
	client, err := l.getClient(ctx)
	if err != nil {
		return 0, err
	}
	q := client.Query(deleteRangeSQL(l.dataset, table, field))
	q.Parameters = []bq.QueryParameter{
		{Name: "range_start", Value: startDate},
		{Name: "range_end", Value: endDate},
	}
	job, err := q.Run(ctx)
	if err != nil {
		if allowNotFound(err) == nil {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "start delete for %s", table)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		if allowNotFound(err) == nil {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "wait for delete for %s", table)
	}
	if err := status.Err(); err != nil {
		if allowNotFound(err) == nil {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "delete from %s", table)
	}
	var affected int64
	if qs, ok := status.Statistics.Details.(*bq.QueryStatistics); ok {
		affected = qs.NumDMLAffectedRows
	}
	stats.Add("rows-deleted", affected, stats.T("table", table))
	events.Log("Deleted %{count}d rows from %{table}s for %{start}s..%{end}s",
		affected, table, startDate, endDate)
	return affected, nil
}

// Exec runs a standalone statement, for DDL that has no parameters.
func (l *BQLoader) Exec(ctx context.Context, sql string) error {
	client, err := l.getClient(ctx)
	if err != nil {
		return err
	}
	job, err := client.Query(sql).Run(ctx)
	if err != nil {
		return errors.Wrap(err, "start statement")
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return errors.Wrap(err, "wait for statement")
	}
	return errors.Wrap(status.Err(), "statement failed")
}

func allowNotFound(err error) error {
	var gerr *googleapi.Error
	if stderrors.As(err, &gerr) && gerr.Code == 404 {
		return nil
	}
	return err
}

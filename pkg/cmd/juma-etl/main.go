package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/segmentio/conf"
	"github.com/segmentio/errors-go"
	"github.com/segmentio/events/v2"
	_ "github.com/segmentio/events/v2/sigevents"
	"github.com/segmentio/stats/v4"
	"github.com/segmentio/stats/v4/datadog"
	"github.com/segmentio/stats/v4/procstats"
	"github.com/segmentio/stats/v4/prometheus"

	"github.com/fe-malveira-87/poc-juma-etl/pkg/archive"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/catalog"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/cisspoder"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/daterange"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/errs"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/etl"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/logs"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/materialize"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/orchestrator"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/statedb"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/status"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/utils"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/version"
	"github.com/fe-malveira-87/poc-juma-etl/pkg/warehouse"
)

type dogstatsdConfig struct {
	Address    string        `conf:"address" help:"Address of the dogstatsd agent that will receive metrics"`
	BufferSize int           `conf:"buffer-size" help:"Size of the statsd metrics buffer" validate:"min=0"`
	FlushEvery time.Duration `conf:"flush-every" help:"Flush AT LEAST this frequently"`
}

type apiConfig struct {
	AuthURL      string        `conf:"auth-url" help:"Vendor token endpoint URL" validate:"nonzero"`
	ServiceURL   string        `conf:"service-url" help:"Vendor service base URL" validate:"nonzero"`
	Username     string        `conf:"username" help:"Vendor account username" validate:"nonzero"`
	Password     string        `conf:"password" help:"Vendor account password" validate:"nonzero"`
	ClientID     string        `conf:"client-id" help:"OAuth client id" validate:"nonzero"`
	ClientSecret string        `conf:"client-secret" help:"OAuth client secret"`
	GrantType    string        `conf:"grant-type" help:"OAuth grant type"`
	TokenTTL     time.Duration `conf:"token-ttl" help:"How long a fetched token is reused"`
	PageTimeout  time.Duration `conf:"page-timeout" help:"HTTP timeout for a single extraction page"`
	MaxAttempts  int           `conf:"max-attempts" help:"Attempts per page before giving up" validate:"min=0"`
	RetryDelay   time.Duration `conf:"retry-delay" help:"Base delay between page retries"`
}

type gcpConfig struct {
	Project         string `conf:"project" help:"GCP project id" validate:"nonzero"`
	Dataset         string `conf:"dataset" help:"BigQuery dataset receiving extracted tables"`
	GoldDataset     string `conf:"gold-dataset" help:"BigQuery dataset holding the materialized gold tables"`
	CredentialsFile string `conf:"credentials-file" help:"Service account key file, falls back to GOOGLE_APPLICATION_CREDENTIALS"`
}

type etlCliConfig struct {
	API            apiConfig       `conf:"api" help:"Vendor API configuration"`
	GCP            gcpConfig       `conf:"gcp" help:"Google Cloud configuration"`
	Table          string          `conf:"table" help:"Catalog table to run (table command)"`
	Tables         []string        `conf:"tables" help:"Limit the run to these catalog tables"`
	HistoryStart   string          `conf:"history-start" help:"First day of the historical window (YYYY-MM-DD)"`
	HistoryEnd     string          `conf:"history-end" help:"Last day of the historical window (YYYY-MM-DD)"`
	RefreshDays    int             `conf:"refresh-days" help:"Days back the refresh phase reloads" validate:"min=0"`
	Workers        int             `conf:"workers" help:"Parallel table jobs, 0 means one per CPU" validate:"min=0"`
	StateDB        string          `conf:"state-db" help:"Path to the state database"`
	LogDir         string          `conf:"log-dir" help:"Directory for per-table log files"`
	ArchiveURL     string          `conf:"archive-url" help:"Archive destination for raw extracts (file:// or s3://)"`
	StrictArchive  bool            `conf:"strict-archive" help:"Fail a job phase when archiving fails"`
	StatusBindAddr string          `conf:"status-bind-addr" help:"Serve run status and metrics on this address"`
	Debug          bool            `conf:"debug" help:"Turns on debug logging"`
	Dogstatsd      dogstatsdConfig `conf:"dogstatsd" help:"dogstatsd Configuration"`
}

// Printable returns a "pretty" stringified version of the config
func (c etlCliConfig) Printable() string {
	c.API.Password = "<REDACTED>"
	c.API.ClientSecret = "<REDACTED>"
	return fmt.Sprintf("%+v", c)
}

type materializeCliConfig struct {
	GCP       gcpConfig       `conf:"gcp" help:"Google Cloud configuration"`
	Views     []string        `conf:"views" help:"Limit the rebuild to these gold views"`
	Debug     bool            `conf:"debug" help:"Turns on debug logging"`
	Dogstatsd dogstatsdConfig `conf:"dogstatsd" help:"dogstatsd Configuration"`
}

func loadConfig(config interface{}, name string, args []string, help ...string) {
	var usage string

	if len(help) != 0 {
		usage = strings.Join(help, " ")
	}

	conf.LoadWith(config, conf.Loader{
		Name:  "juma-etl " + name,
		Args:  args,
		Usage: usage,
		Sources: []conf.Source{
			conf.NewEnvSource("JUMA", os.Environ()...),
		},
	})
}

func main() {
	ld := conf.Loader{
		Name: "juma-etl",
		Args: os.Args[1:],
		Commands: []conf.Command{
			{Name: "version", Help: "Get the juma-etl version"},
			{Name: "run", Help: "Extract and load every catalog table"},
			{Name: "table", Help: "Extract and load a single catalog table"},
			{Name: "materialize", Help: "Rebuild the gold tables from their views"},
			{Name: "catalog", Help: "Print the table catalog"},
		},
	}

	ctx, cancel := events.WithSignals(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events.DefaultLogger.EnableDebug = false

	var err error
	switch cmd, args := conf.LoadWith(nil, ld); cmd {
	case "version":
		fmt.Println(version.Get())
	case "run":
		err = run(ctx, args)
	case "table":
		err = table(ctx, args)
	case "materialize":
		err = materializeGold(ctx, args)
	case "catalog":
		printCatalog()
	default:
		panic("inconceivable")
	}
	if err != nil && !errs.IsCanceled(err) {
		os.Exit(1)
	}
}

func enableDebug() {
	events.DefaultLogger.EnableDebug = true
	events.DefaultLogger.EnableSource = true
}

func defaultDogstatsdConfig() dogstatsdConfig {
	return dogstatsdConfig{
		BufferSize: 1024,
		FlushEvery: 5 * time.Second,
	}
}

func defaultGCPConfig() gcpConfig {
	return gcpConfig{
		GoldDataset: materialize.DefaultDataset,
	}
}

func defaultETLCLIConfig() etlCliConfig {
	return etlCliConfig{
		API: apiConfig{
			GrantType:   "password",
			TokenTTL:    cisspoder.DefaultTokenTTL,
			PageTimeout: 15 * time.Minute,
			MaxAttempts: cisspoder.DefaultMaxAttempts,
			RetryDelay:  cisspoder.DefaultRetryDelay,
		},
		GCP:         defaultGCPConfig(),
		RefreshDays: 10,
		StateDB:     statedb.DefaultFilename,
		Dogstatsd:   defaultDogstatsdConfig(),
	}
}

type dogstatsdOpts struct {
	config            dogstatsdConfig
	statsPrefix       string
	prometheusHandler *prometheus.Handler
}

func configureDogstatsd(ctx context.Context, opts dogstatsdOpts) (dd *datadog.Client, teardown func()) {
	config := opts.config
	if opts.statsPrefix == "" {
		panic("configureDogstatsd: Invalid statsPrefix passed. Stop.")
	}

	if config.Address != "" {
		dd = datadog.NewClientWith(datadog.ClientConfig{
			Address:    config.Address,
			BufferSize: config.BufferSize,
		})
		stats.Register(dd)

		events.Log("Setup dogstatsd with addr:%{addr}s, buffersize:%{buffersize}d, prefix:%{pfx}s, version:%{version}s",
			config.Address, config.BufferSize, opts.statsPrefix, version.Get())
	}

	if opts.prometheusHandler != nil {
		stats.Register(opts.prometheusHandler)
	}

	if stats.DefaultEngine.Handler != stats.Discard {
		stats.DefaultEngine.Prefix = fmt.Sprintf("juma.%s", opts.statsPrefix)
		stats.DefaultEngine.Tags = append(stats.DefaultEngine.Tags, stats.Tag{Name: "version", Value: version.Get()})
		stats.DefaultEngine.Tags = stats.SortTags(stats.DefaultEngine.Tags) // tags must be sorted

		c := procstats.StartCollector(procstats.NewGoMetrics())

		go utils.CtxLoop(ctx, config.FlushEvery, stats.Flush)
		return dd, func() {
			c.Close()
			stats.Flush()
		}
	}
	// nothing to be done for teardown here
	return dd, func() {}
}

func run(ctx context.Context, args []string) error {
	cliCfg := defaultETLCLIConfig()
	loadConfig(&cliCfg, "run", args, "Extract every catalog table from the vendor API and load it into BigQuery")
	return runTables(ctx, cliCfg, cliCfg.Tables)
}

func table(ctx context.Context, args []string) error {
	cliCfg := defaultETLCLIConfig()
	loadConfig(&cliCfg, "table", args, "Extract one catalog table from the vendor API and load it into BigQuery")
	if cliCfg.Table == "" {
		events.Log("A table name is required, e.g. -table CAD_LOJAS")
		return errors.New("no table name given")
	}
	return runTables(ctx, cliCfg, []string{cliCfg.Table})
}

func runTables(ctx context.Context, cliCfg etlCliConfig, names []string) error {
	if cliCfg.Debug {
		enableDebug()
	}
	events.Log("Config: %{config}s", cliCfg.Printable())

	var promHandler *prometheus.Handler
	if cliCfg.StatusBindAddr != "" {
		promHandler = &prometheus.Handler{}
	}
	_, teardown := configureDogstatsd(ctx, dogstatsdOpts{
		config:            cliCfg.Dogstatsd,
		statsPrefix:       "etl",
		prometheusHandler: promHandler,
	})
	defer teardown()

	p, err := newPipeline(ctx, cliCfg, names, promHandler)
	if err != nil {
		events.Log("Fatal error starting ETL run: %{error}+v", err)
		errs.IncrDefault(stats.T("op", "startup"))
		return err
	}
	defer p.teardowns.Teardown()

	summary, err := p.run(ctx)
	printSummary(summary)
	return err
}

// pipeline is a fully wired run: the vendor extractor, the warehouse loader,
// the orchestrator, and the optional status server.
type pipeline struct {
	orch      *orchestrator.Orchestrator
	status    *status.Server
	teardowns utils.Teardowns
}

func newPipeline(ctx context.Context, cliCfg etlCliConfig, names []string, promHandler *prometheus.Handler) (p *pipeline, err error) {
	p = &pipeline{}
	defer func() {
		if err != nil {
			p.teardowns.Teardown()
		}
	}()

	entities, err := selectEntities(names)
	if err != nil {
		return nil, err
	}
	if cliCfg.GCP.Dataset == "" {
		return nil, errors.New("a destination dataset is required (-gcp-dataset)")
	}

	stateDB, err := statedb.Open(cliCfg.StateDB)
	if err != nil {
		return nil, errors.Wrap(err, "open state db")
	}
	p.teardowns.Add(func() { stateDB.Close() })

	tokens, err := cisspoder.TokenSourceFromConfig(cisspoder.TokenSourceConfig{
		AuthURL:      cliCfg.API.AuthURL,
		Username:     cliCfg.API.Username,
		Password:     cliCfg.API.Password,
		ClientID:     cliCfg.API.ClientID,
		ClientSecret: cliCfg.API.ClientSecret,
		GrantType:    cliCfg.API.GrantType,
		TTL:          cliCfg.API.TokenTTL,
		Cache:        stateDB,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build token source")
	}

	extractor, err := cisspoder.ExtractorFromConfig(cisspoder.ExtractorConfig{
		ServiceURL:  cliCfg.API.ServiceURL,
		Tokens:      tokens,
		HTTPClient:  &http.Client{Timeout: cliCfg.API.PageTimeout},
		MaxAttempts: cliCfg.API.MaxAttempts,
		RetryDelay:  cliCfg.API.RetryDelay,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build extractor")
	}

	loader, err := warehouse.BQLoaderFromConfig(ctx, warehouse.BQLoaderConfig{
		ProjectID:       cliCfg.GCP.Project,
		DatasetID:       cliCfg.GCP.Dataset,
		CredentialsFile: credentialsFile(cliCfg.GCP),
	})
	if err != nil {
		return nil, errors.Wrap(err, "build warehouse loader")
	}
	p.teardowns.Add(func() { loader.Close() })

	if err := loader.EnsureDataset(ctx); err != nil {
		return nil, errors.Wrap(err, "ensure dataset")
	}

	var archiver *archive.Archiver
	if cliCfg.ArchiveURL != "" {
		archiver, err = archive.ArchiverFromConfig(archive.ArchiverConfig{URL: cliCfg.ArchiveURL})
		if err != nil {
			return nil, errors.Wrap(err, "build archiver")
		}
	}

	var logDir *logs.Dir
	if cliCfg.LogDir != "" {
		logDir, err = logs.DirFromConfig(logs.DirConfig{Path: cliCfg.LogDir})
		if err != nil {
			return nil, errors.Wrap(err, "build log dir")
		}
	}

	history, err := historyRange(cliCfg)
	if err != nil {
		return nil, err
	}

	materializer, err := materialize.MaterializerFromConfig(materialize.MaterializerConfig{
		Runner:  loader,
		Project: cliCfg.GCP.Project,
		Dataset: cliCfg.GCP.GoldDataset,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build materializer")
	}

	newJob := func(ent catalog.Entity) (orchestrator.Job, error) {
		jobCfg := etl.JobConfig{
			Entity:        ent,
			Extractor:     extractor,
			Warehouse:     loader,
			Ledger:        stateDB,
			StrictArchive: cliCfg.StrictArchive,
			History:       history,
			RefreshDays:   cliCfg.RefreshDays,
			LogDir:        logDir,
			Debug:         cliCfg.Debug,
		}
		// a nil *archive.Archiver must not become a non-nil Archiver
		if archiver != nil {
			jobCfg.Archiver = archiver
		}
		return etl.JobFromConfig(jobCfg)
	}

	p.orch, err = orchestrator.FromConfig(orchestrator.Config{
		Entities: entities,
		NewJob:   newJob,
		Gold:     materializer,
		Workers:  cliCfg.Workers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build orchestrator")
	}

	if cliCfg.StatusBindAddr != "" {
		statusCfg := status.Config{
			BindAddr: cliCfg.StatusBindAddr,
			Source:   p.orch.Tracker(),
		}
		if promHandler != nil {
			statusCfg.Metrics = promHandler
		}
		p.status, err = status.ServerFromConfig(statusCfg)
		if err != nil {
			return nil, errors.Wrap(err, "build status server")
		}
	}
	return p, nil
}

func (p *pipeline) run(ctx context.Context) (orchestrator.Summary, error) {
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	if p.status != nil {
		go func() {
			if err := p.status.Start(srvCtx); err != nil {
				events.Log("Status server failed: %{error}s", err)
				errs.Incr("status-server-errors")
			}
		}()
	}
	go utils.CtxFireLoop(srvCtx, time.Minute, func() {
		logProgress(p.orch.Tracker().Snapshot())
	})
	return p.orch.Run(ctx)
}

func logProgress(snap orchestrator.Snapshot) {
	counts := map[orchestrator.State]int{}
	for _, state := range snap.Raw {
		counts[state.State]++
	}
	events.Log("Run %{runId}s progress: %{success}d succeeded, %{running}d running, %{pending}d pending, %{failed}d failed",
		snap.RunID,
		counts[orchestrator.StateSuccess],
		counts[orchestrator.StateRunning],
		counts[orchestrator.StatePending],
		counts[orchestrator.StateError])
}

func selectEntities(names []string) ([]catalog.Entity, error) {
	if len(names) == 0 {
		return catalog.Entities(), nil
	}
	out := make([]catalog.Entity, 0, len(names))
	for _, name := range names {
		ent, err := catalog.Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}

// historyRange parses the historical window bounds. Both empty disables the
// historical phase.
func historyRange(cliCfg etlCliConfig) (*daterange.Range, error) {
	switch {
	case cliCfg.HistoryStart == "" && cliCfg.HistoryEnd == "":
		return nil, nil
	case cliCfg.HistoryStart == "" || cliCfg.HistoryEnd == "":
		return nil, errors.New("history-start and history-end must both be set")
	}
	start, err := daterange.ParseDay(cliCfg.HistoryStart)
	if err != nil {
		return nil, errors.Wrap(err, "history-start")
	}
	end, err := daterange.ParseDay(cliCfg.HistoryEnd)
	if err != nil {
		return nil, errors.Wrap(err, "history-end")
	}
	if end.Before(start) {
		return nil, errors.Errorf("history window ends (%s) before it starts (%s)",
			cliCfg.HistoryEnd, cliCfg.HistoryStart)
	}
	return &daterange.Range{Start: start, End: end}, nil
}

// credentialsFile is the configured key file path, or the conventional
// environment variable when no flag was given.
func credentialsFile(cfg gcpConfig) string {
	if cfg.CredentialsFile != "" {
		return cfg.CredentialsFile
	}
	return os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
}

func printSummary(summary orchestrator.Summary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.TabIndent)
	fmt.Fprintln(w, "TABLE\tRESULT")
	fmt.Fprintln(w, "-----\t------")
	for _, results := range [][]orchestrator.TableResult{summary.Raw, summary.Gold} {
		for _, res := range results {
			if res.Err != nil {
				fmt.Fprintf(w, "%s\terror: %v\n", res.Table, res.Err)
				continue
			}
			fmt.Fprintf(w, "%s\tok\n", res.Table)
		}
	}
	w.Flush()
}

func materializeGold(ctx context.Context, args []string) error {
	cliCfg := materializeCliConfig{
		GCP:       defaultGCPConfig(),
		Dogstatsd: defaultDogstatsdConfig(),
	}
	loadConfig(&cliCfg, "materialize", args, "Rebuild every gold table from its curated view")
	if cliCfg.Debug {
		enableDebug()
	}
	_, teardown := configureDogstatsd(ctx, dogstatsdOpts{
		config:      cliCfg.Dogstatsd,
		statsPrefix: "materialize",
	})
	defer teardown()

	loader, err := warehouse.BQLoaderFromConfig(ctx, warehouse.BQLoaderConfig{
		ProjectID:       cliCfg.GCP.Project,
		DatasetID:       cliCfg.GCP.GoldDataset,
		CredentialsFile: credentialsFile(cliCfg.GCP),
	})
	if err != nil {
		events.Log("Fatal error starting materialization: %{error}+v", err)
		errs.IncrDefault(stats.T("op", "startup"))
		return err
	}
	defer loader.Close()

	m, err := materialize.MaterializerFromConfig(materialize.MaterializerConfig{
		Runner:  loader,
		Project: cliCfg.GCP.Project,
		Dataset: cliCfg.GCP.GoldDataset,
	})
	if err != nil {
		events.Log("Fatal error starting materialization: %{error}+v", err)
		errs.IncrDefault(stats.T("op", "startup"))
		return err
	}

	results := materializeViews(ctx, m, cliCfg.Views)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.TabIndent)
	fmt.Fprintln(w, "TABLE\tRESULT")
	fmt.Fprintln(w, "-----\t------")
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			fmt.Fprintf(w, "%s\terror: %v\n", res.View.TableName(), res.Err)
			continue
		}
		fmt.Fprintf(w, "%s\tok\n", res.View.TableName())
	}
	w.Flush()
	if failed > 0 {
		return errors.Errorf("%d of %d gold tables failed", failed, len(results))
	}
	return nil
}

func materializeViews(ctx context.Context, m *materialize.Materializer, names []string) []materialize.Result {
	if len(names) == 0 {
		return m.MaterializeAll(ctx)
	}
	out := make([]materialize.Result, 0, len(names))
	for _, name := range names {
		v, err := materialize.Lookup(name)
		if err != nil {
			out = append(out, materialize.Result{View: materialize.View{Name: name}, Err: err})
			continue
		}
		err = m.Materialize(ctx, v.Name)
		out = append(out, materialize.Result{View: v, Err: err})
		if err != nil && errs.IsCanceled(err) {
			break
		}
	}
	return out
}

func printCatalog() {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.TabIndent)
	fmt.Fprintln(w, "TABLE\tAPI\tLOAD\tRANGES\tFILTER\tGOLD VIEW")
	fmt.Fprintln(w, "-----\t---\t----\t------\t------\t---------")
	for _, ent := range catalog.Entities() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ent.Table, ent.APIName, ent.Load, ent.Ranges, orDash(ent.FilterField), orDash(ent.GoldView))
	}
	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"triagebot/internal/config"
	"triagebot/internal/domain"
	"triagebot/internal/httpx"
	"triagebot/internal/integrations/jira"
	"triagebot/internal/integrations/kafka"
	"triagebot/internal/integrations/llm"
	"triagebot/internal/integrations/memstore"
	slackbot "triagebot/internal/integrations/slack"
	"triagebot/internal/logging"
	"triagebot/internal/report"
	"triagebot/internal/runner"
	"triagebot/internal/scheduler"
	"triagebot/internal/storage/postgres"
	"triagebot/internal/storage/s3archive"
	"triagebot/internal/storage/sqlite"
	"triagebot/internal/triage"
)

type options struct {
	dryRun        bool
	apply         bool
	confidence    float64
	confidenceSet bool // explicit --confidence, including 0
	jql           string
	jsonOutput    bool
	once          bool
	serve         bool
	ticketsFile   string
}

// usageError marks bad command lines; they exit 1 like a failed run.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	flagSet := pflag.NewFlagSet("triagebot", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.BoolVar(&o.dryRun, "dry-run", false, "compute decisions without writing to the ticket store")
	flagSet.BoolVar(&o.apply, "apply", false, "write auto-apply decisions to the ticket store")
	flagSet.Float64Var(&o.confidence, "confidence", 0, "auto-apply threshold: a fraction 0-1, or a percent when above 1 (1 means 100%, write 0.01 for 1%); 0 applies everything; default from config")
	flagSet.StringVar(&o.jql, "jql", "", "ticket filter (JQL); default from config")
	flagSet.BoolVar(&o.jsonOutput, "json-output", false, "print the audit record as JSON instead of the summary")
	flagSet.BoolVar(&o.once, "once", false, "run a single triage pass and exit (default)")
	flagSet.BoolVar(&o.serve, "serve", false, "run triage on the configured cron schedule (applies unless --dry-run)")
	flagSet.StringVar(&o.ticketsFile, "tickets-file", "", "read tickets from a YAML file instead of Jira")

	if err := flagSet.Parse(args); err != nil {
		return o, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return o, &usageError{fmt.Sprintf("unexpected argument: %s", rest[0])}
	}
	if o.dryRun && o.apply {
		return o, &usageError{"--dry-run and --apply are mutually exclusive"}
	}
	if o.once && o.serve {
		return o, &usageError{"--once and --serve are mutually exclusive"}
	}
	if !o.serve && !o.dryRun && !o.apply {
		return o, &usageError{"must specify either --dry-run or --apply"}
	}
	o.confidenceSet = flagSet.Changed("confidence")
	if o.confidence < 0 || config.NormalizeThreshold(o.confidence) > 1 {
		return o, &usageError{fmt.Sprintf("invalid --confidence %v: must be 0-1 or 0-100", o.confidence)}
	}
	return o, nil
}

func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code, err := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

// Run executes the command line and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, err
		}
		return 1, err
	}

	if opts.ticketsFile != "" {
		_ = os.Setenv("TICKETS_FILE", opts.ticketsFile)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return 1, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return 1, err
	}
	defer func() { _ = logger.Sync() }()

	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)
	logger.Info("config loaded",
		zap.String("llm_provider", cfg.LLMProvider),
		zap.Float64("confidence_threshold", cfg.ConfidenceThreshold),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Strings("allowed_fields", cfg.AllowedFields),
		zap.String("timezone", cfg.Timezone),
		zap.Duration("external_http_timeout", appliedHTTPTimeout),
	)

	w, err := wire(ctx, cfg, logger)
	if err != nil {
		return 1, err
	}
	defer w.close()

	params := runParams(cfg, opts)
	if opts.serve {
		return serve(ctx, cfg, w, params, logger)
	}

	result, rep, runErr := w.runner.RunOnce(ctx, params)
	if err := printResult(stdout, opts.jsonOutput, result, rep); err != nil {
		return 1, err
	}
	if runErr != nil {
		return runner.ExitCode(result), runErr
	}
	return runner.ExitCode(result), nil
}

func runParams(cfg config.Config, opts options) triage.RunParams {
	p := triage.RunParams{
		Filter:    cfg.JiraDefaultJQL,
		Threshold: cfg.ConfidenceThreshold,
		DryRun:    opts.dryRun,
	}
	if opts.jql != "" {
		p.Filter = opts.jql
	}
	if opts.confidenceSet {
		p.Threshold = config.NormalizeThreshold(opts.confidence)
	}
	return p
}

func serve(ctx context.Context, cfg config.Config, w *wiring, params triage.RunParams, logger *zap.Logger) (int, error) {
	var locker scheduler.Locker
	if w.redis != nil {
		locker = scheduler.NewRedisLocker(w.redis)
	}
	sched, err := scheduler.New(scheduler.Options{
		Schedule: cfg.Schedule,
		Location: cfg.Location(),
		Locker:   locker,
		LockTTL:  cfg.LockTTL(),
		Logger:   logger,
	}, func(ctx context.Context) error {
		_, _, err := w.runner.RunOnce(ctx, params)
		return err
	})
	if err != nil {
		return 1, err
	}
	logger.Info("starting triagebot scheduler", zap.Bool("dry_run", params.DryRun), zap.String("filter", params.Filter))
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return 1, err
	}
	return 0, nil
}

func printResult(out io.Writer, asJSON bool, result domain.RunResult, rep report.Report) error {
	if asJSON {
		data, err := rep.Audit.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	c := rep.Audit.Counts
	fmt.Fprintln(out, "=== Triage Summary ===")
	fmt.Fprintf(out, "Run: %s (%s)\n", result.RunID, result.State)
	fmt.Fprintf(out, "Tickets queried: %d\n", c.TicketsQueried)
	fmt.Fprintf(out, "Total recommendations: %d\n", c.Total)
	fmt.Fprintf(out, "Auto-apply (>=%.0f%%): %d\n", result.Threshold*100, c.Applied+c.WouldApply+c.Failed)
	fmt.Fprintf(out, "Manual review (<%.0f%%): %d\n", result.Threshold*100, c.ManualReview)
	fmt.Fprintf(out, "Skipped: %d\n", c.Skipped)
	if !result.DryRun {
		fmt.Fprintf(out, "Applied successfully: %d\n", c.Applied)
		fmt.Fprintf(out, "Failed to apply: %d\n", c.Failed)
	}
	if c.NotProcessed > 0 {
		fmt.Fprintf(out, "Not processed: %d\n", c.NotProcessed)
	}
	for _, e := range result.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
	for _, e := range rep.SinkErrors {
		fmt.Fprintf(out, "audit sink error: %s\n", e)
	}
	if result.Aborted() {
		fmt.Fprintf(out, "Run aborted: %s\n", result.AbortReason)
	}
	return nil
}

// dedupSource picks the store consulted for recently triaged tickets. The
// shared Postgres history wins over the local sqlite file so replicas
// running on different hosts see each other's runs.
func dedupSource(local *sqlite.Store, shared *postgres.Store) runner.DedupSource {
	if shared != nil {
		return shared
	}
	return local
}

// wiring holds the long-lived clients built from config.
type wiring struct {
	runner  *runner.Runner
	redis   *redis.Client
	closers []func()
}

func (w *wiring) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func wire(ctx context.Context, cfg config.Config, logger *zap.Logger) (*wiring, error) {
	w := &wiring{}
	fail := func(err error) (*wiring, error) {
		w.close()
		return nil, err
	}

	var store triage.TicketStore
	if cfg.TicketsFile != "" {
		mem, err := memstore.Load(cfg.TicketsFile)
		if err != nil {
			return fail(err)
		}
		logger.Info("using ticket file instead of jira", zap.String("path", cfg.TicketsFile))
		store = mem
	} else {
		store = jira.New(cfg.JiraURL, cfg.JiraToken, cfg.JiraFieldMap, httpx.Client(), logger)
	}

	var kb *llm.KnowledgeBase
	if cfg.LLMKnowledgeBase != "" {
		loaded, err := llm.LoadKnowledgeBase(cfg.LLMKnowledgeBase)
		if err != nil {
			return fail(err)
		}
		kb = loaded
	}
	producer := llm.NewProducer(llm.Options{
		Provider:        cfg.LLMProvider,
		Model:           cfg.LLMModel,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		AllowedFields:   cfg.AllowedFields,
		KnowledgeBase:   kb,
		HTTPClient:      httpx.Client(),
		Logger:          logger,
	})

	controller := &triage.Controller{
		Store:        store,
		Producer:     producer,
		Normalize:    triage.NormalizeOptions{AllowedFields: cfg.AllowedFields},
		Concurrency:  cfg.Concurrency,
		RetryBackoff: cfg.RetryBackoff(),
		Logger:       logger.Named("triage"),
	}
	r := &runner.Runner{
		Engine:          controller,
		Producer:        producer,
		DedupWindow:     time.Duration(cfg.DedupWindowHours) * time.Hour,
		OutputDir:       cfg.ReportOutputDir,
		SummaryMaxItems: cfg.SummaryMaxItems,
		Logger:          logger.Named("runner"),
	}

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fail(fmt.Errorf("init database %s: %w", cfg.DBPath, err))
	}
	w.closers = append(w.closers, func() { _ = db.Close() })
	sqliteStore := &sqlite.Store{DB: db}
	r.Sinks = append(r.Sinks, runner.NamedSink{Name: "sqlite", Sink: sqliteStore})
	logger.Info("database initialized", zap.String("path", cfg.DBPath))

	var pg *postgres.Store
	if cfg.PostgresDSN != "" {
		pg, err = postgres.New(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return fail(err)
		}
		w.closers = append(w.closers, pg.Close)
		r.Sinks = append(r.Sinks, runner.NamedSink{Name: "postgres", Sink: pg})
	}
	r.Dedup = dedupSource(sqliteStore, pg)
	if cfg.S3Bucket != "" {
		archiver, err := s3archive.New(ctx, cfg.S3Bucket, cfg.S3Prefix, logger)
		if err != nil {
			return fail(err)
		}
		r.Sinks = append(r.Sinks, runner.NamedSink{Name: "s3", Sink: archiver})
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return fail(err)
		}
		w.closers = append(w.closers, func() { _ = publisher.Close() })
		r.Sinks = append(r.Sinks, runner.NamedSink{Name: "kafka", Sink: publisher})
	}

	if cfg.SlackBotToken != "" {
		api := slack.New(cfg.SlackBotToken, slack.OptionHTTPClient(httpx.Client()))
		r.Notifier = slackbot.NewNotifier(api, cfg.SlackChannelID, logger)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("unable to reach redis, run lock is process-local", zap.Error(err))
			_ = client.Close()
		} else {
			logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
			w.redis = client
			w.closers = append(w.closers, func() { _ = client.Close() })
		}
	}

	w.runner = r
	return w, nil
}

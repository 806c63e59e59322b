// Package main provides the cost-guardian CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
	"github.com/lvonguyen/cost-guardian/internal/anomaly"
	"github.com/lvonguyen/cost-guardian/internal/budget"
	"github.com/lvonguyen/cost-guardian/internal/config"
	"github.com/lvonguyen/cost-guardian/internal/dashboard"
	"github.com/lvonguyen/cost-guardian/internal/metrics"
	"github.com/lvonguyen/cost-guardian/internal/pipeline"
	"github.com/lvonguyen/cost-guardian/internal/projector"
	"github.com/lvonguyen/cost-guardian/internal/providers"
	awsprovider "github.com/lvonguyen/cost-guardian/internal/providers/aws"
	azureprovider "github.com/lvonguyen/cost-guardian/internal/providers/azure"
	gcpprovider "github.com/lvonguyen/cost-guardian/internal/providers/gcp"
	"github.com/lvonguyen/cost-guardian/internal/recommend"
	"github.com/lvonguyen/cost-guardian/internal/reporter"
	"github.com/lvonguyen/cost-guardian/internal/store"
)

// Flags holds command-line options
type Flags struct {
	Mode       string // ingest, report, recommendation, budget, forecast
	ConfigPath string
	Inputs     string // comma-separated JSON/JSONL files
	Days       int    // lookback for cloud sources
	Month      string // YYYY-MM for report and budget
	OutputDir  string
	ID         string // recommendation ID
	Status     string // accept, reject, apply
	Verbose    bool
}

var (
	_ providers.Source     = (*awsprovider.Source)(nil)
	_ providers.Source     = (*azureprovider.Source)(nil)
	_ providers.Source     = (*providers.FileSource)(nil)
	_ projector.Forecaster = (*awsprovider.Forecaster)(nil)
)

func main() {
	flags := parseFlags()

	// Initialize logger
	var logger *zap.Logger
	var err error
	if flags.Verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting cost-guardian",
		zap.String("mode", flags.Mode),
		zap.String("config", flags.ConfigPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, flags, logger)
	if err != nil {
		logger.Error("Startup failed", zap.Error(err))
		os.Exit(1)
	}
	defer a.close()

	var execErr error
	switch flags.Mode {
	case "ingest":
		execErr = runIngest(ctx, a)
	case "report":
		execErr = runReport(ctx, a)
	case "recommendation":
		execErr = runRecommendation(ctx, a)
	case "budget":
		execErr = runBudgetCheck(ctx, a)
	case "forecast":
		execErr = runForecast(ctx, a)
	default:
		logger.Error("Unknown mode", zap.String("mode", flags.Mode))
		os.Exit(2)
	}

	if execErr != nil {
		logger.Error("Execution failed", zap.Error(execErr))
		os.Exit(1)
	}

	logger.Info("cost-guardian complete")
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.Mode, "mode", "ingest", "Mode: ingest, report, recommendation, budget, forecast")
	flag.StringVar(&f.ConfigPath, "config", "configs/config.yaml", "Path to config file")
	flag.StringVar(&f.Inputs, "input", "", "Comma-separated raw usage files (JSON array or JSONL)")
	flag.IntVar(&f.Days, "days", 0, "Lookback days for cloud sources (default from config)")
	flag.StringVar(&f.Month, "month", "", "Month for report and budget (YYYY-MM)")
	flag.StringVar(&f.OutputDir, "output", "", "Output directory for reports (default from config)")
	flag.StringVar(&f.ID, "id", "", "Recommendation ID")
	flag.StringVar(&f.Status, "status", "", "Recommendation decision: accept, reject, apply")
	flag.BoolVar(&f.Verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	return f
}

// app holds the components shared by every mode.
type app struct {
	flags   *Flags
	cfg     *config.Config
	db      *store.DB
	svc     *dashboard.Service
	metrics *metrics.BatchMetrics
	logger  *zap.Logger
	now     func() time.Time
}

func newApp(ctx context.Context, flags *Flags, logger *zap.Logger) (*app, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Config file not found, using defaults", zap.String("path", flags.ConfigPath))
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if flags.OutputDir != "" {
		cfg.Reporter.OutputDir = flags.OutputDir
	}

	db, err := store.Open(store.Options{
		Driver:   cfg.Store.Driver,
		DSN:      cfg.Store.DSN,
		LogLevel: cfg.Store.LogLevel,
	}, logger)
	if err != nil {
		return nil, err
	}

	forecaster, err := newForecaster(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ttl := cfg.Cache.TTL
	if !cfg.Cache.Enabled {
		// Entries expire as soon as they are stored.
		ttl = time.Nanosecond
	}
	svc := dashboard.NewService(db, forecaster, dashboard.Config{
		CacheTTL:    ttl,
		HorizonDays: cfg.Forecast.HorizonDays,
		Allocator:   cfg.AllocatorConfig(),
	}, logger)

	return &app{
		flags:   flags,
		cfg:     cfg,
		db:      db,
		svc:     svc,
		metrics: metrics.New(),
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close store", zap.Error(err))
	}
}

func newForecaster(ctx context.Context, cfg *config.Config) (projector.Forecaster, error) {
	if cfg.Forecast.Method == "aws" {
		client, err := awsprovider.NewClient(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		return awsprovider.NewForecaster(client), nil
	}
	return projector.TrailingMean{WindowDays: cfg.Forecast.WindowDays}, nil
}

// runIngest fetches raw usage from every configured source and runs one batch
func runIngest(ctx context.Context, a *app) error {
	sources, err := a.sources(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no usage sources configured: pass -input or enable a cloud provider")
	}

	if a.cfg.Metrics.Enabled {
		metricsCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := a.metrics.Serve(metricsCtx, a.cfg.Metrics.Addr, a.logger); err != nil {
				a.logger.Warn("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	end := today(a.now())
	start := end.AddDate(0, 0, -a.lookback())
	records, err := providers.FetchAll(ctx, sources, start, end, a.logger)
	if err != nil {
		return err
	}

	p := pipeline.New(
		aggregator.New(a.cfg.ServiceCatalog(), aggregator.Config{Workers: a.cfg.Pipeline.Workers}, a.logger),
		anomaly.NewDetector(a.cfg.DetectorConfig(), a.logger),
		recommend.NewDeriver(a.cfg.RecommendConfig(), a.logger),
		a.db,
		pipeline.Options{
			Metrics:          a.metrics,
			Invalidators:     []pipeline.Invalidator{a.svc},
			DeadLetterSample: a.cfg.Pipeline.DeadLetterSample,
		},
		a.logger,
	)
	summary, err := p.Run(ctx, records)
	if err != nil {
		return err
	}
	printSummary(summary)
	return nil
}

func (a *app) sources(ctx context.Context) ([]providers.Source, error) {
	var sources []providers.Source
	for _, path := range strings.Split(a.flags.Inputs, ",") {
		if path = strings.TrimSpace(path); path != "" {
			sources = append(sources, providers.NewFileSource(path))
		}
	}

	if a.cfg.AWS.Enabled {
		client, err := awsprovider.NewClient(ctx, a.cfg.AWS)
		if err != nil {
			return nil, fmt.Errorf("aws: %w", err)
		}
		sources = append(sources, awsprovider.NewSource(client, a.cfg.AWS, a.logger))
	}
	if a.cfg.Azure.Enabled {
		client, err := azureprovider.NewClient(a.cfg.Azure)
		if err != nil {
			return nil, fmt.Errorf("azure: %w", err)
		}
		sources = append(sources, azureprovider.NewSource(client, a.cfg.Azure, a.logger))
	}
	return sources, nil
}

func (a *app) lookback() int {
	if a.flags.Days > 0 {
		return a.flags.Days
	}
	return max(a.cfg.AWS.LookbackDays, a.cfg.Azure.LookbackDays, 1)
}

// runReport writes HTML, CSV, JSON and chargeback reports for the period
func runReport(ctx context.Context, a *app) error {
	period, err := a.period()
	if err != nil {
		return err
	}
	_, alerts, err := a.checkBudgets(ctx)
	if err != nil {
		return err
	}

	data, err := reporter.Collect(ctx, a.svc, period, alerts, a.now())
	if err != nil {
		return err
	}
	r := reporter.New(a.cfg.Reporter, a.logger)
	for _, generate := range []func(reporter.ReportData) (string, error){r.GenerateHTML, r.GenerateCSV, r.GenerateJSON} {
		if _, err := generate(data); err != nil {
			return err
		}
	}

	showback, err := a.svc.Showback(ctx, period)
	if err != nil {
		return err
	}
	if showback.Data.Period == "" {
		a.logger.Info("No usage in period, chargeback report skipped")
		return nil
	}
	name := "chargeback-" + strings.ReplaceAll(showback.Data.Period, " to ", "_") + ".csv"
	outputPath := filepath.Join(a.cfg.Reporter.OutputDir, name)
	if err := showback.Data.SaveCSV(outputPath); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	a.logger.Info("Chargeback report generated", zap.String("path", outputPath))
	return nil
}

// runRecommendation lists pending recommendations, or records a decision
// when -id and -status are set
func runRecommendation(ctx context.Context, a *app) error {
	if a.flags.ID == "" {
		pending, err := a.svc.Recommendations(ctx, store.RecommendationFilter{Status: recommend.StatusPending})
		if err != nil {
			return err
		}
		if len(pending.Data) == 0 {
			fmt.Println("No pending recommendations")
			return nil
		}
		for _, r := range pending.Data {
			fmt.Printf("  %s  %-11s %-40s $%9.2f/mo  %s\n", r.ID, r.Type, r.ResourceID, r.ProjectedSavingsMonthly, r.Reason)
		}
		return nil
	}

	rec, err := a.svc.SetRecommendationStatus(ctx, a.flags.ID, decision(a.flags.Status))
	if err != nil {
		return err
	}
	fmt.Printf("Recommendation %s is now %s\n", rec.ID, rec.Status)
	return nil
}

func decision(verb string) string {
	switch strings.ToLower(strings.TrimSpace(verb)) {
	case "accept":
		return string(recommend.StatusAccepted)
	case "reject":
		return string(recommend.StatusRejected)
	case "apply":
		return string(recommend.StatusApplied)
	}
	return verb
}

// runBudgetCheck compares month-to-date spend with configured and GCP budgets
func runBudgetCheck(ctx context.Context, a *app) error {
	statuses, alerts, err := a.checkBudgets(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("No budgets configured")
		return nil
	}
	for _, st := range statuses {
		fmt.Printf("  %-24s %-20s $%10.2f of $%10.2f (%5.1f%%)  forecast $%.2f\n",
			st.Name, st.Scope, st.CurrentSpend, st.MonthlyLimit, st.PercentUsed, st.ForecastSpend)
	}
	for _, al := range alerts {
		a.logger.Warn("Budget threshold reached",
			zap.String("budget", al.BudgetName),
			zap.String("scope", al.Scope),
			zap.Int("threshold", al.Threshold),
			zap.Float64("percent_used", al.PercentUsed),
			zap.String("severity", al.Severity),
		)
	}
	return nil
}

func (a *app) checkBudgets(ctx context.Context) ([]budget.Status, []budget.Alert, error) {
	limits := budget.FromConfig(a.cfg.Budgets)
	if a.cfg.GCP.Enabled {
		src, err := gcpprovider.NewBudgetSource(ctx, a.cfg.GCP)
		if err != nil {
			return nil, nil, err
		}
		defer src.Close()
		gcpLimits, err := src.Limits(ctx)
		if err != nil {
			return nil, nil, err
		}
		limits = append(limits, gcpLimits...)
	}

	asOf := a.now()
	if a.flags.Month != "" {
		period, err := a.period()
		if err != nil {
			return nil, nil, err
		}
		if period.End.Before(asOf) {
			asOf = period.End
		}
	}
	rows, err := a.db.GetUsage(ctx, store.UsageFilter{Start: budget.MonthStart(asOf), End: asOf})
	if err != nil {
		return nil, nil, err
	}
	statuses := budget.Check(rows, limits, asOf)
	return statuses, budget.Alerts(statuses, a.now()), nil
}

// runForecast prints the forecast for the configured horizon
func runForecast(ctx context.Context, a *app) error {
	period, err := a.period()
	if err != nil {
		return err
	}
	fin, err := a.svc.Finance(ctx, period)
	if err != nil {
		return err
	}
	if fin.Data.Forecast == nil {
		fmt.Println("Not enough usage history to forecast")
		return nil
	}
	f := fin.Data.Forecast
	fmt.Printf("Forecast %s to %s (%s): $%.2f [$%.2f - $%.2f], trailing variance %.1f%%\n",
		f.Start.Format("2006-01-02"), f.End.Format("2006-01-02"), f.Method,
		f.Amount, f.Lower, f.Upper, fin.Data.Variance)
	return nil
}

// period returns the -month bounds, or an open period.
func (a *app) period() (dashboard.Period, error) {
	if a.flags.Month == "" {
		return dashboard.Period{}, nil
	}
	start, err := time.Parse("2006-01", a.flags.Month)
	if err != nil {
		return dashboard.Period{}, fmt.Errorf("invalid -month %q: %w", a.flags.Month, err)
	}
	return dashboard.Period{Start: start, End: start.AddDate(0, 1, -1)}, nil
}

func today(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// printSummary prints the batch summary
func printSummary(s pipeline.Summary) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Daily Usage Batch Summary                       ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  Records: %d in, %d accepted, %d rejected, %d duplicates\n", s.RecordsIn, s.Accepted, s.RejectedTotal(), s.DuplicatesDropped)
	for _, reason := range s.RejectedReasons() {
		fmt.Printf("║    %-28s %d\n", reason+":", s.Rejected[reason])
	}
	fmt.Printf("║  Rows written: %d   Total cost: $%.2f\n", s.RowsWritten, s.TotalCost)
	fmt.Printf("║  Anomalies: %d   Recommendations: %d (%d written)\n", s.Anomalies, s.Recommendations, s.RecommendationsWritten)
	if s.DeadLetters > 0 {
		fmt.Printf("║  Dead letters: %d  e.g. %s\n", s.DeadLetters, strings.Join(s.DeadLetterKeys, ", "))
	}
	if s.Degraded() {
		fmt.Printf("║  Completed with %d warnings\n", s.Warnings)
	}
	fmt.Printf("║  Duration: %s\n", s.Duration.Round(time.Millisecond))
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

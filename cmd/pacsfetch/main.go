package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/radworks/pacsfetch/internal/cache"
	"github.com/radworks/pacsfetch/internal/classify"
	"github.com/radworks/pacsfetch/internal/config"
	"github.com/radworks/pacsfetch/internal/journal"
	"github.com/radworks/pacsfetch/internal/limits"
	"github.com/radworks/pacsfetch/internal/query"
	"github.com/radworks/pacsfetch/internal/report"
	"github.com/radworks/pacsfetch/internal/retrieve"
	"github.com/radworks/pacsfetch/internal/run"
	"github.com/radworks/pacsfetch/internal/store"
	"github.com/radworks/pacsfetch/internal/web"
	"github.com/radworks/pacsfetch/pkg/dimse"
	"github.com/radworks/pacsfetch/pkg/logger"
)

const (
	exitSuccess     = 0
	exitFailure     = 1
	exitInterrupted = 2
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitFailure
	}

	var (
		dateFrom   = flag.String("date-from", cfg.DateFrom, "start of study date range, YYYYMMDD inclusive")
		dateTo     = flag.String("date-to", cfg.DateTo, "end of study date range, YYYYMMDD inclusive")
		date       = flag.String("date", "", "single study date, YYYYMMDD (shorthand for equal from/to)")
		maxStudies = flag.Int("max-studies", cfg.MaxStudies, "cap on retrieval attempts, 0 for unlimited")
		maxImages  = flag.Int("max-images", cfg.MaxImages, "cap on stored images, 0 for unlimited")
		modalities = flag.String("modalities", strings.Join(cfg.Modalities, ","), "comma-separated modality filter, empty for all")
		model      = flag.String("model", cfg.QueryModel, "query model: study or patient")
		output     = flag.String("output", cfg.OutputRoot, "output root directory")
		dryRun     = flag.Bool("dry-run", cfg.DryRun, "query only: no moves issued, no files written")
		force      = flag.Bool("force", false, "retrieve studies even if the ledger marks them done")
		probeOnly  = flag.Bool("probe-only", false, "verify peer connectivity and exit")
		reportPath = flag.String("report", "", "write a CSV inventory of the output tree after the run")
		anonymize  = flag.Bool("anonymize", false, "hash patient identifiers in the report")
		verbose    = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	cfg.DateFrom, cfg.DateTo = *dateFrom, *dateTo
	if *date != "" {
		cfg.DateFrom, cfg.DateTo = *date, *date
	}
	cfg.MaxStudies = *maxStudies
	cfg.MaxImages = *maxImages
	cfg.Modalities = splitFlag(*modalities)
	cfg.QueryModel = *model
	cfg.OutputRoot = *output
	cfg.DryRun = *dryRun

	level := cfg.Log.Level
	if *verbose {
		level = "debug"
	}
	logger.Init(level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queryModel := dimse.StudyRoot
	if cfg.QueryModel == "patient" {
		queryModel = dimse.PatientRoot
	}

	engine := query.NewEngine(query.Config{
		Host:       cfg.Peer.Host,
		Port:       cfg.Peer.Port,
		CalledAET:  cfg.Peer.AETitle,
		CallingAET: cfg.Local.AETitle,
		Timeout:    cfg.Timeout,
	})

	log.Info().
		Str("peer", fmt.Sprintf("%s:%d", cfg.Peer.Host, cfg.Peer.Port)).
		Str("peer_aet", cfg.Peer.AETitle).
		Str("local_aet", cfg.Local.AETitle).
		Msg("Starting PACS fetch")

	if _, err := engine.Probe(ctx, queryModel); err != nil {
		log.Error().Err(err).Msg("Peer connectivity probe failed")
		return exitFailure
	}
	if *probeOnly {
		log.Info().Msg("Probe successful")
		return exitSuccess
	}

	guard := limits.NewGuard(cfg.MaxStudies, cfg.MaxImages, cfg.DryRun)

	var backend cache.Cache
	if cfg.Redis.Enabled {
		backend, err = cache.NewRedisCache(
			fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			cfg.Redis.Password, cfg.Redis.DB,
		)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to redis")
			return exitFailure
		}
	} else {
		backend = cache.NewMemoryCache()
	}
	defer backend.Close()
	ledger := cache.NewLedger(backend, cfg.LedgerTTL)

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.Connect(journal.Config{
			Host:     cfg.Journal.Host,
			Port:     cfg.Journal.Port,
			User:     cfg.Journal.User,
			Password: cfg.Journal.Password,
			DBName:   cfg.Journal.DBName,
			SSLMode:  cfg.Journal.SSLMode,
			LogLevel: cfg.Journal.LogLevel,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Journal unavailable, continuing without history")
		} else {
			defer jnl.Close()
		}
	}

	if cfg.Web.Enabled {
		statusSrv := web.NewServer(cfg.Web.Port, guard)
		statusSrv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			statusSrv.Shutdown(shutdownCtx)
		}()
	}

	receiver := store.NewReceiver(store.Config{
		Port:       cfg.Local.Port,
		AETitle:    cfg.Local.AETitle,
		OutputRoot: cfg.OutputRoot,
		Timeout:    cfg.Timeout,
	}, guard)
	if err := receiver.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start storage receiver")
		return exitFailure
	}
	defer receiver.Stop()

	coordinator := retrieve.NewCoordinator(retrieve.Config{
		Host:         cfg.Peer.Host,
		Port:         cfg.Peer.Port,
		CalledAET:    cfg.Peer.AETitle,
		CallingAET:   cfg.Local.AETitle,
		Timeout:      cfg.Timeout,
		StudyTimeout: cfg.StudyTimeout,
	})

	controller := &run.Controller{
		Finder:         run.EngineFinder(engine),
		Retriever:      coordinator,
		Guard:          guard,
		Filter:         classify.NewModalityFilter(cfg.Modalities),
		Ledger:         ledger,
		Journal:        jnl,
		Model:          queryModel,
		DestinationAET: cfg.Local.AETitle,
		PeerHost:       cfg.Peer.Host,
		PeerAET:        cfg.Peer.AETitle,
		Force:          *force,
	}

	summary, runErr := controller.Run(ctx, query.Params{
		Model:         queryModel,
		StudyDateFrom: cfg.DateFrom,
		StudyDateTo:   cfg.DateTo,
		Modalities:    cfg.Modalities,
	})

	if *reportPath != "" && !cfg.DryRun {
		opts := report.Options{Anonymize: *anonymize, Matcher: classify.NewChestMatcher()}
		if _, err := report.Generate(cfg.OutputRoot, *reportPath, opts); err != nil {
			log.Error().Err(err).Msg("Failed to write inventory report")
		}
	}

	switch {
	case runErr == nil:
		return exitSuccess
	case errors.Is(runErr, run.ErrInterrupted):
		log.Warn().
			Int("matched", summary.Matched).
			Int("attempted", summary.Attempted).
			Msg("Run interrupted")
		return exitInterrupted
	default:
		log.Error().Err(runErr).Msg("Run failed")
		return exitFailure
	}
}

func splitFlag(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

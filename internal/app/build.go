// Package app is the composition root. Build wires the store, browser
// session, governor, worker and HTTP surface together; main only runs
// the server it gets back.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/minutely/outreach/internal/automation"
	"github.com/minutely/outreach/internal/batch"
	"github.com/minutely/outreach/internal/classify"
	"github.com/minutely/outreach/internal/config"
	"github.com/minutely/outreach/internal/governor"
	"github.com/minutely/outreach/internal/httpapi"
	"github.com/minutely/outreach/internal/importer"
	"github.com/minutely/outreach/internal/jobs"
	"github.com/minutely/outreach/internal/observability"
	"github.com/minutely/outreach/internal/outreach"
	"github.com/minutely/outreach/internal/session"
	"github.com/minutely/outreach/internal/store"
	"github.com/minutely/outreach/internal/worker"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Worker   *worker.Worker
	Sessions *session.Manager
	Store    store.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources
	// (browser, DB, event consumer).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	window := observability.NewTimingWindow(256)

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	if err := importer.ImportLeadsCSV(ctx, st, cfg.LeadsCSV); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("leads import failed: %w", err)
	}

	var classifier classify.Classifier
	if cfg.GeminiAPIKey != "" {
		classifier = classify.NewGemini(cfg.GeminiAPIKey)
	} else {
		log.Printf("app: no GEMINI_API_KEY, industry classification disabled")
		classifier = classify.Static{}
	}

	var factory automation.Factory
	switch cfg.DriverMode {
	case "mock":
		log.Printf("app: mock browser driver")
		factory = automation.NewMockFactory(automation.NewMockDriver())
	default:
		factory = automation.NewRodFactory(automation.RodConfig{Headless: cfg.Headless})
	}

	sessions := session.NewManager(factory, cfg.CookiesFile)
	sessions.SetEventHook(func(event string) {
		metrics.SessionEvents.WithLabelValues(event).Inc()
		window.Bump(event)
	})

	gov := governor.New(cfg.MinDelay, cfg.MaxDelay, cfg.DailyLimit)
	gov.SetHooks(
		func(d time.Duration) {
			metrics.ObserveActionDelay(d)
			window.Observe(observability.StageDelay, d)
		},
		func() { metrics.ActionsTotal.Inc() },
	)

	registry := jobs.NewRegistry(cfg.MaxCompletedJobs)
	queue := jobs.NewQueue(0)

	runner := outreach.NewRunner(st, gov, classifier, outreach.Config{
		DailyLimit:      cfg.DailyLimit,
		ConnectCooldown: cfg.ConnectCooldown,
		ReplyCooldown:   cfg.ReplyCooldown,
		VideoPath:       cfg.DemoVideoFile,
	})

	batches := batch.NewService(st, registry, queue, cfg.BatchSize, cfg.CooldownDays)

	wrk := worker.New(queue, registry, sessions, st, gov, runner, cfg.DemoVideoFile)
	wrk.SetMessageHook(func(typ store.MessageType, status store.MessageStatus) {
		metrics.MessagesTotal.WithLabelValues(string(typ), string(status)).Inc()
	})

	stopConsumer := startEventConsumer(registry, metrics, window)

	api := httpapi.New(cfg, st, sessions, batches, registry, queue, gov, wrk, window)

	cleanup := func() error {
		var errs []string
		stopConsumer()
		if err := st.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Worker:   wrk,
		Sessions: sessions,
		Store:    st,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// startEventConsumer translates registry events into metrics: one counter
// bump per terminal job plus a wall-time sample per job type. The
// returned stop function unsubscribes and waits for the drain.
func startEventConsumer(registry *jobs.Registry, metrics *observability.Metrics, window *observability.TimingWindow) func() {
	events, cancel := registry.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		started := make(map[string]time.Time)
		for evt := range events {
			switch evt.Type {
			case jobs.EventJobStarted:
				started[evt.JobID] = evt.At
			case jobs.EventJobCompleted, jobs.EventJobFailed:
				metrics.JobsTotal.WithLabelValues(string(evt.JobType), string(evt.Status)).Inc()
				if start, ok := started[evt.JobID]; ok {
					window.Observe(observability.JobStage(string(evt.JobType)), evt.At.Sub(start))
					delete(started, evt.JobID)
				}
				if evt.Type == jobs.EventJobFailed && strings.Contains(evt.Detail, "security challenge") {
					metrics.ChallengesTotal.Inc()
					window.Bump("security_challenge")
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

package main

import (
	"context"
	"embed"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/sjawhar/ghost-scribe/internal/analysis"
	"github.com/sjawhar/ghost-scribe/internal/audio"
	"github.com/sjawhar/ghost-scribe/internal/backend"
	"github.com/sjawhar/ghost-scribe/internal/config"
	"github.com/sjawhar/ghost-scribe/internal/draft"
	"github.com/sjawhar/ghost-scribe/internal/gdrive"
	"github.com/sjawhar/ghost-scribe/internal/llm"
	"github.com/sjawhar/ghost-scribe/internal/observe"
	"github.com/sjawhar/ghost-scribe/internal/server"
	"github.com/sjawhar/ghost-scribe/internal/session"
	"github.com/sjawhar/ghost-scribe/internal/speech"
	"github.com/sjawhar/ghost-scribe/internal/storage"
)

//go:embed static/*
var staticFiles embed.FS

const driveSyncInterval = 5 * time.Minute

func main() {
	log.Println("ghost-scribe: starting")

	cfg, warnings, err := config.Load(envOrDefault(config.EnvPrefix+"CONFIG", "ghost-scribe.yaml"))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider()
	if err != nil {
		log.Fatalf("metrics init failed: %v", err)
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Fatalf("metrics instruments failed: %v", err)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("static assets init failed: %v", err)
	}

	hub := server.NewHub()
	archive := storage.NewWriter(cfg.ArchiveDir)

	d, err := draft.Open(store, draft.Options{
		SessionKey:   cfg.SessionKey,
		Operator:     cfg.PractitionerID,
		Analyzer:     newAnalyzer(cfg),
		Backend:      backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Workspace, cfg.BackendToken, cfg.ParsedBackendTimeout()),
		AudioBaseURL: cfg.AudioBaseURL,
		Observer:     metrics,
	})
	if err != nil {
		log.Fatalf("draft restore failed: %v", err)
	}

	micReady := true
	if err := audio.Init(); err != nil {
		log.Printf("warning: audio init failed, dictation disabled: %v", err)
		warnings = append(warnings, "Audio input is unavailable; dictation is disabled.")
		micReady = false
	} else {
		defer func() { _ = audio.Terminate() }()
	}

	recorder := audio.NewRecorder(cfg.AudioDir)
	deepgramCfg := speech.DeepgramConfig{
		APIKey:          cfg.DeepgramAPIKey,
		Model:           cfg.DeepgramModel,
		SampleRates:     cfg.SampleRateCandidates(),
		NoSpeechTimeout: cfg.ParsedNoSpeechTimeout(),
		Tee:             recorder.Writer,
		OnSampleRate:    recorder.SetSampleRate,
	}
	if micReady {
		deepgramCfg.OpenMic = func(rate int) (speech.Mic, error) {
			mic, err := audio.NewMic(rate, audio.FramesPerBuffer)
			if err != nil {
				return nil, err
			}
			return mic, nil
		}
	}

	adapter := speech.NewAdapter(speech.NewDeepgramSource(deepgramCfg), speech.Options{Language: cfg.Language})
	manager := session.NewManager(adapter, d, recorder, hub)
	adapter.SetListener(manager)
	manager.OnCaptureError(metrics.CaptureError)

	var syncer *gdrive.Syncer
	if cfg.GDriveFolderID != "" {
		syncer, err = gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID, cfg.ArchiveDir)
		if err != nil {
			log.Printf("warning: gdrive sync disabled: %v", err)
			syncer = nil
		}
	}

	d.OnChange(func() {
		snap := d.Snapshot()
		if snap.Phase != draft.PhaseInProgress {
			// Dictation belongs to the draft that was just closed.
			go manager.Discard()
		}
		hub.BroadcastDraftChanged(snap)
	})
	d.Finalizer.OnFinalized(func(res draft.Result) {
		if err := archive.Append(res.Record); err != nil {
			log.Printf("warning: archive append failed: %v", err)
		} else if syncer != nil {
			syncer.MarkDirty(res.Record.CompletedAt.Local().Format("2006-01-02"))
		}
		hub.BroadcastConsultationFinalized(res)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, cfg.ListenAddr, assets, hub, server.Services{
			Drafts:     d,
			Recording:  manager,
			History:    store,
			Recordings: recorder,
		}, server.ControlHooks{
			Warnings: func() []string { return warnings },
			Metrics:  promhttp.Handler(),
		})
	})
	if syncer != nil {
		g.Go(func() error { return syncer.Run(gctx, driveSyncInterval) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Println("ghost-scribe: shutting down")
		// Keep whatever was dictated so far in the draft.
		if _, err := manager.StopRecording(); err != nil {
			log.Printf("warning: stop recording on shutdown failed: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("ghost-scribe: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		log.Printf("warning: metrics shutdown failed: %v", err)
	}
}

func newAnalyzer(cfg config.Config) draft.Analyzer {
	if cfg.Analysis.Model == "" {
		log.Println("analysis: no model configured, using placeholder analysis")
		return analysis.Placeholder{}
	}
	return analysis.NewLLMAnalyzer(cfg.Analysis, func(provider, model string, opts ...llm.Option) (llm.Client, error) {
		return llm.NewClient(provider, cfg.APIKeyFor(provider), model, opts...)
	})
}

func envOrDefault(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

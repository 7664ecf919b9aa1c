package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediabot/internal/browser"
	"mediabot/internal/bus"
	"mediabot/internal/channel"
	"mediabot/internal/config"
	"mediabot/internal/convert"
	"mediabot/internal/dispatch"
	"mediabot/internal/domain"
	"mediabot/internal/metadata"
	"mediabot/internal/metrics"
	"mediabot/internal/store"
	"mediabot/internal/thread"
	"mediabot/internal/workflow"
	"mediabot/internal/youtube"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func runBot(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Discord.Token == "" {
		logger.Error("discord token missing", "hint", "set DISCORD_TOKEN or discord.token in "+cfgPath)
		return errors.New("discord token is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(logger)
	metrics.Subscribe(events)
	messageBus := bus.New(cfg.General.BusSize, logger, bus.WithEvents(events))

	var ledger domain.WorkflowLedger
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.DBPath, logger)
		if err != nil {
			return fmt.Errorf("workflow store: %w", err)
		}
		defer st.Close()
		ledger = st

		pruner, err := store.NewPruner(store.PrunerConfig{
			Store:     st,
			Schedule:  cfg.Store.PruneSchedule,
			Retention: cfg.Store.Retention(),
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("ledger pruner: %w", err)
		}
		go pruner.Run(ctx)
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, cfg.Metrics.Endpoint, logger); err != nil {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	discord, err := channel.NewDiscord(channel.DiscordConfig{
		Token:              cfg.Discord.Token,
		GuildID:            cfg.Discord.GuildID,
		AutoArchiveMinutes: cfg.Threads.AutoArchiveMinutes,
		MaxDownloadBytes:   cfg.Limits.MaxVideoBytes,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	converters, err := buildConverters(ctx, cfg, discord)
	if err != nil {
		return err
	}

	threads := thread.NewCreator(thread.Config{
		API:         discord,
		Events:      events,
		Logger:      logger,
		MaxAttempts: cfg.Threads.MaxAttempts,
		BaseDelay:   cfg.Threads.BaseDelay(),
		Settle:      cfg.Threads.NotifySettle(),
		ScanLimit:   cfg.Threads.ScanLimit,
	})

	engine := workflow.NewEngine(workflow.Config{
		Messenger:     discord,
		Threads:       threads,
		Converters:    converters,
		Policies:      policies(cfg),
		Ledger:        ledger,
		Events:        events,
		Logger:        logger,
		ArtifactDelay: cfg.Workflow.ArtifactDelay(),
		SettleDelay:   cfg.Workflow.SettleDelay(),
		ErrorLimit:    cfg.Workflow.ErrorDisplayLimit,
		MaxConcurrent: cfg.General.MaxConcurrentWorkflows,
	})
	discord.SetActivator(engine.Prompts())

	dispatcher := dispatch.New(dispatch.Config{
		Runner:      engine,
		Bus:         messageBus,
		Platform:    discord.Name(),
		Permissions: discord,
		Ledger:      ledger,
		DedupWindow: cfg.Store.DedupWindow(),
		Limits: dispatch.Limits{
			PDF:   cfg.Limits.MaxPDFBytes,
			DOCX:  cfg.Limits.MaxDOCXBytes,
			Video: cfg.Limits.MaxVideoBytes,
		},
		ReferralChannelID: cfg.Discord.ReferralChannelID,
		CommandPrefix:     cfg.Discord.CommandPrefix,
		Logger:            logger,
	})

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		dispatcher.Run(ctx)
	}()

	logger.Info("mediabot starting", "version", version, "kinds", len(converters))
	startErr := discord.Start(ctx, messageBus)
	if startErr != nil {
		logger.Error("discord channel error", "err", startErr)
		stop()
	}

	logger.Info("shutting down, waiting for running workflows", "in_flight", dispatcher.InFlight())
	messageBus.Close()

	select {
	case <-dispatched:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return errors.New("shutdown timed out")
	}
	return startErr
}

// buildConverters registers a converter per enabled content kind. YouTube is
// left out without an API key.
func buildConverters(ctx context.Context, cfg *config.Config, reader domain.AttachmentReader) (map[domain.ContentKind]domain.Converter, error) {
	client := &http.Client{Timeout: 5 * time.Minute}
	loader := func(max int64) convert.Loader {
		return convert.Loader{Reader: reader, Client: client, MaxBytes: max}
	}

	convs := map[domain.ContentKind]domain.Converter{
		domain.KindImageBatch: &convert.ImageBatch{Reader: reader},
		domain.KindPDF: convert.NewPDF(convert.PDFConfig{
			Loader:    loader(cfg.Limits.MaxPDFBytes),
			Watermark: cfg.Watermark.Text,
			FontSize:  cfg.Watermark.FontSize,
			Logger:    logger,
		}),
		domain.KindDOCX: convert.NewDOCX(convert.DOCXConfig{
			Loader: loader(cfg.Limits.MaxDOCXBytes),
			Page: convert.TextPage{
				Width:     cfg.DOCX.Width,
				FontSize:  cfg.DOCX.FontSize,
				Margin:    cfg.DOCX.Margin,
				Watermark: cfg.DOCX.Watermark,
			},
			PageChars: cfg.DOCX.PageChars,
			Logger:    logger,
		}),
		domain.KindVideo: convert.NewVideo(convert.VideoConfig{
			Loader:  loader(cfg.Limits.MaxVideoBytes),
			Encoder: convert.FFmpeg{Path: cfg.Video.FFmpegPath},
			Policy:  videoPolicy(cfg.Video),
			Logger:  logger,
		}),
	}

	if cfg.YouTube.APIKey != "" {
		yt, err := youtube.New(ctx, youtube.Config{APIKey: cfg.YouTube.APIKey, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("youtube client: %w", err)
		}
		convs[domain.KindYouTube] = convert.NewYouTube(yt, logger)
	} else {
		logger.Info("youtube api key not set, youtube links disabled")
	}

	if cfg.Discord.ReferralChannelID != "" {
		fetcher, err := newMetadataFetcher(cfg.Metadata)
		if err != nil {
			return nil, err
		}
		convs[domain.KindReferral] = convert.NewReferral(fetcher, logger)
	}
	return convs, nil
}

func newMetadataFetcher(mc config.MetadataConfig) (*metadata.Fetcher, error) {
	opts := metadata.StrategyOptions{
		HTTP: metadata.HTTPConfig{
			Timeout:   time.Duration(mc.TimeoutSeconds) * time.Second,
			MinJitter: time.Duration(mc.MinJitterMs) * time.Millisecond,
			MaxJitter: time.Duration(mc.MaxJitterMs) * time.Millisecond,
		},
	}
	if path, ok := browser.Available(); ok {
		opts.Renderer = browser.NewBridge(browser.BridgeConfig{
			ProfileDir: mc.Browser.ProfileDir,
			Headless:   mc.Browser.Headless,
			Timeout:    time.Duration(mc.Browser.TimeoutSeconds) * time.Second,
			Logger:     logger,
		})
		logger.Debug("browser strategy enabled", "chrome", path)
	} else {
		logger.Warn("chrome not found, browser metadata strategy disabled")
	}

	strategies, err := metadata.FromNames(mc.Strategies, opts)
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]metadata.Override, len(mc.KnownDomains))
	for host, kd := range mc.KnownDomains {
		overrides[host] = metadata.Override{Title: kd.Title, Description: kd.Description}
	}
	return metadata.NewFetcher(metadata.Config{
		Strategies: strategies,
		Overrides:  overrides,
		Logger:     logger,
	}), nil
}

func videoPolicy(v config.VideoConfig) convert.VideoPolicy {
	return convert.VideoPolicy{
		Watermark:         v.WatermarkText,
		TargetMB:          v.TargetMB,
		DirectUploadMB:    v.DirectUploadMB,
		SegmentBudgetMB:   v.SegmentBudgetMB,
		MinSegments:       v.MinSegments,
		SoftMaxSegments:   v.SoftMaxSegments,
		MaxSegments:       v.MaxSegments,
		SecondsPerSegment: v.SecondsPerSegment,
		MaxRecompressions: v.MaxRecompressions,
	}
}

// policies maps config onto per-kind workflow knobs. Link prompts expire,
// file prompts wait for workflow.promptTimeoutSeconds (0 = forever).
func policies(cfg *config.Config) map[domain.ContentKind]workflow.Policy {
	w := cfg.Workflow
	anchor := cfg.Threads.AnchorFirstArtifact
	return map[domain.ContentKind]workflow.Policy{
		domain.KindImageBatch: {PromptTimeout: w.PromptTimeout(), ConvertTimeout: w.DefaultTimeout(), AnchorFirstArtifact: anchor},
		domain.KindPDF:        {PromptTimeout: w.PromptTimeout(), ConvertTimeout: w.PDFTimeout(), AnchorFirstArtifact: anchor},
		domain.KindDOCX:       {PromptTimeout: w.PromptTimeout(), ConvertTimeout: w.DefaultTimeout(), AnchorFirstArtifact: anchor},
		domain.KindVideo: {
			PromptTimeout:       w.PromptTimeout(),
			ConvertTimeout:      cfg.Video.ConvertTimeout(),
			AnchorFirstArtifact: anchor,
			ReportProgress:      true,
		},
		domain.KindYouTube:  {PromptTimeout: w.LinkPromptTimeout(), ConvertTimeout: w.DefaultTimeout()},
		domain.KindReferral: {PromptTimeout: w.LinkPromptTimeout(), ConvertTimeout: w.DefaultTimeout()},
	}
}

package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:               "info",
			MaxConcurrentWorkflows: 4,
			BusSize:                100,
		},
		Discord: DiscordConfig{
			CommandPrefix: "!",
		},
		Limits: LimitsConfig{
			MaxPDFBytes:   8 * 1024 * 1024,
			MaxDOCXBytes:  8 * 1024 * 1024,
			MaxVideoBytes: 500 * 1024 * 1024,
		},
		Watermark: WatermarkConfig{
			Text:     "GridZer0",
			FontSize: 24,
		},
		DOCX: DOCXConfig{
			PageChars: 3000,
			Width:     1024,
			FontSize:  16,
			Margin:    20,
			Watermark: "GridZer0 Bot",
		},
		Video: VideoConfig{
			FFmpegPath:            "ffmpeg",
			WatermarkText:         "Confidential - GridZer0",
			TargetMB:              6,
			DirectUploadMB:        25,
			SegmentBudgetMB:       8,
			MinSegments:           6,
			SoftMaxSegments:       15,
			MaxSegments:           20,
			SecondsPerSegment:     180,
			MaxRecompressions:     2,
			ConvertTimeoutSeconds: 900,
		},
		Metadata: MetadataConfig{
			Strategies:     []string{"standard", "mobile", "browser"},
			TimeoutSeconds: 10,
			MinJitterMs:    500,
			MaxJitterMs:    2000,
			Browser: BrowserConfig{
				Headless:       true,
				ProfileDir:     "~/.mediabot/chrome",
				TimeoutSeconds: 30,
			},
			KnownDomains: defaultKnownDomains(),
		},
		Workflow: WorkflowConfig{
			PromptTimeoutSeconds:     0,
			LinkPromptTimeoutSeconds: 60,
			ArtifactDelayMs:          500,
			SettleDelayMs:            500,
			PDFTimeoutSeconds:        300,
			DefaultTimeoutSeconds:    120,
			ErrorDisplayLimit:        500,
		},
		Threads: ThreadsConfig{
			MaxAttempts:         3,
			BaseDelaySeconds:    2,
			NotifySettleSeconds: 2,
			ScanLimit:           10,
			AutoArchiveMinutes:  1440,
		},
		Store: StoreConfig{
			Enabled:            true,
			DBPath:             "~/.mediabot/mediabot.db",
			RetentionDays:      30,
			PruneSchedule:      "@daily",
			DedupWindowMinutes: 60,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}

func defaultKnownDomains() map[string]KnownDomain {
	return map[string]KnownDomain{
		"blofin.com": {
			Title:       "Blofin - Crypto Exchange Platform",
			Description: "Blofin is a cryptocurrency exchange platform. This link appears to be a referral link. The website restricts automated access, but you can click to visit directly.",
		},
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for mediabot.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Discord   DiscordConfig   `json:"discord"`
	Limits    LimitsConfig    `json:"limits"`
	Watermark WatermarkConfig `json:"watermark"`
	DOCX      DOCXConfig      `json:"docx"`
	Video     VideoConfig     `json:"video"`
	YouTube   YouTubeConfig   `json:"youtube"`
	Metadata  MetadataConfig  `json:"metadata"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Threads   ThreadsConfig   `json:"threads"`
	Store     StoreConfig     `json:"store"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel               string `json:"logLevel"`
	LogFile                string `json:"logFile,omitempty"`
	MaxConcurrentWorkflows int    `json:"maxConcurrentWorkflows"`
	BusSize                int    `json:"busSize"`
}

type DiscordConfig struct {
	Token             string `json:"token"`
	GuildID           string `json:"guildId,omitempty"` // optional: restrict to one guild
	ReferralChannelID string `json:"referralChannelId,omitempty"`
	CommandPrefix     string `json:"commandPrefix"`
}

// LimitsConfig holds per-kind upload ceilings in bytes.
type LimitsConfig struct {
	MaxPDFBytes   int64 `json:"maxPdfBytes"`
	MaxDOCXBytes  int64 `json:"maxDocxBytes"`
	MaxVideoBytes int64 `json:"maxVideoBytes"`
}

// WatermarkConfig is stamped on rasterized PDF pages.
type WatermarkConfig struct {
	Text     string `json:"text"`
	FontSize int    `json:"fontSize"`
}

type DOCXConfig struct {
	PageChars int    `json:"pageChars"`
	Width     int    `json:"width"`
	FontSize  int    `json:"fontSize"`
	Margin    int    `json:"margin"`
	Watermark string `json:"watermark"`
}

// VideoConfig is the transcoding policy. Sizes are in megabytes.
type VideoConfig struct {
	FFmpegPath            string  `json:"ffmpegPath"`
	WatermarkText         string  `json:"watermarkText"`
	TargetMB              float64 `json:"targetMB"`
	DirectUploadMB        float64 `json:"directUploadMB"`
	SegmentBudgetMB       float64 `json:"segmentBudgetMB"`
	MinSegments           int     `json:"minSegments"`
	SoftMaxSegments       int     `json:"softMaxSegments"`
	MaxSegments           int     `json:"maxSegments"`
	SecondsPerSegment     int     `json:"secondsPerSegment"`
	MaxRecompressions     int     `json:"maxRecompressions"`
	ConvertTimeoutSeconds int     `json:"convertTimeoutSeconds"`
}

type YouTubeConfig struct {
	APIKey string `json:"apiKey,omitempty"`
}

// MetadataConfig configures link preview scraping.
type MetadataConfig struct {
	Strategies     []string               `json:"strategies"` // "standard" | "mobile" | "browser"
	TimeoutSeconds int                    `json:"timeoutSeconds"`
	MinJitterMs    int                    `json:"minJitterMs"`
	MaxJitterMs    int                    `json:"maxJitterMs"`
	Browser        BrowserConfig          `json:"browser"`
	KnownDomains   map[string]KnownDomain `json:"knownDomains,omitempty"`
}

type BrowserConfig struct {
	Headless       bool   `json:"headless"`
	ProfileDir     string `json:"profileDir,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// KnownDomain replaces the generic placeholder for sites that always block scraping.
type KnownDomain struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type WorkflowConfig struct {
	PromptTimeoutSeconds     int `json:"promptTimeoutSeconds"` // 0 = wait indefinitely
	LinkPromptTimeoutSeconds int `json:"linkPromptTimeoutSeconds"`
	ArtifactDelayMs          int `json:"artifactDelayMs"`
	SettleDelayMs            int `json:"settleDelayMs"`
	PDFTimeoutSeconds        int `json:"pdfTimeoutSeconds"`
	DefaultTimeoutSeconds    int `json:"defaultTimeoutSeconds"`
	ErrorDisplayLimit        int `json:"errorDisplayLimit"`
}

type ThreadsConfig struct {
	MaxAttempts         int  `json:"maxAttempts"`
	BaseDelaySeconds    int  `json:"baseDelaySeconds"`
	NotifySettleSeconds int  `json:"notifySettleSeconds"`
	ScanLimit           int  `json:"scanLimit"`
	AutoArchiveMinutes  int  `json:"autoArchiveMinutes"`
	AnchorFirstArtifact bool `json:"anchorFirstArtifact"`
}

type StoreConfig struct {
	Enabled            bool   `json:"enabled"`
	DBPath             string `json:"dbPath"`
	RetentionDays      int    `json:"retentionDays"`
	PruneSchedule      string `json:"pruneSchedule"`
	DedupWindowMinutes int    `json:"dedupWindowMinutes"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Endpoint string `json:"endpoint"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (w WorkflowConfig) PromptTimeout() time.Duration     { return seconds(w.PromptTimeoutSeconds) }
func (w WorkflowConfig) LinkPromptTimeout() time.Duration { return seconds(w.LinkPromptTimeoutSeconds) }
func (w WorkflowConfig) ArtifactDelay() time.Duration {
	return time.Duration(w.ArtifactDelayMs) * time.Millisecond
}
func (w WorkflowConfig) SettleDelay() time.Duration {
	return time.Duration(w.SettleDelayMs) * time.Millisecond
}
func (w WorkflowConfig) PDFTimeout() time.Duration     { return seconds(w.PDFTimeoutSeconds) }
func (w WorkflowConfig) DefaultTimeout() time.Duration { return seconds(w.DefaultTimeoutSeconds) }

func (t ThreadsConfig) BaseDelay() time.Duration    { return seconds(t.BaseDelaySeconds) }
func (t ThreadsConfig) NotifySettle() time.Duration { return seconds(t.NotifySettleSeconds) }

func (v VideoConfig) ConvertTimeout() time.Duration { return seconds(v.ConvertTimeoutSeconds) }

func (s StoreConfig) DedupWindow() time.Duration { return time.Duration(s.DedupWindowMinutes) * time.Minute }
func (s StoreConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// DefaultConfigDir returns the default config directory (~/.mediabot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mediabot"
	}
	return filepath.Join(home, ".mediabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads the config file at path. A missing file is not an error: the
// defaults plus environment overrides are used instead. A .env file next to
// the config (or in the working directory) is loaded first.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// environment only
	case err != nil:
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	default:
		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	ApplyEnv(cfg)

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Metadata.Browser.ProfileDir = ExpandPath(cfg.Metadata.Browser.ProfileDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// decode unmarshals YAML files through a generic map so the json tags stay
// the single source of key names.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return err
		}
		if m == nil {
			return nil
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// ApplyEnv overrides config values from the process environment.
func ApplyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("DISCORD_TOKEN", &cfg.Discord.Token)
	setString("DISCORD_GUILD_ID", &cfg.Discord.GuildID)
	setString("REFERRAL_CHANNEL_ID", &cfg.Discord.ReferralChannelID)
	setString("WATERMARK_TEXT", &cfg.Watermark.Text)
	setString("YOUTUBE_API_KEY", &cfg.YouTube.APIKey)
	setString("FFMPEG_PATH", &cfg.Video.FFmpegPath)
	setString("LOG_LEVEL", &cfg.General.LogLevel)

	if v := os.Getenv("MAX_PDF_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Limits.MaxPDFBytes = n
		}
	}
	if v := os.Getenv("WATERMARK_FONTSIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Watermark.FontSize = n
		}
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if raw, err = yaml.Marshal(integralNumbers(m)); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, raw, 0o600)
}

// integralNumbers turns whole float64 values back into int64 so YAML output
// keeps "8388608" rather than "8.388608e+06".
func integralNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			val[k] = integralNumbers(child)
		}
	case []any:
		for i, child := range val {
			val[i] = integralNumbers(child)
		}
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
	}
	return v
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentWorkflows < 1 || cfg.General.MaxConcurrentWorkflows > 64 {
		errs = append(errs, "general.maxConcurrentWorkflows must be between 1 and 64")
	}
	if cfg.Discord.CommandPrefix == "" {
		errs = append(errs, "discord.commandPrefix must not be empty")
	}

	if cfg.Limits.MaxPDFBytes <= 0 || cfg.Limits.MaxDOCXBytes <= 0 || cfg.Limits.MaxVideoBytes <= 0 {
		errs = append(errs, "limits: all size ceilings must be > 0")
	}
	if cfg.Watermark.FontSize < 6 || cfg.Watermark.FontSize > 200 {
		errs = append(errs, "watermark.fontSize must be between 6 and 200")
	}
	if cfg.DOCX.PageChars < 100 {
		errs = append(errs, "docx.pageChars must be >= 100")
	}
	if cfg.DOCX.Width < 2*cfg.DOCX.Margin+cfg.DOCX.FontSize {
		errs = append(errs, "docx.width is too small for the configured margin and font")
	}

	v := cfg.Video
	if v.FFmpegPath == "" {
		errs = append(errs, "video.ffmpegPath must not be empty")
	}
	if v.TargetMB <= 0 || v.SegmentBudgetMB <= 0 || v.DirectUploadMB < v.SegmentBudgetMB {
		errs = append(errs, "video: targetMB and segmentBudgetMB must be > 0 and directUploadMB >= segmentBudgetMB")
	}
	if v.MinSegments < 1 || v.SoftMaxSegments < v.MinSegments || v.MaxSegments < v.SoftMaxSegments {
		errs = append(errs, "video: need 1 <= minSegments <= softMaxSegments <= maxSegments")
	}
	if v.MaxRecompressions < 0 || v.MaxRecompressions > 2 {
		errs = append(errs, "video.maxRecompressions must be between 0 and 2")
	}

	for _, s := range cfg.Metadata.Strategies {
		switch s {
		case "standard", "mobile", "browser":
		default:
			errs = append(errs, fmt.Sprintf("metadata.strategies: unknown strategy %q", s))
		}
	}
	if cfg.Metadata.MaxJitterMs < cfg.Metadata.MinJitterMs {
		errs = append(errs, "metadata.maxJitterMs must be >= minJitterMs")
	}

	if cfg.Threads.MaxAttempts < 1 || cfg.Threads.MaxAttempts > 10 {
		errs = append(errs, "threads.maxAttempts must be between 1 and 10")
	}
	switch cfg.Threads.AutoArchiveMinutes {
	case 60, 1440, 4320, 10080:
	default:
		errs = append(errs, "threads.autoArchiveMinutes must be one of: 60, 1440, 4320, 10080")
	}

	if cfg.Workflow.LinkPromptTimeoutSeconds < 1 {
		errs = append(errs, "workflow.linkPromptTimeoutSeconds must be >= 1")
	}
	if cfg.Workflow.PromptTimeoutSeconds < 0 {
		errs = append(errs, "workflow.promptTimeoutSeconds must be >= 0")
	}
	if cfg.Workflow.ErrorDisplayLimit < 20 {
		errs = append(errs, "workflow.errorDisplayLimit must be >= 20")
	}

	if cfg.Store.Enabled {
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required when the store is enabled")
		}
		if cfg.Store.RetentionDays < 1 {
			errs = append(errs, "store.retentionDays must be >= 1")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

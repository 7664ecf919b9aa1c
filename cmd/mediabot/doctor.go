package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"mediabot/internal/browser"
	"mediabot/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// checks tallies doctor results.
type checks struct {
	passed, warned, failed int
}

func (c *checks) pass(check, detail string) {
	c.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (c *checks) fail(check, detail string) {
	c.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (c *checks) warn(check, detail string) {
	c.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your mediabot installation",
		Long: `Verifies that mediabot's configuration, Discord token, ffmpeg, database,
Chrome and YouTube key are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("mediabot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var c checks

			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				c.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
			} else {
				c.pass("Config file", cfgPath)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				c.fail("Config validation", err.Error())
				return c.summary()
			}
			c.pass("Config validation", "valid")

			if cfg.Discord.Token == "" {
				c.fail("Discord token", "missing (set DISCORD_TOKEN or discord.token)")
			} else {
				c.pass("Discord token", "configured")
			}

			if cfg.Discord.ReferralChannelID == "" {
				c.warn("Referral channel", "not configured, referral previews disabled")
			} else {
				c.pass("Referral channel", cfg.Discord.ReferralChannelID)
			}

			if path, err := exec.LookPath(cfg.Video.FFmpegPath); err != nil {
				c.fail("ffmpeg", fmt.Sprintf("%q not found, video conversion will fail", cfg.Video.FFmpegPath))
			} else {
				c.pass("ffmpeg", path)
			}

			if cfg.Store.Enabled {
				if err := checkDatabase(cfg.Store.DBPath); err != nil {
					c.fail("Database", err.Error())
				} else {
					c.pass("Database", cfg.Store.DBPath)
				}
			} else {
				c.warn("Database", "store disabled, duplicate detection off")
			}

			if path, ok := browser.Available(); ok {
				c.pass("Chrome", path)
			} else {
				c.warn("Chrome", "not found, browser metadata strategy disabled")
			}

			if cfg.YouTube.APIKey == "" {
				c.warn("YouTube API key", "not set, YouTube links ignored")
			} else {
				c.pass("YouTube API key", "configured")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					c.pass("Log file", cfg.General.LogFile)
				}
			}

			return c.summary()
		},
	}
}

func (c *checks) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
	if c.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running mediabot.\n")
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	if c.warned > 0 {
		fmt.Printf("\nmediabot should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! mediabot is ready to run.\n")
	}
	return nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FolderJob is one configured folder/channel pair. Resolved once at startup
// and immutable for the process lifetime.
type FolderJob struct {
	Name               string `mapstructure:"name"`
	Path               string `mapstructure:"path"`
	Channel            string `mapstructure:"channel"`
	Token              string `mapstructure:"token"`
	BotName            string `mapstructure:"bot_name"`
	Icon               string `mapstructure:"icon"`
	UploadsPerMinute   int    `mapstructure:"uploads_per_minute"`
	PollInterval       string `mapstructure:"poll_interval"`        // poll-mode listing cadence
	BackupScanInterval string `mapstructure:"backup_scan_interval"` // push-mode safety scan
	SettleInterval     string `mapstructure:"settle_interval"`      // gap between stability checks
	SettleChecks       int    `mapstructure:"settle_checks"`        // consecutive identical stats required
	SettleTimeout      string `mapstructure:"settle_timeout"`       // give-up window for a growing file
	OnceWait           string `mapstructure:"once_wait"`            // one-shot token wait budget
	DisableFsnotify    bool   `mapstructure:"disable_fsnotify"`
	Heartbeat          bool   `mapstructure:"heartbeat"`
}

// Defaults applied where a job leaves a knob unset.
const (
	DefaultPollInterval       = 2 * time.Second
	DefaultBackupScanInterval = 1 * time.Minute
	DefaultSettleInterval     = 5 * time.Second
	DefaultSettleChecks       = 2
	DefaultSettleTimeout      = 60 * time.Second
	DefaultOnceWait           = 10 * time.Second
)

// Load unmarshals the "channels" list from the active viper config and
// validates every job. Any validation error is fatal before monitoring starts.
func Load() ([]FolderJob, error) {
	var jobs []FolderJob
	if err := viper.UnmarshalKey("channels", &jobs); err != nil {
		return nil, fmt.Errorf("parse channels: %w", err)
	}
	seen := make(map[string]struct{}, len(jobs))
	for i := range jobs {
		if err := jobs[i].Validate(); err != nil {
			return nil, err
		}
		// Names key the per-job results, so two entries sharing one would
		// silently shadow each other.
		if _, dup := seen[jobs[i].Name]; dup {
			return nil, fmt.Errorf("duplicate channel entry name %q", jobs[i].Name)
		}
		seen[jobs[i].Name] = struct{}{}
	}
	return jobs, nil
}

// Validate checks the required fields and duration syntax of a job.
func (j *FolderJob) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("channel entry missing name")
	}
	if j.Path == "" {
		return fmt.Errorf("[%s] missing path", j.Name)
	}
	if j.Channel == "" {
		return fmt.Errorf("[%s] missing channel", j.Name)
	}
	if j.Token == "" {
		return fmt.Errorf("[%s] missing token", j.Name)
	}
	if j.UploadsPerMinute <= 0 {
		return fmt.Errorf("[%s] uploads_per_minute must be positive, got %d", j.Name, j.UploadsPerMinute)
	}
	for _, d := range []struct {
		field string
		value string
	}{
		{"poll_interval", j.PollInterval},
		{"backup_scan_interval", j.BackupScanInterval},
		{"settle_interval", j.SettleInterval},
		{"settle_timeout", j.SettleTimeout},
		{"once_wait", j.OnceWait},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("[%s] invalid %s %q: %w", j.Name, d.field, d.value, err)
		}
	}
	return nil
}

func duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (j *FolderJob) PollEvery() time.Duration { return duration(j.PollInterval, DefaultPollInterval) }

func (j *FolderJob) BackupEvery() time.Duration {
	return duration(j.BackupScanInterval, DefaultBackupScanInterval)
}

func (j *FolderJob) SettleEvery() time.Duration {
	return duration(j.SettleInterval, DefaultSettleInterval)
}

func (j *FolderJob) SettleDeadline() time.Duration {
	return duration(j.SettleTimeout, DefaultSettleTimeout)
}

func (j *FolderJob) OnceWaitBudget() time.Duration { return duration(j.OnceWait, DefaultOnceWait) }

// StableChecks is the number of consecutive identical size/mtime observations
// required before a file is considered fully written. Never below two.
func (j *FolderJob) StableChecks() int {
	if j.SettleChecks < 2 {
		return DefaultSettleChecks
	}
	return j.SettleChecks
}

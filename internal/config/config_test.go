package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validJob() FolderJob {
	return FolderJob{
		Name:             "cats",
		Path:             "/srv/drop/cats",
		Channel:          "#daily-cat-pictures",
		Token:            "xoxb-test",
		UploadsPerMinute: 10,
	}
}

func TestValidateAcceptsMinimalJob(t *testing.T) {
	j := validJob()
	require.NoError(t, j.Validate())
}

func TestValidateRequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*FolderJob)
	}{
		{"missing name", func(j *FolderJob) { j.Name = "" }},
		{"missing path", func(j *FolderJob) { j.Path = "" }},
		{"missing channel", func(j *FolderJob) { j.Channel = "" }},
		{"missing token", func(j *FolderJob) { j.Token = "" }},
		{"zero rate", func(j *FolderJob) { j.UploadsPerMinute = 0 }},
		{"negative rate", func(j *FolderJob) { j.UploadsPerMinute = -3 }},
		{"bad poll interval", func(j *FolderJob) { j.PollInterval = "soon" }},
		{"bad settle interval", func(j *FolderJob) { j.SettleInterval = "5 seconds" }},
		{"bad once wait", func(j *FolderJob) { j.OnceWait = "x" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := validJob()
			tc.mutate(&j)
			assert.Error(t, j.Validate())
		})
	}
}

func TestDurationDefaults(t *testing.T) {
	j := validJob()

	assert.Equal(t, DefaultPollInterval, j.PollEvery())
	assert.Equal(t, DefaultBackupScanInterval, j.BackupEvery())
	assert.Equal(t, DefaultSettleInterval, j.SettleEvery())
	assert.Equal(t, DefaultSettleTimeout, j.SettleDeadline())
	assert.Equal(t, DefaultOnceWait, j.OnceWaitBudget())
	assert.Equal(t, DefaultSettleChecks, j.StableChecks())
}

func TestDurationOverrides(t *testing.T) {
	j := validJob()
	j.PollInterval = "250ms"
	j.SettleInterval = "1s"
	j.SettleTimeout = "2m"
	j.SettleChecks = 4

	assert.Equal(t, 250*time.Millisecond, j.PollEvery())
	assert.Equal(t, time.Second, j.SettleEvery())
	assert.Equal(t, 2*time.Minute, j.SettleDeadline())
	assert.Equal(t, 4, j.StableChecks())
}

func TestStableChecksNeverBelowTwo(t *testing.T) {
	j := validJob()
	j.SettleChecks = 1
	assert.Equal(t, 2, j.StableChecks(), "one observation can never prove stability")
}

func TestLoadFromViper(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("channels", []map[string]interface{}{
		{
			"name":               "cats",
			"path":               "/srv/drop/cats",
			"channel":            "#daily-cat-pictures",
			"token":              "xoxb-test",
			"uploads_per_minute": 10,
		},
		{
			"name":               "docs",
			"path":               "/srv/drop/docs",
			"channel":            "@archivist",
			"token":              "xoxb-test-2",
			"uploads_per_minute": 2,
			"disable_fsnotify":   true,
		},
	})

	jobs, err := Load()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "cats", jobs[0].Name)
	assert.Equal(t, "@archivist", jobs[1].Channel)
	assert.True(t, jobs[1].DisableFsnotify)
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("channels", []map[string]interface{}{
		{
			"name":               "cats",
			"path":               "/srv/drop/cats",
			"channel":            "#daily-cat-pictures",
			"token":              "xoxb-test",
			"uploads_per_minute": 10,
		},
		{
			"name":               "cats",
			"path":               "/srv/drop/more-cats",
			"channel":            "#more-cat-pictures",
			"token":              "xoxb-test",
			"uploads_per_minute": 5,
		},
	})

	_, err := Load()
	require.Error(t, err, "two entries sharing a name would shadow each other's results")
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadRejectsInvalidEntry(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("channels", []map[string]interface{}{
		{
			"name":    "broken",
			"path":    "/srv/drop/broken",
			"channel": "#x",
			"token":   "xoxb-test",
			// uploads_per_minute missing
		},
	})

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploads_per_minute")
}

// Copyright 2026 CleverData
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/relay-agent/internal/config"
	"github.com/cleverdata/relay-agent/internal/deliver"
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage watched folders and their Slack channels",
}

var channelAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new folder/channel pair",
	Long: `Adds a local folder to the agent's watch list. Every new file in the
folder is posted to the given Slack channel, then moved to posted/ on
success or rejected/ on failure.

Files must hold a constant size and mtime across consecutive stability
checks (settle-interval apart) before they are posted. The per-channel
rate limit bounds posts per minute; folder jobs sharing a channel share
the limit.`,
	Example: `  relay channel add --name cats --path /srv/drop/cats --channel "#daily-cat-pictures" --token "xoxb-..." --rate 10`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		path, _ := cmd.Flags().GetString("path")
		channel, _ := cmd.Flags().GetString("channel")
		token, _ := cmd.Flags().GetString("token")
		botName, _ := cmd.Flags().GetString("bot-name")
		icon, _ := cmd.Flags().GetString("icon")
		rateLimit, _ := cmd.Flags().GetInt("rate")
		force, _ := cmd.Flags().GetBool("force")
		pollInterval, _ := cmd.Flags().GetString("poll-interval")
		settleInterval, _ := cmd.Flags().GetString("settle-interval")
		settleChecks, _ := cmd.Flags().GetInt("settle-checks")
		settleTimeout, _ := cmd.Flags().GetString("settle-timeout")
		noFsnotify, _ := cmd.Flags().GetBool("no-fsnotify")

		if name == "" || path == "" || channel == "" || token == "" {
			fmt.Println("Error: --name, --path, --channel, and --token are required.")
			return
		}

		// --- VERIFICATION STEP ---
		if !force {
			fmt.Println("Verifying Slack credential...")
			if err := deliver.New(token).Ping(context.Background()); err != nil {
				fmt.Printf("Verification failed: %v\n", err)
				fmt.Println("Use --force to add anyway.")
				return
			}
			fmt.Println("Credential verified.")
		}
		// -------------------------

		absPath, err := filepath.Abs(path)
		if err != nil {
			fmt.Printf("Invalid path: %v\n", err)
			return
		}

		// Load existing jobs
		var jobs []config.FolderJob
		if err := viper.UnmarshalKey("channels", &jobs); err != nil {
			jobs = []config.FolderJob{}
		}

		// Check for duplicates
		for _, j := range jobs {
			if j.Name == name {
				fmt.Printf("Error: Channel entry '%s' already exists.\n", name)
				return
			}
		}

		newJob := config.FolderJob{
			Name:             name,
			Path:             absPath,
			Channel:          channel,
			Token:            token,
			BotName:          botName,
			Icon:             icon,
			UploadsPerMinute: rateLimit,
			PollInterval:     pollInterval,
			SettleInterval:   settleInterval,
			SettleChecks:     settleChecks,
			SettleTimeout:    settleTimeout,
			DisableFsnotify:  noFsnotify,
		}
		if err := newJob.Validate(); err != nil {
			fmt.Printf("Invalid entry: %v\n", err)
			return
		}

		jobs = append(jobs, newJob)
		viper.Set("channels", jobs)

		// Save config
		if viper.ConfigFileUsed() != "" {
			if err := viper.WriteConfig(); err != nil {
				fmt.Printf("Failed to update config: %v\n", err)
				return
			}
		} else {
			// No config exists yet; create one next to the binary.
			exePath, _ := os.Executable()
			targetDir := filepath.Dir(exePath)
			viper.SetConfigFile(filepath.Join(targetDir, "config.yaml"))

			if err := viper.SafeWriteConfig(); err != nil {
				fmt.Printf("Failed to create config: %v\n", err)
				return
			}
		}

		fmt.Printf("Channel entry '%s' added. Watching: %s -> %s\n", name, absPath, channel)
		fmt.Printf("Rate limit: %d uploads/minute\n", rateLimit)
		if noFsnotify {
			fmt.Println("Mode: POLLING ONLY (real-time events disabled)")
		} else {
			fmt.Println("Mode: REAL-TIME (fsnotify) with polling fallback")
		}
		fmt.Println("\n>>> IMPORTANT: Run 'relay restart' to apply these changes to the running service.")
	},
}

var channelListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List configured folder/channel pairs",
	Run: func(cmd *cobra.Command, args []string) {
		var jobs []config.FolderJob
		viper.UnmarshalKey("channels", &jobs)

		if len(jobs) == 0 {
			fmt.Println("No channels configured.")
			return
		}

		fmt.Printf("% -15s % -40s % -25s %s\n", "NAME", "PATH", "CHANNEL", "RATE/MIN")
		fmt.Println("--------------------------------------------------------------------------------------------")
		for _, j := range jobs {
			fmt.Printf("% -15s % -40s % -25s %d\n", j.Name, j.Path, j.Channel, j.UploadsPerMinute)
		}
	},
}

var channelRemoveCmd = &cobra.Command{
	Use:     "remove [name]",
	Aliases: []string{"rm", "del"},
	Short:   "Remove a configured folder/channel pair",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		var jobs []config.FolderJob
		if err := viper.UnmarshalKey("channels", &jobs); err != nil {
			fmt.Println("No channels configured.")
			return
		}

		found := false
		var updated []config.FolderJob
		for _, j := range jobs {
			if j.Name == name {
				found = true
				continue
			}
			updated = append(updated, j)
		}

		if !found {
			fmt.Printf("Error: Channel entry '%s' not found.\n", name)
			return
		}

		viper.Set("channels", updated)
		if err := viper.WriteConfig(); err != nil {
			fmt.Printf("Failed to save config: %v\n", err)
			return
		}

		fmt.Printf("Channel entry '%s' removed.\n", name)
		fmt.Println("\n>>> IMPORTANT: Run 'relay restart' to apply these changes to the running service.")
	},
}

func init() {
	channelAddCmd.Flags().String("name", "", "Unique name for this watcher")
	channelAddCmd.Flags().String("path", "", "Local folder path to watch")
	channelAddCmd.Flags().String("channel", "", "Slack channel to post to (e.g. #general or @user)")
	channelAddCmd.Flags().String("token", "", "Slack bot token (secret)")
	channelAddCmd.Flags().String("bot-name", "", "Display name for posts")
	channelAddCmd.Flags().String("icon", "", "Icon emoji for notices (e.g. :robot_face:)")
	channelAddCmd.Flags().Int("rate", 10, "Maximum uploads per minute for the channel")
	channelAddCmd.Flags().Bool("force", false, "Skip credential verification")
	channelAddCmd.Flags().String("poll-interval", "", "Polling cadence when change notification is unavailable (default: 2s)")
	channelAddCmd.Flags().String("settle-interval", "", "Time between file stability checks (default: 5s)")
	channelAddCmd.Flags().Int("settle-checks", 0, "Consecutive identical stats required before posting (default: 2)")
	channelAddCmd.Flags().String("settle-timeout", "", "Maximum time to wait for a file to stop changing (default: 60s)")
	channelAddCmd.Flags().Bool("no-fsnotify", false, "Disable real-time filesystem events (rely purely on polling)")

	channelCmd.AddCommand(channelAddCmd)
	channelCmd.AddCommand(channelListCmd)
	channelCmd.AddCommand(channelRemoveCmd)
	rootCmd.AddCommand(channelCmd)
}

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
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/relay-agent/internal/agent"
	"github.com/cleverdata/relay-agent/internal/config"
	"github.com/cleverdata/relay-agent/internal/journal"
	"github.com/cleverdata/relay-agent/internal/logging"
)

var onceMode bool

// RunAgent is the entry point for the agent process. In daemon mode it runs
// until terminated; in one-shot mode it processes the folders once and the
// returned error drives the exit code.
func RunAgent(logger logging.Logger, once bool) error {
	// reload config just in case
	if err := viper.ReadInConfig(); err != nil {
		logger.Warningf("Config not found or invalid: %v", err)
	}

	jobs, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	histPath := viper.GetString("history_db")
	if histPath == "" {
		histPath = journal.DefaultPath()
	}
	hist, err := journal.Open(histPath)
	if err != nil {
		// History is advisory; run without it rather than refuse to start.
		logger.Warningf("Delivery history unavailable: %v", err)
		hist = nil
	}
	defer hist.Close()

	a := agent.New(jobs, hist, logger)

	ctx := context.Background()
	if !once {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}

	return a.Run(ctx, agent.Options{Once: once})
}

func runLogger() logging.Logger {
	return logging.Console{}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground",
	Long: `Runs the watcher process directly. With --once, posts every file
currently in the watched folders and exits: status 0 when everything was
posted, 1 when any file was rejected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if service.Interactive() {
			cmd.SilenceUsage = true
			return RunAgent(runLogger(), onceMode)
		}
		// When running under the service manager we must call s.Run() to
		// check in with it.
		s, err := getService(viper.ConfigFileUsed())
		if err != nil {
			log.Fatalf("Failed to initialize service: %v", err)
		}
		return s.Run()
	},
}

func init() {
	runCmd.Flags().BoolVarP(&onceMode, "once", "1", false, "post all files in the folders and exit")
	rootCmd.AddCommand(runCmd)
}

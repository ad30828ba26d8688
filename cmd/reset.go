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
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/relay-agent/internal/journal"
)

var resetPath string

var resetCmd = &cobra.Command{
	Use:   "reset-history",
	Short: "Clear the delivery history database",
	Long: `Clears the local SQLite history of delivery outcomes. The history is
informational only; delivery state lives in the posted/ and rejected/
subfolders, so clearing it never causes re-posting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		histPath := viper.GetString("history_db")
		if histPath == "" {
			histPath = journal.DefaultPath()
		}
		hist, err := journal.Open(histPath)
		if err != nil {
			return err
		}
		defer hist.Close()

		if resetPath != "" {
			fmt.Printf("Clearing history for: %s\n", resetPath)
		} else {
			fmt.Println("Clearing entire delivery history.")
		}

		if err := hist.Reset(resetPath); err != nil {
			return err
		}
		fmt.Println("History reset complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVarP(&resetPath, "path", "p", "", "Specific file path to clear from history")
	rootCmd.AddCommand(resetCmd)
}

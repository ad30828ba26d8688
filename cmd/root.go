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
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/relay-agent/internal/logging"
)

var cfgFile string
var debugMode bool

var Version = "0.1.0" // Default version

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay folder-to-Slack agent",
	Long: `The Relay agent watches local folders and posts every new file to a
configured Slack channel. Posted files move to a "posted" subfolder,
failed files to "rejected".`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml next to the binary)")
	rootCmd.PersistentFlags().BoolVarP(&debugMode, "debug", "d", false, "enable debug logging")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	logging.DebugMode = debugMode

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// 1. Check local folder (same as the binary) - best for dev
		exePath, err := os.Executable()
		if err == nil {
			viper.AddConfigPath(filepath.Dir(exePath))
		}

		// 2. Check global ProgramData - standard for Windows services
		programData := os.Getenv("PROGRAMDATA")
		if programData != "" {
			viper.AddConfigPath(filepath.Join(programData, "Relay"))
		}

		// 3. System config dir for unix services
		viper.AddConfigPath("/etc/relay-agent")

		// 4. Fallback to home directory
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}

		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		// If we found one, lock it in so 'viper.WriteConfig()' updates the CORRECT file
		viper.SetConfigFile(viper.ConfigFileUsed())
	}
}

/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is zgcheck's main entry point. It's exported so the binary can
// be extended with more subcommands without touching core functionality.
var RootCmd = &cobra.Command{
	Use:   "zgcheck",
	Short: "Swiss Army Knife for ZG peer systems",
}

var (
	rootVerboseFlag         bool
	rootSignatureFlag       string
	rootSystemNameFlag      string
	rootLocalhostOnlyFlag   bool
	rootObserveDurationFlag time.Duration
)

func init() {
	RootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "verbose output")
	RootCmd.PersistentFlags().StringVarP(&rootSignatureFlag, "signature", "s", "zgdemo", "ZG system signature to join as an observer")
	RootCmd.PersistentFlags().StringVarP(&rootSystemNameFlag, "system-name", "n", "default", "ZG system name to join as an observer")
	RootCmd.PersistentFlags().BoolVarP(&rootLocalhostOnlyFlag, "localhost-only", "l", false, "restrict to the loopback interface")
	RootCmd.PersistentFlags().DurationVarP(&rootObserveDurationFlag, "observe", "t", 3*time.Second, "how long to listen to heartbeats before reporting")
}

// ConfigureVerbosity configures log verbosity based on parsed flags. Needs
// to be called by any subcommand.
func ConfigureVerbosity() {
	log.SetLevel(log.InfoLevel)
	if rootVerboseFlag {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute is the main entry point for the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

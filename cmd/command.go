// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/filecrate/filecrate/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "filecrate",
	Short: "Filecrate - chunked file upload service",
	Long: `Filecrate is the upload core of a multi-tenant file platform.
It receives files in resumable chunks, verifies their integrity, and merges
them into finalized objects on local or S3-compatible storage.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/spf13/cobra"

	"chunkcast/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "chunkcast",
	Short: "Serverless LAN file distribution",
	Long:  `Splits files into verified chunks and distributes them between LAN peers discovered over UDP broadcast, with no central server.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	var cfgPath string
	var root = &cobra.Command{Use: "quizchain", SilenceUsage: true}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.yaml)")

	root.AddCommand(serveCMD(&cfgPath), solveCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

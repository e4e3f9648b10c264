package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "chatctl",
		Short:        "marketchat: realtime chat session console",
		Long:         "Connects to the marketplace messaging server as one identity, prints inbound messages, sends messages and browses local history.",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Config file (default ~/.marketchat/config.yaml)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		listenCmd(),
		sendCmd(),
		statusCmd(),
		historyCmd(),
		loginCmd(),
		logoutCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

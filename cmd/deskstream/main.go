package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "deskstream",
		Short: "Stream a virtual display as H.264 over TCP",
		Long: `deskstream creates a virtual display, captures it, encodes it with the platform
hardware H.264 encoder and serves it to a single TCP peer. The peer drives the
pointer with length-prefixed JSON control packets on the same connection.`,
		SilenceUsage: true,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: deskstream.yaml in ., $HOME/.deskstream or /etc/deskstream)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newProbeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

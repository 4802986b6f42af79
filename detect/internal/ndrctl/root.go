// Package ndrctl implements the ndrctl command-line tool used to exercise
// and operate the NDR detection engine.
package ndrctl

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ndr/common/config"
	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	natsclient "github.com/telhawk-systems/telhawk-ndr/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-ndr/common/output"
)

var (
	cfgFile string
	cfg     *config.CLIConfig
	out     *output.Printer
)

var rootCmd = &cobra.Command{
	Use:   "ndrctl",
	Short: "TelHawk NDR CLI",
	Long: `ndrctl is the command-line interface for the TelHawk NDR detection engine.

Generate attack traffic, replay captures through the detectors, manage
indicator lists and validate engine configuration from your terminal.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		out = output.New()
		out.Out = cmd.OutOrStdout()
		out.Err = cmd.ErrOrStderr()
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.ndrctl/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")
}

func initConfig() {
	var err error
	cfg, err = config.LoadCLI(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = &config.CLIConfig{SensorID: "ndrctl"}
	}
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}

// cmdLogger logs to stderr at debug level with --verbose and stays quiet
// otherwise.
func cmdLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelError
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})).
		With(logging.Service("ndrctl"))
}

func connectNATS() (*natsclient.Client, error) {
	nc := cfg.NATS
	nc.Enabled = true
	client, err := natsclient.NewClient(natsclient.FromConfig(nc))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", nc.URL, err)
	}
	return client, nil
}

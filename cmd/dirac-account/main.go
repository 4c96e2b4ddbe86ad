package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account"
	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Overridable in tests.
var (
	runServer      = account.Run
	resetDevice    = account.ResetDevice
	sweepReminders = account.SweepReminders
)

var rootCmd = &cobra.Command{
	Use:          "dirac-account",
	Short:        "Dirac license service",
	Long:         `dirac-account issues trial licenses for the Dirac desktop app, verifies them, processes Stripe upgrades and sends trial reminders.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), Version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "dirac-account %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var resetDeviceCmd = &cobra.Command{
	Use:   "reset-device KEY",
	Short: "Clear the device binding of a license key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		initCLILogging()
		key, err := resetDevice(cmd.Context(), Version, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device binding reset for %s\n", key)
		return nil
	},
}

var sweepRemindersCmd = &cobra.Command{
	Use:   "sweep-reminders",
	Short: "Send due trial reminder emails once and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initCLILogging()
		res, err := sweepReminders(cmd.Context(), Version)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("reminder sweep finished with %d error(s)", len(res.Errors))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(resetDeviceCmd)
	rootCmd.AddCommand(sweepRemindersCmd)
}

func initCLILogging() {
	logging.Init(logging.Config{
		Format:    "console",
		Level:     "warn",
		Component: "dirac-account",
	})
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Command accessctl administers the Gray Logic Access permission matrix
// directly against the service database.
//
// Every write goes through the same permission service as the HTTP API, so
// history rows, audit entries and store version bumps are identical. When
// MQTT is enabled, running service instances are told to drop their cached
// snapshot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
var version = "dev"

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	actorID    string
	actorRole  string
	jsonOutput bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "accessctl",
		Short:         "Administer the Gray Logic Access permission matrix",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigFile(),
		"Path to config file (GRAYLOGIC_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flags.actorID, "actor", defaultActor(),
		"Actor id recorded in history and audit entries")
	rootCmd.PersistentFlags().StringVar(&flags.actorRole, "actor-role", "", "Role of the acting operator")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		newMigrateCmd(flags),
		newSyncCmd(flags),
		newDefaultsCmd(flags),
		newMatrixCmd(flags),
		newCheckCmd(flags),
		newSetCmd(flags),
		newActivateCmd(flags),
		newConditionsCmd(flags),
		newBulkCmd(flags),
		newHistoryCmd(flags),
		newAuditCmd(flags),
	)

	return rootCmd
}

func defaultConfigFile() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return "cli:" + user
	}
	return "cli"
}

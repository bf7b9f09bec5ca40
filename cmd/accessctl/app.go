package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	_ "github.com/nerrad567/gray-logic-access/migrations"

	"github.com/nerrad567/gray-logic-access/internal/audit"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

// app is the per-invocation wiring shared by the commands.
type app struct {
	cfg   *config.Config
	db    *database.DB
	svc   *rbac.Service
	audit *audit.SQLiteLog
	log   *logging.Logger
	out   io.Writer
	json  bool
	actor rbac.Actor
}

// openDatabase loads configuration and opens the database without
// migrating it.
func openDatabase(cmd *cobra.Command, flags *globalFlags) (*config.Config, *database.DB, *logging.Logger, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	log := logging.NewWithWriter(cfg.Logging, version, cmd.ErrOrStderr())

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, db, log, nil
}

// withApp opens and migrates the database, builds the permission service
// and runs fn. Resources are released when fn returns.
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()

	cfg, db, log, err := openDatabase(cmd, flags)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	a := &app{
		cfg:   cfg,
		db:    db,
		audit: audit.NewSQLiteLog(db),
		log:   log,
		out:   cmd.OutOrStdout(),
		json:  flags.jsonOutput,
		actor: rbac.Actor{
			ID:     flags.actorID,
			Role:   flags.actorRole,
			Source: audit.SourceCLI,
		},
	}
	a.svc = rbac.NewService(rbac.NewSQLiteStore(db), a.audit, rbac.ServiceConfig{
		MaxRetries: cfg.RBAC.MaxRetries,
		InstanceID: cfg.Service.ID + "-cli",
	})
	a.svc.SetLogger(log)

	if cfg.MQTT.Enabled {
		client, err := connectNotifier(cfg, a.svc)
		if err != nil {
			log.Warn("change notifications unavailable, running services will pick up changes on their next verify",
				"error", err)
		} else {
			defer client.Close() //nolint:errcheck // best effort on exit
		}
	}
	// Registered after the MQTT close so pending notifications drain first.
	defer a.svc.Close()

	return fn(ctx, a)
}

// connectNotifier publishes this invocation's changes to running services.
func connectNotifier(cfg *config.Config, svc *rbac.Service) (*mqtt.Client, error) {
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID += "-cli"

	client, err := mqtt.Connect(mqttCfg)
	if err != nil {
		return nil, err
	}
	svc.SetNotifier(mqtt.NewChangeNotifier(client, client.Topics(), byte(cfg.MQTT.QoS))) //nolint:gosec // qos validated to 0..2
	return client, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

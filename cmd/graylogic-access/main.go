// Gray Logic Access - permission matrix service
//
// This is the main entry point for the Gray Logic Access service. It owns
// the role/module/action permission matrix used by every Gray Logic
// component to authorise privileged actions, and exposes it through an
// authenticated admin API.
//
// Startup order: configuration, database and migrations, catalog sync,
// optional default seeding, MQTT change notifications, InfluxDB metrics,
// then the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-access/migrations"

	"github.com/nerrad567/gray-logic-access/internal/api"
	"github.com/nerrad567/gray-logic-access/internal/audit"
	"github.com/nerrad567/gray-logic-access/internal/auth"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// systemActorID attributes startup catalog syncs and seeding in the audit log.
const systemActorID = "system"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Access",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	auditLog := audit.NewSQLiteLog(db)
	svc := rbac.NewService(rbac.NewSQLiteStore(db), auditLog,
		rbac.ServiceConfigFromConfig(cfg.RBAC, cfg.Service.ID))
	svc.SetLogger(log.With("component", "rbac"))

	if err := bootstrapMatrix(ctx, cfg, svc, log); err != nil {
		return err
	}

	guard := auth.NewGuard(svc, auth.GuardConfig{SampleRate: cfg.RBAC.DecisionSampleRate})
	guard.SetLogger(log.With("component", "guard"))

	checks := map[string]api.HealthChecker{"database": db}

	// MQTT change notifications (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := startNotifications(cfg, svc, log)
		if mqttErr != nil {
			return mqttErr
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled, other instances detect changes by store version only")
	}

	// InfluxDB metrics (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB, cfg.Service.ID)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		guard.SetRecorder(influxClient)
		svc.SetRecorder(influxClient)
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Registered after the MQTT and InfluxDB closes so pending change
	// notifications are published before the broker connection goes away.
	defer svc.Close()

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		Security: cfg.Security,
		Logger:   log.With("component", "api"),
		Service:  svc,
		Audit:    auditLog,
		Guard:    guard,
		Defaults: rbac.DefaultPolicyFromConfig(cfg.RBAC),
		Checks:   checks,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: API server, permission
	// service (drains notifications), InfluxDB, MQTT, database.

	log.Info("Gray Logic Access stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// bootstrapMatrix syncs the configured catalog into storage and, when
// enabled, seeds defaults for every cell without a stored permission.
func bootstrapMatrix(ctx context.Context, cfg *config.Config, svc *rbac.Service, log *logging.Logger) error {
	actor := rbac.Actor{ID: systemActorID, Source: audit.SourceSystem}

	changes, err := svc.SyncCatalog(ctx, actor, rbac.CatalogFromConfig(cfg.RBAC))
	if err != nil {
		return fmt.Errorf("syncing catalog: %w", err)
	}
	log.Info("catalog synced",
		"roles", len(cfg.RBAC.Roles),
		"modules", len(cfg.RBAC.Modules),
		"actions", len(cfg.RBAC.Actions),
		"changed", !changes.Empty(),
	)

	if !cfg.RBAC.SeedDefaults {
		return nil
	}
	seeded, err := svc.InitializeDefaults(ctx, actor, rbac.DefaultPolicyFromConfig(cfg.RBAC))
	if err != nil {
		return fmt.Errorf("seeding default permissions: %w", err)
	}
	log.Info("default permissions checked",
		"seeded", seeded.Seeded,
		"existing", seeded.Existing,
		"super_role", cfg.RBAC.SuperRole,
	)
	return nil
}

// startNotifications connects to the broker, publishes this instance's
// changes and drops the local snapshot on changes made elsewhere.
func startNotifications(cfg *config.Config, svc *rbac.Service, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.With("component", "mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	notifier := mqtt.NewChangeNotifier(client, client.Topics(), byte(cfg.MQTT.QoS)) //nolint:gosec // qos validated to 0..2
	svc.SetNotifier(notifier)
	if err := notifier.Listen(svc.HandleChange); err != nil {
		client.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("subscribing to permission changes: %w", err)
	}

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"topic", client.Topics().PermissionsChanged(),
	)
	return client, nil
}

// healthCheck verifies every registered dependency is healthy.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

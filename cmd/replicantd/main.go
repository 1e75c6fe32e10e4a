// Replicant Core - shared runtime state for multi-client control surfaces.
//
// This is the main entry point for the Replicant Core service: the
// versioned key-value store, the RBAC engine that guards it, and the
// audit trail that records what happened.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/replicant-core/migrations"

	"github.com/nerrad567/replicant-core/internal/audit"
	"github.com/nerrad567/replicant-core/internal/auth"
	"github.com/nerrad567/replicant-core/internal/infrastructure/config"
	"github.com/nerrad567/replicant-core/internal/infrastructure/database"
	"github.com/nerrad567/replicant-core/internal/infrastructure/logging"
	"github.com/nerrad567/replicant-core/internal/replicant"
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

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Replicant Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

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

	// Access control: repositories, first-boot seed, authorizer
	users := auth.NewUserRepository(db.DB)
	roles := auth.NewRoleRepository(db.DB)
	perms := auth.NewPermissionRepository(db.DB)
	sessions := auth.NewSessionRepository(db.DB)

	adminPassword, err := auth.SeedAccessControl(ctx, users, roles, perms, log.Logger)
	if err != nil {
		return fmt.Errorf("seeding access control: %w", err)
	}
	if adminPassword != "" {
		log.Warn("generated initial admin credentials",
			"username", "admin",
			"password", adminPassword,
		)
	}

	authorizer := auth.NewAuthorizer(db.DB)

	// Audit trail
	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, cfg.Audit, log.Logger)
	defer func() {
		log.Info("flushing audit recorder", "dropped", recorder.Dropped())
		recorder.Close()
	}()

	// Versioned store behind the authorization engine
	storeRepo := replicant.NewSQLiteRepository(db.DB)
	store := replicant.NewService(
		storeRepo,
		authorizer,
		replicant.NewValidator(),
		recorder,
		cfg.Store,
	)

	// No transport is wired in this binary; client access to the store
	// is out of scope here.
	_ = store

	log.Info("replicant store ready",
		"max_value_bytes", cfg.Store.MaxValueBytes,
		"write_ahead_audit", cfg.Audit.WriteAhead,
	)

	// Housekeeping: session sweep plus history/audit retention
	go housekeeping(ctx, cfg, sessions, storeRepo, auditRepo, log)

	<-ctx.Done()
	log.Info("shutdown signal received")

	log.Info("Replicant Core stopped")
	return nil
}

// housekeeping runs the periodic cleanup loops: expired session removal
// and history/audit retention. It only ever deletes rows; revision
// numbering is untouched.
func housekeeping(
	ctx context.Context,
	cfg *config.Config,
	sessions auth.SessionRepository,
	store *replicant.SQLiteRepository,
	auditRepo audit.Repository,
	log *logging.Logger,
) {
	sweep := time.NewTicker(cfg.SweepInterval())
	defer sweep.Stop()
	retention := time.NewTicker(cfg.RetentionInterval())
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sweep.C:
			removed, err := sessions.DeleteExpired(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("session sweep failed", "error", err)
			} else if removed > 0 {
				log.Info("expired sessions removed", "count", removed)
			}

		case <-retention.C:
			if keep := cfg.Retention.HistoryKeep; keep > 0 {
				removed, err := store.PruneHistory(ctx, keep)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error("history prune failed", "error", err)
				} else if removed > 0 {
					log.Info("history rows pruned", "count", removed)
				}
			}
			if cfg.Retention.AuditMaxAgeDays > 0 {
				removed, err := auditRepo.Prune(ctx, time.Now().Add(-cfg.AuditMaxAge()))
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error("audit prune failed", "error", err)
				} else if removed > 0 {
					log.Info("audit rows pruned", "count", removed)
				}
			}
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses REPLICANT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("REPLICANT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

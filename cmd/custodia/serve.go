package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/medchain-labs/custodia/pkg/api"
	"github.com/medchain-labs/custodia/pkg/config"
	"github.com/medchain-labs/custodia/pkg/fanout"
	"github.com/medchain-labs/custodia/pkg/keycustody"
	"github.com/medchain-labs/custodia/pkg/ledger"
	"github.com/medchain-labs/custodia/pkg/log"
	"github.com/medchain-labs/custodia/pkg/metastore"
	"github.com/medchain-labs/custodia/pkg/metrics"
	"github.com/medchain-labs/custodia/pkg/objectstore"
	"github.com/medchain-labs/custodia/pkg/pipeline"
	"github.com/medchain-labs/custodia/pkg/policy"
	"github.com/medchain-labs/custodia/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Custodia node",
	Long: `Run the Custodia node: the record API plus the background event
consumer and the repair task.

In --dev mode the node is self-contained: the ledger is a local file
ledger and metadata lives in memory. Production mode connects to the
configured ledger gateway and Postgres.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		policyPath, _ := cmd.Flags().GetString("policies")
		dev, _ := cmd.Flags().GetBool("dev")
		readOnly, _ := cmd.Flags().GetBool("read-only")
		repairEvery, _ := cmd.Flags().GetDuration("repair-interval")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		metrics.RegisterDefault()
		logger := log.WithComponent("serve")

		keys, err := keycustody.Open(cfg.Keys)
		if err != nil {
			return fmt.Errorf("failed to open key custody: %w", err)
		}
		defer keys.Close()

		objects, err := objectstore.Open(cfg.ObjectStore, filepath.Join(dataDir, "objectstore"), keys, cfg.LightMode)
		if err != nil {
			return fmt.Errorf("failed to open object store: %w", err)
		}
		defer objects.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var lc ledger.Client
		if dev {
			lc, err = ledger.OpenFileLedger(filepath.Join(dataDir, "ledger"),
				cfg.Ledger.ChannelName, cfg.Ledger.EvaluateCacheTTL)
		} else {
			lc, err = ledger.Connect(ctx, cfg.Ledger, cfg.LightMode)
		}
		if err != nil {
			return fmt.Errorf("failed to open ledger session: %w", err)
		}
		defer lc.Close()

		var store metastore.Store
		if dev {
			store = metastore.NewMemory()
		} else {
			pg, err := metastore.OpenPostgres(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to open metadata store: %w", err)
			}
			store = pg
		}
		defer store.Close()

		source, err := loadPolicies(policyPath)
		if err != nil {
			return err
		}
		engine := policy.New(source, lc, cfg.Ledger.EvaluateCacheTTL)

		broker := fanout.NewBroker()
		broker.Start()
		defer broker.Stop()
		fanout.NewConsumer(store, engine, broker).Bind(lc)

		pipe := pipeline.New(objects, keys, lc, store, engine)
		if repairEvery > 0 {
			go pipe.RunRepairLoop(ctx, repairEvery)
		}
		go keys.RunSweepLoop(ctx)

		server := api.NewServer(pipe, lc, readOnly)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(listen)
		}()

		logger.Info().
			Str("listen", listen).
			Bool("dev", dev).
			Str("channel", cfg.Ledger.ChannelName).
			Msg("custodia node running")

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	},
}

// loadPolicies reads the local policy set. Without a file only the
// ledger overlay decides record access, so everything local denies.
func loadPolicies(path string) (policy.Source, error) {
	if path == "" {
		return policy.StaticSource{defaultReadPolicy()}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var policies []types.Policy
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return policy.StaticSource(policies), nil
}

// defaultReadPolicy admits record reads locally and leaves the real
// decision to the on-ledger grant check.
func defaultReadPolicy() types.Policy {
	return types.Policy{
		ID:        "default-record-read",
		Priority:  0,
		Effect:    types.EffectAllow,
		Subjects:  []string{"*"},
		Actions:   []string{string(types.ActionRead)},
		Resources: []string{"record:*"},
		IsActive:  true,
	}
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config overlay (environment still wins)")
	serveCmd.Flags().String("listen", "127.0.0.1:8484", "API listen address")
	serveCmd.Flags().String("data-dir", "./custodia-data", "Local data directory")
	serveCmd.Flags().String("policies", "", "YAML file with the local policy set")
	serveCmd.Flags().Bool("dev", false, "Self-contained mode: file ledger and in-memory metadata")
	serveCmd.Flags().Bool("read-only", false, "Reject all mutating API calls")
	serveCmd.Flags().Duration("repair-interval", 5*time.Minute, "Ledger reconciliation interval (0 disables)")
}

// Key commands operate on the local key store directly
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage data keys",
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate KEY_ID OWNER",
	Short: "Rotate a data key, re-wrapping under a fresh envelope",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		keys, err := keycustody.Open(cfg.Keys)
		if err != nil {
			return err
		}
		defer keys.Close()

		ctx, cancel := cmdContext()
		defer cancel()
		newID, err := keys.Rotate(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Key rotated: %s -> %s\n", args[0], newID)
		return nil
	},
}

var keySweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Deactivate expired data keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		keys, err := keycustody.Open(cfg.Keys)
		if err != nil {
			return err
		}
		defer keys.Close()

		ctx, cancel := cmdContext()
		defer cancel()
		swept, err := keys.SweepExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Deactivated %d expired keys\n", swept)
		return nil
	},
}

func init() {
	keyCmd.AddCommand(keyRotateCmd)
	keyCmd.AddCommand(keySweepCmd)
}

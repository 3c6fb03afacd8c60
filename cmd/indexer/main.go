package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	// Import built-in indexer plugins to register their handlers.
	"github.com/evmindex/indexcore/examples/indexers/erc20"
	"github.com/evmindex/indexcore/internal/aggregator"
	"github.com/evmindex/indexcore/internal/common"
	"github.com/evmindex/indexcore/internal/config"
	"github.com/evmindex/indexcore/internal/historicalsync"
	"github.com/evmindex/indexcore/internal/logger"
	"github.com/evmindex/indexcore/internal/metrics"
	"github.com/evmindex/indexcore/internal/pipeline"
	"github.com/evmindex/indexcore/internal/queryapi"
	"github.com/evmindex/indexcore/internal/realtimesync"
	"github.com/evmindex/indexcore/internal/rpcclient"
	"github.com/evmindex/indexcore/internal/store"
	"github.com/evmindex/indexcore/internal/store/postgres"
	"github.com/evmindex/indexcore/internal/store/sqlite"
	"github.com/evmindex/indexcore/pkg/handler"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

const (
	version = "1.0.0"
	banner  = `
╔═══════════════════════════════════════════╗
║             indexcore v%s               ║
║   Blockchain Event Indexing Framework      ║
╚═══════════════════════════════════════════╝
`
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "indexer",
	Short:   "indexcore - blockchain event indexing framework",
	Version: version,
	RunE:    runIndexer,
}

var schemaCmd = &cobra.Command{
	Use:   "config schema",
	Short: "Print the JSON Schema for the configuration file format",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema := jsonschema.Reflect(&config.Config{})
		data, err := schema.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshal schema: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(schemaCmd)
}

// componentLogger builds a logger honoring the per-component level
// override in cfg, if any, per SPEC_FULL.md §6's logging.component_levels.
func componentLogger(cfg *config.LoggingConfig, component string) (*logger.Logger, error) {
	level, development := "info", false
	if cfg != nil {
		level = cfg.GetComponentLevel(component)
		development = cfg.Development
	}
	l, err := logger.NewLogger(level, development)
	if err != nil {
		return nil, fmt.Errorf("logger for component %s: %w", component, err)
	}
	return l.WithComponent(component), nil
}

func runIndexer(cmd *cobra.Command, args []string) error {
	fmt.Printf(banner, version)

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down gracefully...")
		cancel()
	}()

	log, err := componentLogger(cfg.Logging, common.ComponentStore)
	if err != nil {
		return err
	}

	var st store.Store
	switch cfg.Database.Kind {
	case "sqlite":
		dbPath := filepath.Join(cfg.Database.Directory, "indexcore.db")
		st, err = sqlite.Open(ctx, sqlite.Config{
			Path:               dbPath,
			JournalMode:        cfg.Database.JournalMode,
			Synchronous:        cfg.Database.Synchronous,
			CacheSize:          cfg.Database.CacheSize,
			BusyTimeoutMS:      cfg.Database.BusyTimeoutMS,
			EnableForeignKeys:  cfg.Database.EnableForeignKeys,
			MaxOpenConnections: cfg.Database.MaxOpenConnections,
			MaxIdleConnections: cfg.Database.MaxIdleConnections,
		})
	case "postgres":
		st, err = postgres.Open(ctx, postgres.Config{
			ConnectionString:   cfg.Database.ConnectionString,
			MaxOpenConnections: cfg.Database.MaxOpenConnections,
			MaxIdleConnections: cfg.Database.MaxIdleConnections,
		})
	default:
		return fmt.Errorf("database.kind %q is not recognized (use \"sqlite\" or \"postgres\")", cfg.Database.Kind)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer metricsServer.Stop(ctx) //nolint:errcheck
		log.Infow("metrics server started", "address", cfg.Metrics.ListenAddress, "path", cfg.Metrics.Path)
	}

	networksByName := make(map[string]config.NetworkConfig, len(cfg.Networks))
	for _, n := range cfg.Networks {
		networksByName[n.Name] = n
	}
	filtersByNetwork := make(map[string][]store.LogFilter)
	for _, f := range cfg.Filters {
		net, ok := networksByName[f.Network]
		if !ok {
			return fmt.Errorf("filter %q references unknown network %q", f.Name, f.Network)
		}
		lf, err := f.ToLogFilter(net.ChainID)
		if err != nil {
			return err
		}
		filtersByNetwork[f.Network] = append(filtersByNetwork[f.Network], lf)
	}

	networkChainIDs := make(map[string]uint64, len(cfg.Networks))
	for _, n := range cfg.Networks {
		networkChainIDs[n.Name] = n.ChainID
	}
	agg := aggregator.New(networkChainIDs, allFilters(filtersByNetwork), st, mustComponentLogger(cfg.Logging, common.ComponentAggregator))

	registry := handler.NewRegistry()
	erc20.Register(registry)

	pipe, err := pipeline.New(cfg.Filters, registry, agg, st, nil, mustComponentLogger(cfg.Logging, common.ComponentPipeline))
	if err != nil {
		return fmt.Errorf("build handler pipeline: %w", err)
	}
	pipe.Start(ctx)

	for _, net := range cfg.Networks {
		net := net
		rpcLog, err := componentLogger(cfg.Logging, common.ComponentRPCClient)
		if err != nil {
			return err
		}
		client := rpcclient.NewClient(buildTransport(net, cfg.Retry, rpcLog))

		hsLog, err := componentLogger(cfg.Logging, common.ComponentHistoricalSync)
		if err != nil {
			return err
		}
		rsLog, err := componentLogger(cfg.Logging, common.ComponentRealtimeSync)
		if err != nil {
			return err
		}

		filters := filtersByNetwork[net.Name]
		hs := historicalsync.New(net, filters, client, st, agg, hsLog)
		rs := realtimesync.New(net, filters, config.FinalityBlockCount(net.ChainID), client, st, agg, rsLog)

		go func() {
			_, finalized, err := rs.Setup(ctx)
			if err != nil {
				rsLog.Errorw("realtime sync setup failed", "network", net.Name, "error", err)
				return
			}
			if err := hs.Run(ctx, finalized); err != nil {
				hsLog.Errorw("historical sync failed", "network", net.Name, "error", err)
				return
			}
			agg.HandleHistoricalSyncComplete(net.Name, net.ChainID)
			if err := rs.Start(ctx); err != nil && ctx.Err() == nil {
				rsLog.Errorw("realtime sync failed", "network", net.Name, "error", err)
			}
		}()
	}

	if cfg.Options.Mode == config.ModeIndexer || cfg.Options.Mode == config.ModeStandalone {
		apiLog, err := componentLogger(cfg.Logging, common.ComponentQueryAPI)
		if err != nil {
			return err
		}
		apiServer := queryapi.NewServer(agg, st, apiLog)
		go func() {
			if err := apiServer.ListenAndServe(ctx, ":8080"); err != nil && ctx.Err() == nil {
				apiLog.Errorw("query api server failed", "error", err)
			}
		}()
	}

	log.Info("indexcore running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("stopped")
	return nil
}

func mustComponentLogger(cfg *config.LoggingConfig, component string) *logger.Logger {
	l, err := componentLogger(cfg, component)
	if err != nil {
		return logger.NewNopLogger()
	}
	return l
}

func allFilters(byNetwork map[string][]store.LogFilter) []store.LogFilter {
	var out []store.LogFilter
	for _, fs := range byNetwork {
		out = append(out, fs...)
	}
	return out
}

func buildTransport(net config.NetworkConfig, retry *config.RetryConfig, log *logger.Logger) rpcclient.Transport {
	var direct rpcclient.Transport = rpcclient.NewDirectTransport(net.RPCURL, retry)
	if net.Payments != nil {
		payments := rpcclient.NewHTTPPaymentsClient(*net.Payments)
		return rpcclient.NewPaidTransport(net.RPCURL, retry, payments, *net.Payments)
	}
	if net.IndexerURL != "" {
		return rpcclient.NewRemoteIndexerTransport(net.IndexerURL, direct, log)
	}
	return direct
}

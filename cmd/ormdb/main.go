package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Skelf-Research/ormdb/pkg/catalog"
	"github.com/Skelf-Research/ormdb/pkg/changelog"
	"github.com/Skelf-Research/ormdb/pkg/config"
	"github.com/Skelf-Research/ormdb/pkg/engine"
	"github.com/Skelf-Research/ormdb/pkg/log"
	"github.com/Skelf-Research/ormdb/pkg/metrics"
	"github.com/Skelf-Research/ormdb/pkg/rowstore"
)

var (
	cfgFile     string
	dataDir     string
	logLevel    string
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ormdb",
		Short: "ORMDB storage-and-query core",
		Long:  "ormdb inspects and maintains an ORMDB data directory: schema application, compaction, change log tailing.",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")

	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(compactCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(changelogCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		cfg, err = config.LoadFile(cfgFile)
		if err != nil {
			return nil, err
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	log.Init(log.Config{Level: logLevel, JSONOutput: cfg.Log.JSON})
	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}
	return cfg, nil
}

// serveMetrics exposes the Prometheus scrape endpoint for long-running
// commands such as changelog tail.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
	}
}

func openEngine(cfg *config.Config) (*engine.Engine, error) {
	return engine.Open(engine.Options{
		DataDir:            cfg.DataDir,
		Durability:         rowstore.Mode(cfg.Durability),
		HistoryLimit:       cfg.HistoryLimit,
		CompactionInterval: cfg.Compaction.Interval,
		TombstoneRetention: cfg.Compaction.TombstoneRetention,
		ChangelogRetention: cfg.Changelog.Retention,
		ChangelogSizeCap:   cfg.Changelog.SizeCap,
		PlanCacheSize:      cfg.PlanCacheSize,
		MaxCascadeDepth:    cfg.MaxCascadeDepth,
		DisableCompactor:   true, // one-shot commands manage compaction explicitly
	})
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show schema, row counts and log position",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			fmt.Printf("schema version: %d\n", eng.Catalog().Version())
			fmt.Printf("last lsn:       %d\n", eng.Changelog().LastLSN())
			for _, entity := range eng.Catalog().Snapshot().Entities() {
				n, err := eng.ApproximateCount(entity)
				if err != nil {
					return err
				}
				fmt.Printf("entity %-24s ~%d live rows\n", entity, n)
			}
			for _, built := range eng.BuiltIndexes() {
				fmt.Printf("btree built:    %s\n", built)
			}
			return nil
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run one compaction cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			report, err := eng.Compact()
			if err != nil {
				return err
			}
			fmt.Printf("tombstones removed: %d\n", report.TombstonesRemoved)
			fmt.Printf("versions removed:   %d\n", report.VersionsRemoved)
			fmt.Printf("bytes reclaimed:    %d\n", report.BytesReclaimed)
			fmt.Printf("duration:           %dms\n", report.DurationMS)
			return nil
		},
	}
}

func schemaCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "schema apply <bundle.yaml>",
		Short: "Apply a schema bundle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "apply" {
				return fmt.Errorf("unknown schema subcommand %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bundle, err := catalog.LoadBundleFile(args[1])
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			grade, err := eng.ApplySchema(bundle, force)
			if err != nil {
				return err
			}
			fmt.Printf("applied schema version %d (%s)\n", bundle.Version, grade)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "apply breaking changes")
	return cmd
}

func changelogCmd() *cobra.Command {
	var fromLSN uint64
	var entities []string
	cmd := &cobra.Command{
		Use:   "changelog tail",
		Short: "Tail the change log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "tail" {
				return fmt.Errorf("unknown changelog subcommand %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			opts := changelog.StreamOptions{Entities: entities}
			if fromLSN > 0 {
				opts.FromLSN = &fromLSN
			}
			stream, err := eng.Subscribe(ctx, opts)
			if err != nil {
				return err
			}
			for batch := range stream.C {
				if batch.Rewound {
					fmt.Println("-- rewound: requested position already trimmed --")
				}
				for _, e := range batch.Entries {
					fmt.Printf("lsn=%d ts=%d %s %s %s\n", e.LSN, e.TS, e.Op, e.Entity, e.ID)
					stream.Ack(e.LSN)
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&fromLSN, "from-lsn", 0, "start from this LSN")
	cmd.Flags().StringSliceVar(&entities, "entity", nil, "filter by entity (repeatable)")
	return cmd
}

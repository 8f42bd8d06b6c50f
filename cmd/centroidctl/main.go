// Package main provides centroidctl, the operational CLI for personalization
// centroids: one-shot builds, store inspection, and the foreground scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/builder"
	"github.com/tessera-ai/fedsearch/centroidstore"
	"github.com/tessera-ai/fedsearch/config"
	"github.com/tessera-ai/fedsearch/embedder"
	"github.com/tessera-ai/fedsearch/pgsearch"
	"github.com/tessera-ai/fedsearch/qdrant"
	"github.com/tessera-ai/fedsearch/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "centroidctl",
		Short: "Manage fedsearch personalization centroids",
		Long: `centroidctl recomputes and inspects the per-tenant tag centroids that
drive query personalization.

Builds scan the vector index per (tenant, tag), average the embeddings and
publish unit-normalized centroids to the configured store. Tenants and tags
come from the config file unless overridden by flags.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to a fedsearch config file")
	root.PersistentFlags().String("redis", "", "override the redis address from config")
	root.PersistentFlags().String("store", "redis", "centroid store backend: redis, badger or memory")
	root.AddCommand(newRunCmd(), newStatsCmd(), newScheduleCmd(), newQueryCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Recompute centroids for one tenant or for all configured tenants",
		RunE:  runBuild,
	}
	cmd.Flags().String("tenant", "", "tenant to build")
	cmd.Flags().StringSlice("tags", nil, "tags to build (default: all configured tags)")
	cmd.Flags().Bool("all", false, "build every tenant in builder.tenants")
	cmd.Flags().String("index", "qdrant", "vector index backend: qdrant or pgvector")
	return cmd
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer flushTraces(logger)

	tenant, _ := cmd.Flags().GetString("tenant")
	all, _ := cmd.Flags().GetBool("all")
	tags, _ := cmd.Flags().GetStringSlice("tags")

	switch {
	case all && tenant != "":
		return errors.New("--tenant and --all are mutually exclusive")
	case !all && tenant == "":
		return errors.New("one of --tenant or --all is required")
	}
	tenants := []string{tenant}
	if all {
		tenants = cfg.Builder.Tenants
		if len(tenants) == 0 {
			return errors.New("builder.tenants is empty; nothing to build")
		}
	}

	store, err := openStore(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	index, err := openIndex(cmd, cfg, logger)
	if err != nil {
		return err
	}
	b, err := builder.New(cfg, index, store, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, tn := range tenants {
		report, runErr := b.Run(ctx, tn, tags)
		if report != nil {
			printReport(cmd.OutOrStdout(), report)
			failed += report.Failed
		}
		if runErr != nil {
			return runErr
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d key(s) failed", failed)
	}
	return nil
}

func printReport(w io.Writer, r *builder.BuildReport) {
	fmt.Fprintf(w, "tenant %s: %d ok, %d skipped, %d failed (run %s, %s)\n",
		r.Tenant, r.Succeeded, r.Skipped, r.Failed, r.RunID,
		r.Finished.Sub(r.Started).Round(time.Millisecond))
	for _, k := range r.Keys {
		fmt.Fprintf(w, "  %-28s %-11s %6d vectors", k.Tag, k.State, k.SourceCount)
		if k.Error != "" {
			fmt.Fprintf(w, "  %s", k.Error)
		}
		fmt.Fprintln(w)
	}
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show stored centroids by tenant and tag",
		RunE:  runStats,
	}
	cmd.Flags().String("tenant", "", "limit to one tenant")
	return cmd
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer flushTraces(logger)

	store, err := openStore(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	tenants := cfg.Builder.Tenants
	if tenant, _ := cmd.Flags().GetString("tenant"); tenant != "" {
		tenants = []string{tenant}
	}
	if len(tenants) == 0 {
		return errors.New("no tenants: pass --tenant or set builder.tenants")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := cmd.OutOrStdout()
	for _, tn := range tenants {
		tags, err := store.Scan(ctx, tn)
		if err != nil {
			return fmt.Errorf("scan tenant %s: %w", tn, err)
		}
		sort.Strings(tags)
		fmt.Fprintf(w, "tenant %s: %d centroid(s)\n", tn, len(tags))
		for _, tag := range tags {
			c, ok, err := store.Get(ctx, tn, tag)
			if err != nil {
				return fmt.Errorf("get %s/%s: %w", tn, tag, err)
			}
			if !ok {
				continue
			}
			fmt.Fprintf(w, "  %-28s dim %-5d %6d vectors  updated %s\n",
				tag, c.Dimension, c.SourceCount, c.UpdatedAt.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the centroid build scheduler in the foreground",
		RunE:  runSchedule,
	}
	cmd.Flags().String("index", "qdrant", "vector index backend: qdrant or pgvector")
	return cmd
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer flushTraces(logger)

	store, err := openStore(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	index, err := openIndex(cmd, cfg, logger)
	if err != nil {
		return err
	}
	b, err := builder.New(cfg, index, store, logger)
	if err != nil {
		return err
	}
	sched, err := builder.NewScheduler(b, cfg.Builder, logger)
	if err != nil {
		return err
	}
	if cfg.Tags.File != "" {
		tw, err := config.NewTagsWatcher(cfg.Tags.File, logger, func(tf *config.TagsFile) {
			b.ReloadTags(tf.Tables)
		})
		if err != nil {
			return err
		}
		defer tw.Close()
	}
	if err := sched.Start(context.Background()); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Telemetry.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.Telemetry.MetricsAddr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutCtx)
	}
	return sched.Stop()
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run one federated search against the configured stack",
		Long: `query assembles the full engine (embedding client, vector index, Postgres
full-text index and centroid store) and runs a single search, printing the
fused ranking and its trace. Useful to smoke-check a stack after a build.`,
		Args: cobra.ExactArgs(1),
		RunE: runQuery,
	}
	cmd.Flags().String("tenant", "", "tenant to search (required)")
	cmd.Flags().Int("k", 0, "result count (default: engine.default_k_total)")
	cmd.Flags().Bool("personalize", false, "blend the query with the tenant's tag centroid")
	cmd.Flags().String("tag", "", "centroid tag (default: inferred from the query)")
	cmd.Flags().Float64("alpha", -1, "personalization strength in [0,1] (default: configured)")
	cmd.Flags().String("index", "qdrant", "vector index backend: qdrant or pgvector")
	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer flushTraces(logger)

	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		return errors.New("--tenant is required")
	}

	store, err := openStore(cmd, cfg, logger)
	if err != nil {
		return err
	}
	index, err := openIndex(cmd, cfg, logger)
	if err != nil {
		store.Close()
		return err
	}
	lexical, err := pgsearch.NewFTS(cfg.Postgres, logger)
	if err != nil {
		store.Close()
		return err
	}
	defer lexical.Close()
	emb, err := embedder.New(cfg.Embedder, logger)
	if err != nil {
		store.Close()
		return err
	}

	engine, err := fedsearch.New(cfg, fedsearch.Deps{
		Embedder: emb,
		Vector:   index,
		Lexical:  lexical,
		Store:    store,
	}, logger)
	if err != nil {
		store.Close()
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := fedsearch.QueryRequest{
		Query:       args[0],
		Tenant:      tenant,
		UseInternal: true,
	}
	req.Personalize, _ = cmd.Flags().GetBool("personalize")
	req.Tag, _ = cmd.Flags().GetString("tag")
	if k, _ := cmd.Flags().GetInt("k"); k > 0 {
		req.KTotal = k
	} else {
		req.KTotal = cfg.Engine.DefaultKTotal
	}
	if alpha, _ := cmd.Flags().GetFloat64("alpha"); alpha >= 0 {
		req.Alpha = &alpha
	}

	res, err := engine.Search(ctx, req)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

func printResult(w io.Writer, res *fedsearch.Result) {
	tr := res.Trace
	fmt.Fprintf(w, "%d hit(s) in %dms (internal %d, external %d",
		tr.Total, tr.DurationMS, tr.InternalCount, tr.ExternalCount)
	if tr.PersonalizationApplied {
		fmt.Fprintf(w, ", alpha %.2f", tr.AlphaUsed)
	}
	fmt.Fprintln(w, ")")
	for _, n := range tr.Notes {
		fmt.Fprintf(w, "note: %s\n", n)
	}
	for _, h := range res.Hits {
		fmt.Fprintf(w, "%3d. %-40s %-8s %.6f\n", h.FinalRank, h.ID, h.Origin, h.FusedScore)
	}
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if addr, _ := cmd.Flags().GetString("redis"); addr != "" {
		cfg.Redis.Addr = addr
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Telemetry.OTLPEndpoint != "",
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// flushTraces drains buffered spans before the process exits.
func flushTraces(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		logger.Warn("trace flush failed", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

func openStore(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) (fedsearch.CentroidStore, error) {
	backend, _ := cmd.Flags().GetString("store")
	switch backend {
	case "", "redis":
		return centroidstore.NewRedis(cfg.Redis, logger)
	case "badger":
		return centroidstore.NewBadger(cfg.Badger, logger)
	case "memory":
		return centroidstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func openIndex(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger) (fedsearch.VectorIndex, error) {
	backend, _ := cmd.Flags().GetString("index")
	switch backend {
	case "", "qdrant":
		return qdrant.New(cfg.Qdrant, logger)
	case "pgvector":
		return pgsearch.NewVector(cmd.Context(), cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown index backend %q", backend)
	}
}

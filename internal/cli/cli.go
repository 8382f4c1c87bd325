// ============================================================================
// GWC CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   gwc                            # Root command
//   ├── run                        # Start tile cache system
//   │   └── --config, -c          # Specify config file
//   ├── seed                       # Submit a seed/reseed job and watch it
//   ├── truncate                   # Delete a tile range synchronously
//   ├── status                     # View task table for a layer
//   ├── quota                      # Report usage / update quota limits
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// run Command:
//   Starts the complete tile cache system, including:
//   1. Load config file and layer catalog
//   2. Create blob store, seeding breeder and quota monitor
//   3. Start Metrics HTTP server (if enabled)
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully shutdown: breeder first (tasks observe cancellation),
//      then monitor (pipelines drain, ledger snapshot written)
//
//   Examples:
//     ./gwc run
//     ./gwc run -c custom-config.yaml
//
// seed Command:
//   Builds the system in-process, submits one seeding request and polls
//   the task table until all sibling tasks reach a terminal state.
//
//   Examples:
//     ./gwc seed --layer topp:states --gridset EPSG:4326 --zoom-start 0 --zoom-stop 4 --threads 4
//     ./gwc seed --layer topp:states --reseed
//
// truncate Command:
//   Runs a single-threaded truncate task synchronously and reports the
//   number of tiles removed.
//
// quota Command:
//   Without flags prints the per-tileset usage report. With --set-global,
//   --set-layer or --policy it validates the new limits and writes them
//   back to the config file.
//
// Signal Handling:
//   run command captures SIGINT and SIGTERM and shuts down gracefully.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GeoWebCache/geowebcache-sub001/internal/config"
	"github.com/GeoWebCache/geowebcache-sub001/internal/layer"
	"github.com/GeoWebCache/geowebcache-sub001/internal/metrics"
	"github.com/GeoWebCache/geowebcache-sub001/internal/quota"
	"github.com/GeoWebCache/geowebcache-sub001/internal/seed"
	"github.com/GeoWebCache/geowebcache-sub001/internal/storage"
	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

var log = slog.Default()

var configFile string

// BuildCLI assembles the root command and all subcommands
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gwc",
		Short: "GWC: a tile cache seeding and disk quota engine",
		Long: `GWC is a map tile cache engine with:
- Parallel seed/reseed/truncate task scheduling
- Disk quota enforcement with LRU/LFU page expiration
- Durable usage ledger (snapshot + journal recovery)
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSeedCommand())
	rootCmd.AddCommand(buildTruncateCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildQuotaCommand())

	return rootCmd
}

// ============================================================================
// System assembly
// ============================================================================

// System bundles the wired-up subsystems for one process
type System struct {
	Config    config.Config
	Catalog   *layer.Catalog
	Store     storage.Storage
	Breeder   *seed.Breeder
	Monitor   *quota.Monitor
	Collector *metrics.Collector
}

// BuildSystem wires catalog, store, breeder and monitor from a validated
// config. Render is the tile materialization backend; nil selects the
// built-in stub renderer.
func BuildSystem(cfg config.Config, render storage.RenderFunc) (*System, error) {
	catalog, err := cfg.LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to load layer catalog: %w", err)
	}

	var store storage.Storage
	switch cfg.Storage.Backend {
	case config.BackendFile:
		fs, err := storage.NewFileBlobStore(cfg.Storage.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}
		store = fs
	default:
		store = storage.NewMemoryStore()
	}

	var collector *metrics.Collector
	var obs seed.Observer
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		obs = collector
	}

	if render == nil {
		render = storage.StubRender(256)
	}
	source := storage.NewCachingSource(store, render)

	breeder := seed.NewBreeder(cfg.SeedConfig(), catalog, store, source, obs)

	monitor, err := quota.NewMonitor(cfg.QuotaConfig(), catalog, store, breeder)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota monitor: %w", err)
	}

	return &System{
		Config:    cfg,
		Catalog:   catalog,
		Store:     store,
		Breeder:   breeder,
		Monitor:   monitor,
		Collector: collector,
	}, nil
}

// Start brings the subsystems up in dependency order
func (s *System) Start() error {
	if err := s.Breeder.Start(); err != nil {
		return fmt.Errorf("failed to start breeder: %w", err)
	}
	if err := s.Monitor.Start(); err != nil {
		s.Breeder.Stop()
		return fmt.Errorf("failed to start quota monitor: %w", err)
	}
	return nil
}

// Stop shuts down in reverse order: the breeder drains first so the
// monitor still sees its delete events, then the monitor persists the
// ledger snapshot.
func (s *System) Stop() {
	s.Breeder.Stop()
	s.Monitor.Stop()
}

// refreshGauges pushes current usage and scheduler state into Prometheus
func (s *System) refreshGauges() {
	if s.Collector == nil {
		return
	}
	ledger := s.Monitor.Ledger()
	s.Collector.SetQuotaUsed(metrics.GlobalScope, ledger.GlobalUsed().Bytes())
	for _, name := range s.Catalog.Names() {
		s.Collector.SetQuotaUsed(name, ledger.UsedBy([]string{name}).Bytes())
	}
	if q := s.Config.Quota.GlobalQuota; q > 0 {
		s.Collector.SetQuotaLimit(metrics.GlobalScope, q.Bytes())
	}
	for name, q := range s.Config.Quota.LayerQuotas {
		s.Collector.SetQuotaLimit(name, q.Bytes())
	}
	s.Collector.UpdateTaskStats(len(s.Breeder.PendingTasks()), len(s.Breeder.RunningTasks()))
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the tile cache system",
		Long:  "Start the seeding scheduler, quota monitor and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

func runSystem() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sys, err := BuildSystem(cfg, nil)
	if err != nil {
		return err
	}

	if err := sys.Start(); err != nil {
		return err
	}

	log.Info("system started",
		"config", configFile,
		"layers", len(sys.Catalog.Names()),
		"pool_size", cfg.Seed.PoolSize,
		"backend", cfg.Storage.Backend)

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
		go gaugeLoop(sys)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("received shutdown signal, stopping gracefully")
	sys.Stop()
	log.Info("system stopped")
	return nil
}

// gaugeLoop periodically refreshes the Prometheus gauges until the
// process exits with the run command
func gaugeLoop(sys *System) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		sys.refreshGauges()
	}
}

// ============================================================================
// seed / truncate
// ============================================================================

type seedFlags struct {
	layer     string
	gridSet   string
	srs       int
	format    string
	paramsID  string
	zoomStart int
	zoomStop  int
	threads   int
	reseed    bool
}

func (f *seedFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.layer, "layer", "", "layer name")
	cmd.Flags().StringVar(&f.gridSet, "gridset", "", "gridset identifier (e.g. EPSG:4326)")
	cmd.Flags().IntVar(&f.srs, "srs", 0, "SRS code, used when --gridset is not given")
	cmd.Flags().StringVar(&f.format, "format", "", "tile format (defaults to the layer's first format)")
	cmd.Flags().StringVar(&f.paramsID, "params", "", "parameter set identifier")
	cmd.Flags().IntVar(&f.zoomStart, "zoom-start", 0, "first zoom level")
	cmd.Flags().IntVar(&f.zoomStop, "zoom-stop", 0, "last zoom level")
	cmd.MarkFlagRequired("layer")
}

func (f *seedFlags) request(taskType types.TaskType) seed.Request {
	return seed.Request{
		Layer:     f.layer,
		GridSet:   f.gridSet,
		SRS:       f.srs,
		Format:    f.format,
		ParamsID:  f.paramsID,
		ZoomStart: f.zoomStart,
		ZoomStop:  f.zoomStop,
		Threads:   f.threads,
		Type:      taskType,
	}
}

func buildSeedCommand() *cobra.Command {
	var flags seedFlags

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Submit a seeding job and watch it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskType := types.TypeSeed
			if flags.reseed {
				taskType = types.TypeReseed
			}
			return runSeedJob(flags.request(taskType))
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVar(&flags.threads, "threads", 1, "number of parallel seeding threads")
	cmd.Flags().BoolVar(&flags.reseed, "reseed", false, "regenerate tiles even when already cached")

	return cmd
}

func runSeedJob(req seed.Request) error {
	sys, err := buildFromConfigFile()
	if err != nil {
		return err
	}
	if err := sys.Start(); err != nil {
		return err
	}
	defer sys.Stop()

	ids, err := sys.Breeder.Seed(req)
	if err != nil {
		return fmt.Errorf("failed to submit seed job: %w", err)
	}
	log.Info("seed job submitted", "layer", req.Layer, "tasks", len(ids))

	status := watchTasks(sys.Breeder, req.Layer, ids)
	printStatusTable(status)

	for _, st := range status {
		if st.State == types.StateDead {
			return fmt.Errorf("seed job failed: task %d is dead", st.ID)
		}
	}
	return nil
}

// watchTasks polls the task table until every submitted task reaches a
// terminal state, then returns the final statuses
func watchTasks(breeder *seed.Breeder, layerName string, ids []types.TaskID) []types.TaskStatus {
	wanted := make(map[types.TaskID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	final := make(map[types.TaskID]types.TaskStatus, len(ids))
	for len(final) < len(ids) {
		time.Sleep(200 * time.Millisecond)
		for _, st := range breeder.StatusList(layerName) {
			if !wanted[st.ID] {
				continue
			}
			switch st.State {
			case types.StateDone, types.StateDead, types.StateInterrupted:
				final[st.ID] = st
			}
		}
	}

	out := make([]types.TaskStatus, 0, len(final))
	for _, st := range final {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func buildTruncateCommand() *cobra.Command {
	var flags seedFlags

	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "Delete a tile range from the cache",
		Long:  "Run a single-threaded truncate task synchronously and report the removed tile count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTruncateJob(flags.request(types.TypeTruncate))
		},
	}

	flags.register(cmd)
	return cmd
}

func runTruncateJob(req seed.Request) error {
	sys, err := buildFromConfigFile()
	if err != nil {
		return err
	}
	if err := sys.Start(); err != nil {
		return err
	}
	defer sys.Stop()

	status, err := sys.Breeder.RunTruncate(context.Background(), req)
	if err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}

	log.Info("truncate finished",
		"layer", req.Layer,
		"tiles_removed", status.TilesDone,
		"state", string(status.State))
	return nil
}

func buildFromConfigFile() (*System, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return BuildSystem(cfg, nil)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var layerName string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task table and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(layerName)
		},
	}

	cmd.Flags().StringVar(&layerName, "layer", "", "restrict the task table to one layer")
	return cmd
}

func showStatus(layerName string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sys, err := BuildSystem(cfg, nil)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("=== GWC System Status ===")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Config File:   %s\n", configFile)
	fmt.Printf("  Backend:       %s\n", cfg.Storage.Backend)
	fmt.Printf("  Pool Size:     %d\n", cfg.Seed.PoolSize)
	fmt.Printf("  Layers:        %s\n", strings.Join(sys.Catalog.Names(), ", "))
	fmt.Println()

	fmt.Println("Quota:")
	if cfg.Quota.GlobalQuota > 0 {
		fmt.Printf("  Global Limit:  %s (%s)\n", cfg.Quota.GlobalQuota, cfg.Quota.Policy)
	} else {
		fmt.Println("  Global Limit:  unlimited")
	}
	for name, q := range cfg.Quota.LayerQuotas {
		fmt.Printf("  %-14s %s\n", name+":", q)
	}
	fmt.Println()

	var tasks []types.TaskStatus
	if layerName != "" {
		tasks = sys.Breeder.StatusList(layerName)
	} else {
		tasks = sys.Breeder.RunningAndPendingTasks()
	}
	printStatusTable(tasks)
	return nil
}

// printStatusTable renders a fixed-width task table to stdout
func printStatusTable(tasks []types.TaskStatus) {
	if len(tasks) == 0 {
		fmt.Println("Tasks: none")
		return
	}
	fmt.Println("Tasks:")
	fmt.Printf("  %-6s %-16s %-9s %-12s %12s %12s %10s\n",
		"ID", "LAYER", "TYPE", "STATE", "DONE", "TOTAL", "ETA")
	for _, st := range tasks {
		total := fmt.Sprintf("%d", st.TilesTotal)
		if st.TilesTotal < 0 {
			total = "?"
		}
		eta := fmt.Sprintf("%ds", st.TimeRemainSec)
		if st.TimeRemainSec < 0 {
			eta = "?"
		}
		fmt.Printf("  %-6d %-16s %-9s %-12s %12d %12s %10s\n",
			st.ID, st.Layer, st.Type, st.State, st.TilesDone, total, eta)
	}
}

// ============================================================================
// quota
// ============================================================================

func buildQuotaCommand() *cobra.Command {
	var setGlobal string
	var setLayer []string
	var setPolicy string

	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Report cache usage or update quota limits",
		Long: `Without flags, prints the per-tileset usage report (file backend
usage is rebuilt with a disk scan). With --set-global, --set-layer or
--policy the new limits are validated and written back to the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if setGlobal != "" || len(setLayer) > 0 || setPolicy != "" {
				return updateQuotaConfig(setGlobal, setLayer, setPolicy)
			}
			return showQuotaReport()
		},
	}

	cmd.Flags().StringVar(&setGlobal, "set-global", "", `new global quota (e.g. "500 MiB", "0" to remove)`)
	cmd.Flags().StringArrayVar(&setLayer, "set-layer", nil, `per-layer quota as name=limit (e.g. topp:states="100 MiB")`)
	cmd.Flags().StringVar(&setPolicy, "policy", "", "expiration policy: LRU or LFU")
	return cmd
}

func showQuotaReport() error {
	sys, err := buildFromConfigFile()
	if err != nil {
		return err
	}
	if err := sys.Start(); err != nil {
		return err
	}
	defer sys.Stop()

	// Let the bootstrap scan and its aggregation settle before reading
	waitForBootstrap(sys)

	ledger := sys.Monitor.Ledger()
	fmt.Println()
	fmt.Printf("Global usage: %s\n", ledger.GlobalUsed())
	fmt.Println()

	sets := ledger.TileSets()
	if len(sets) == 0 {
		fmt.Println("Cache is empty")
		return nil
	}

	fmt.Printf("%-20s %-14s %-12s %12s %12s\n", "LAYER", "GRIDSET", "FORMAT", "TILES", "BYTES")
	for _, set := range sets {
		used, tiles := ledger.UsedByTileSet(set)
		fmt.Printf("%-20s %-14s %-12s %12d %12s\n",
			set.Layer, set.GridSet, set.Format, tiles, used)
	}
	return nil
}

// waitForBootstrap polls the ledger until the usage total stops growing
func waitForBootstrap(sys *System) {
	var last types.Quota = -1
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		used := sys.Monitor.Ledger().GlobalUsed()
		if used == last {
			return
		}
		last = used
	}
}

func updateQuotaConfig(setGlobal string, setLayer []string, setPolicy string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if setPolicy != "" {
		if _, err := types.ParseExpirationPolicy(setPolicy); err != nil {
			return err
		}
		cfg.Quota.Policy = strings.ToUpper(setPolicy)
	}

	if setGlobal != "" {
		q, err := types.ParseQuota(setGlobal)
		if err != nil {
			return fmt.Errorf("invalid global quota: %w", err)
		}
		cfg.Quota.GlobalQuota = q
	}

	for _, pair := range setLayer {
		name, limit, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid --set-layer value %q, expected name=limit", pair)
		}
		q, err := types.ParseQuota(limit)
		if err != nil {
			return fmt.Errorf("invalid quota for layer %q: %w", name, err)
		}
		if cfg.Quota.LayerQuotas == nil {
			cfg.Quota.LayerQuotas = make(map[string]types.Quota)
		}
		if q == 0 {
			delete(cfg.Quota.LayerQuotas, name)
		} else {
			cfg.Quota.LayerQuotas[name] = q
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("rejected quota update: %w", err)
	}
	if err := config.Save(configFile, cfg); err != nil {
		return err
	}

	log.Info("quota configuration updated", "config", configFile)
	return nil
}

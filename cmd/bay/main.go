package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipyard-neo/bay/pkg/api"
	"github.com/shipyard-neo/bay/pkg/cargo"
	"github.com/shipyard-neo/bay/pkg/config"
	"github.com/shipyard-neo/bay/pkg/driver"
	"github.com/shipyard-neo/bay/pkg/gc"
	"github.com/shipyard-neo/bay/pkg/idempotency"
	"github.com/shipyard-neo/bay/pkg/lock"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/router"
	"github.com/shipyard-neo/bay/pkg/sandbox"
	"github.com/shipyard-neo/bay/pkg/session"
	"github.com/shipyard-neo/bay/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bay",
	Short: "Bay - control plane for agent code-execution sandboxes",
	Long: `Bay is the control plane that gives AI agents isolated, persistent
sandboxes to run code, shell commands, and browsers in. Sandboxes are
durable handles; compute is provisioned lazily on first use and reclaimed
when idle.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Bay API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "bay.yaml", "Path to the configuration file")
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	store, err := storage.NewBoltStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	drv, err := driver.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize driver: %w", err)
	}
	defer func() { _ = drv.Close() }()

	locks := lock.NewTable()
	cargos := cargo.NewManager(store, drv, cfg)
	sessions := session.NewManager(store, drv, cfg)
	sandboxes := sandbox.NewManager(store, sessions, cargos, cfg, locks)
	rt := router.New(sandboxes, store)
	idem := idempotency.NewService(store, cfg.Idempotency.TTL())

	tasks := buildGCTasks(cfg, store, sandboxes, cargos, drv)
	scheduler := gc.NewScheduler(tasks, cfg.GC.Interval(), gc.SingleReplica{})
	if cfg.GC.Enabled {
		scheduler.Start(cfg.GC.RunOnStartup)
		defer scheduler.Stop()
	}

	server := api.NewServer(cfg, store, sandboxes, cargos, rt, idem, scheduler)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info(fmt.Sprintf("received %s, shutting down", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// buildGCTasks assembles the enabled tasks in their fixed run order.
func buildGCTasks(cfg *config.Config, store storage.Store, sandboxes *sandbox.Manager, cargos *cargo.Manager, drv driver.Driver) []gc.Task {
	var tasks []gc.Task
	if cfg.GC.Tasks.IdleSession.On(true) {
		tasks = append(tasks, &gc.IdleSessionTask{Store: store, Sandboxes: sandboxes})
	}
	if cfg.GC.Tasks.ExpiredSandbox.On(true) {
		tasks = append(tasks, &gc.ExpiredSandboxTask{Store: store, Sandboxes: sandboxes})
	}
	if cfg.GC.Tasks.OrphanCargo.On(true) {
		tasks = append(tasks, &gc.OrphanCargoTask{Store: store, Cargos: cargos})
	}
	// Off by default; only safe once instance IDs are configured
	// consistently across everything sharing the container host.
	if cfg.GC.Tasks.OrphanContainer.On(false) {
		tasks = append(tasks, &gc.OrphanContainerTask{Driver: drv, Store: store, InstanceID: cfg.GC.InstanceID})
	}
	return tasks
}

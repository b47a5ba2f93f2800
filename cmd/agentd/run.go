package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"fleetagent/internal/config"
	"fleetagent/internal/engine"
	"fleetagent/internal/extension"
	"fleetagent/internal/logging"
	"fleetagent/internal/sandbox"
	"fleetagent/internal/steps"
	"fleetagent/internal/store"
	"fleetagent/internal/telemetry"
	"fleetagent/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent daemon",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sb := sandbox.New(afero.NewOsFs())

	var tel engine.Telemetry
	if cfg.TelemetryEnabled {
		if cfg.TelemetryEndpoint != "" {
			shutdown, err := telemetry.InitProvider(context.Background(), cfg.TelemetryEndpoint)
			if err != nil {
				return fmt.Errorf("init telemetry provider: %w", err)
			}
			defer shutdown(context.Background())
		}
		t, err := telemetry.New()
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		tel = t
	}

	mgr := extension.NewDemoManager(cfg.ExtensionsDir)
	orchestrator := steps.New(mgr)
	mgr.Register(steps.UpdateType, orchestrator)

	e := engine.New(engine.Config{
		DownloadsBase: cfg.DownloadsBase,
		RebootFn:      shellCommandFn(cfg.RebootCommand),
		RestartFn:     shellCommandFn(cfg.RestartCommand),
	}, mgr, sb, st, tel)
	e.Start()
	defer e.Stop()

	ctx := context.Background()
	cached, err := st.LastGoalState(ctx)
	if err != nil {
		logging.Error("run: failed to load cached goal state: %v", err)
	}
	if err := e.HandleStartup(ctx, cached); err != nil {
		logging.Error("run: handle_startup failed: %v", err)
	}

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", func() { e.DoWork(ctx) }); err != nil {
		return fmt.Errorf("schedule do_work: %w", err)
	}
	if _, err := c.AddFunc("@every 1h", func() {
		keep := e.Snapshot().DeploymentID
		if err := sb.Sweep(cfg.DownloadsBase, keep); err != nil {
			logging.Error("run: stale sandbox sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sandbox sweep: %w", err)
	}
	c.Start()
	defer c.Stop()

	logging.Info("agentd started, downloads_base=%s", cfg.DownloadsBase)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("agentd shutting down")
	return nil
}

// shellCommandFn builds the reboot/agent-restart injection functions (§6)
// from a configured shell command line. An empty command line is a no-op
// that always succeeds, so a deployment with no reboot requirement never
// depends on one being configured.
func shellCommandFn(commandLine string) func(*workflow.Handle) error {
	return func(*workflow.Handle) error {
		if strings.TrimSpace(commandLine) == "" {
			return nil
		}
		parts := strings.Fields(commandLine)
		return exec.Command(parts[0], parts[1:]...).Run()
	}
}

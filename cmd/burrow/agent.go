package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/hub"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/policy"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/status"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/tunnel"
	"github.com/cuemby/burrow/pkg/types"
)

// Agent commands
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the task worker",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and execute batch cycles until stopped or done",
	Long: `Start one worker slot: sweep stale namespaces, lease an exit IP,
bring the tunnel up and loop over batch cycles. The process exits on
SIGINT/SIGTERM, when the preventive quota retires the lease, or when a
blocked session cannot be recovered.

With --once the agent runs a single batch cycle and exits, which is
useful for smoke-testing a slot.`,
	RunE: runAgent,
}

func init() {
	agentCmd.AddCommand(agentRunCmd)

	agentRunCmd.Flags().String("config", "", "Config file (default: burrow.yaml in . or /etc/burrow)")
	agentRunCmd.Flags().Bool("once", false, "Run a single batch cycle and exit")
	agentRunCmd.Flags().Int("slot", 0, "Worker slot index on this host")
}

func runAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	once, _ := cmd.Flags().GetBool("once")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if cmd.Flags().Changed("slot") {
		cfg.Slot, _ = cmd.Flags().GetInt("slot")
	}
	if cfg.Executor.Path == "" {
		return fmt.Errorf("executor.path is required (or set BURROW_EXECUTOR_PATH)")
	}
	if cfg.Hub.APIKey == "" {
		return fmt.Errorf("hub.api_key is required (or set BURROW_HUB_API_KEY)")
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: !cfg.Log.Pretty,
	})
	logger := log.WithComponent("main")

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = defaultAgentID(cfg.Slot)
	}
	logger.Info().
		Str("agent_id", agentID).
		Int("slot", cfg.Slot).
		Str("hub", cfg.Hub.URL).
		Str("version", Version).
		Msg("Starting burrow agent")

	if len(cfg.Tunnel.DNS) > 0 {
		tunnel.DefaultDNS = cfg.Tunnel.DNS
	}
	sys := tunnel.NewExecSysOps()
	if cfg.Tunnel.IPCheckURL != "" {
		sys.IPCheckURL = cfg.Tunnel.IPCheckURL
	}
	helper := tunnel.NewHelper(sys)

	// A crashed predecessor must not strand namespaces or leak its
	// tunnel into this run.
	if removed := helper.CleanupAllNamespaces(); removed > 0 {
		logger.Info().Int("removed", removed).Msg("Swept stale namespaces")
	}

	hubClient := hub.New(hub.Config{
		BaseURL: cfg.Hub.URL,
		APIKey:  cfg.Hub.APIKey,
		Timeout: cfg.Hub.Timeout,
	})
	allocator := hub.NewTaskAllocator(hubClient, agentID)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open local store: %v", err)
	}
	defer store.Close()

	writer := status.NewWriter(cfg.StatusDir, cfg.Slot)

	sessCfg := session.DefaultConfig()
	if cfg.Session.MaxConnectAttempts > 0 {
		sessCfg.MaxConnectAttempts = cfg.Session.MaxConnectAttempts
	}
	if cfg.Session.SettleWait > 0 {
		sessCfg.SettleWait = cfg.Session.SettleWait
	}
	if cfg.Session.IPCheckTimeout > 0 {
		sessCfg.IPCheckTimeout = cfg.Session.IPCheckTimeout
	}
	if cfg.Session.ReconnectPause > 0 {
		sessCfg.ReconnectPause = cfg.Session.ReconnectPause
	}
	mgr := session.NewManager(agentID, hubClient, helper, allocator, store, writer, sessCfg)

	runner := agent.NewSubprocessRunner(agent.RunnerConfig{
		Executor:        cfg.Executor.Path,
		Args:            cfg.Executor.Args,
		Timeout:         cfg.Executor.Timeout,
		ProfileBaseDir:  cfg.Executor.ProfileDir,
		BlockIndicators: cfg.Executor.BlockIndicators,
	}, sys)

	pol := &policy.Policy{
		BlockThreshold:     cfg.Policy.BlockThreshold,
		MaxNoWorkStreak:    cfg.Policy.MaxNoWorkStreak,
		PreventiveToggleAt: cfg.Policy.PreventiveToggleAt,
	}

	worker := agent.New(agentID, mgr, allocator, helper, runner, pol, writer, agent.Config{
		MaxThreads:               cfg.Agent.MaxThreads,
		StaggerInterval:          cfg.Agent.StaggerInterval,
		NoWorkDelay:              cfg.Agent.NoWorkDelay,
		NoWorkCooldown:           cfg.Agent.NoWorkCooldown,
		ReconnectDelay:           cfg.Agent.ReconnectDelay,
		BlockedReconnectAttempts: cfg.Agent.BlockedReconnectAttempts,
		BlockedReconnectDelay:    cfg.Agent.BlockedReconnectDelay,
		PreCheckTimeout:          cfg.Agent.PreCheckTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional ops listener: health, metrics, status, manual toggle.
	var ops *api.Server
	if cfg.Listen.Address != "" {
		health := metrics.NewHealthChecker()
		health.RegisterComponent("hub")
		health.RegisterComponent("tunnel")
		health.RegisterComponent("session")
		go watchHealth(ctx, health, mgr)

		ops = api.NewServer(api.ServerConfig{
			Addr:         cfg.Listen.Address,
			Health:       health,
			Toggler:      worker,
			SnapshotPath: writer.SnapshotPath(),
		})
		go func() {
			if err := ops.Start(); err != nil {
				logger.Error().Err(err).Msg("Ops listener failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		worker.Stop()
		cancel()
	}()

	var runErr error
	if once {
		_, runErr = worker.RunOnce(ctx)
	} else {
		runErr = worker.RunIndependentLoop(ctx)
	}

	// Final teardown runs on a fresh context: the loop's context is
	// already canceled on the signal path and the hub release must
	// still go out.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCleanup()
	mgr.Cleanup(cleanupCtx)
	if removed := helper.CleanupAllNamespaces(); removed > 0 {
		logger.Warn().Int("removed", removed).Msg("Final sweep removed leftover namespaces")
	}
	if ops != nil {
		ops.Stop()
	}

	switch {
	case runErr == nil:
		logger.Info().Msg("Agent exited cleanly")
		return nil
	case errors.Is(runErr, agent.ErrBlockedReconnect):
		return fmt.Errorf("blocked and could not recover: %v", runErr)
	case errors.Is(runErr, session.ErrConnectFailed):
		return fmt.Errorf("never got a working tunnel: %v", runErr)
	default:
		return runErr
	}
}

// watchHealth mirrors session state into the readiness components.
// The hub component reports lease possession, not hub reachability:
// an agent without a lease is not ready to serve regardless of why.
func watchHealth(ctx context.Context, health *metrics.HealthChecker, mgr *session.Manager) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := mgr.State()
			connected := state == types.SessionStateConnected
			health.UpdateComponent("session", connected, string(state))
			health.UpdateComponent("tunnel", connected && mgr.NamespaceID() != "", mgr.ExitIP())
			if lease := mgr.Lease(); lease != nil {
				health.UpdateComponent("hub", true, lease.LeaseID)
			} else {
				health.UpdateComponent("hub", false, "no lease held")
			}
		}
	}
}

// defaultAgentID derives a stable-enough identity when the config
// leaves agent_id empty. Slots on the same host must not collide.
func defaultAgentID(slot int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "burrow"
	}
	return fmt.Sprintf("%s-%d-%s", host, slot, uuid.NewString()[:8])
}

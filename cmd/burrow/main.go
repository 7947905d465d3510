package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/tunnel"
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
	Use:   "burrow",
	Short: "Burrow - tunnel-backed task worker",
	Long: `Burrow runs one task worker slot: it leases an exit-IP resource from
the hub, brings up an isolated WireGuard tunnel inside a private
network namespace, pulls task batches through that tunnel and rotates
the exit IP whenever the toggle policy calls for it.

Several slots can share a host; each gets its own namespace, data
directory and status file.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// CLI subcommands get a console logger; agent run re-initializes
	// from its config.
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.WarnLevel})
	}

	// Add subcommands
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(netnsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

// Namespace commands
var netnsCmd = &cobra.Command{
	Use:   "netns",
	Short: "Manage burrow network namespaces",
}

var netnsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Tear down every burrow-owned namespace on this host",
	Long: `Remove all network namespaces created by burrow agents, current and
legacy naming included. Safe to run while no agent is up; a running
agent will rebuild its namespace on the next connect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		helper := tunnel.NewHelper(tunnel.NewExecSysOps())
		removed := helper.CleanupAllNamespaces()
		fmt.Printf("✓ Removed %d namespace(s)\n", removed)
		return nil
	},
}

func init() {
	netnsCmd.AddCommand(netnsCleanupCmd)
}

// History commands
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect local lease and toggle history",
}

var historyLeasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "List recent leases, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		leases, err := store.ListLeases(limit)
		if err != nil {
			return fmt.Errorf("failed to list leases: %v", err)
		}
		if len(leases) == 0 {
			fmt.Println("No leases recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LEASE ID\tRESOURCE\tSERVER\tEXIT IP\tALLOCATED\tHELD\tRELEASE REASON")
		for _, l := range leases {
			held := "-"
			if l.Duration > 0 {
				held = l.Duration.Round(time.Second).String()
			}
			exitIP := l.ExitIP
			if exitIP == "" {
				exitIP = "-"
			}
			reason := l.ReleaseReason
			if reason == "" {
				reason = "active"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				l.LeaseID, l.ResourceNumber, l.ServerAddress, exitIP,
				l.AllocatedAt.Format(time.RFC3339), held, reason)
		}
		return w.Flush()
	},
}

var historyTogglesCmd = &cobra.Command{
	Use:   "toggles",
	Short: "List recent IP toggles, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		toggles, err := store.ListToggles(limit)
		if err != nil {
			return fmt.Errorf("failed to list toggles: %v", err)
		}
		if len(toggles) == 0 {
			fmt.Println("No toggles recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tREASON\tLEASE ID\tRESOURCE\tMESSAGE")
		for _, t := range toggles {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				t.Timestamp.Format(time.RFC3339), t.Reason,
				t.LeaseID, t.ResourceNumber, t.Message)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.AddCommand(historyLeasesCmd)
	historyCmd.AddCommand(historyTogglesCmd)

	historyCmd.PersistentFlags().String("data-dir", "./burrow-data", "Agent data directory")
	historyCmd.PersistentFlags().Int("limit", 20, "Maximum entries to show")
}

// Config commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage burrow configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		if _, err := os.Stat(output); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", output)
		}

		data, err := renderDefaultConfig()
		if err != nil {
			return fmt.Errorf("failed to render config: %v", err)
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %v", output, err)
		}

		fmt.Printf("✓ Wrote %s\n", output)
		fmt.Println("Set executor.path (or BURROW_EXECUTOR_PATH) before starting the agent.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().String("output", "burrow.yaml", "Where to write the config file")
}

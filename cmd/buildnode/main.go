package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/cuemby/buildnode/pkg/config"
	"github.com/cuemby/buildnode/pkg/log"
	"github.com/cuemby/buildnode/pkg/node"
	"github.com/cuemby/buildnode/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfigPath  string
	flagNodeID      string
	flagMasterURL   string
	flagThreads     int
	flagWorkingDir  string
	flagVerbose     bool
	flagMetricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "buildnode",
	Short: "Buildnode - distributed RPM/Debian package build worker",
	Long: `Buildnode pulls build tasks from a cluster master, constructs
isolated chroot build environments, drives the mock/pbuilder packaging
toolchains, and uploads resulting artifacts to the cluster's content
store.`,
	Version: Version,
	RunE:    runNode,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"buildnode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringVar(&flagConfigPath, "config", "/etc/buildnode/buildnode.yaml", "Path to the node configuration file")
	rootCmd.Flags().StringVar(&flagNodeID, "id", "", "Node ID reported to the master (overrides config)")
	rootCmd.Flags().StringVar(&flagMasterURL, "master", "", "Master base URL (overrides config)")
	rootCmd.Flags().IntVar(&flagThreads, "threads", 0, "Number of concurrent build workers (overrides config, 0 keeps config value)")
	rootCmd.Flags().StringVar(&flagWorkingDir, "working-dir", "", "Node working directory (overrides config)")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", ":9110", "Address the internal metrics/health HTTP server listens on")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level := log.InfoLevel
	if flagVerbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: !isTerminal()})
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return exitErr(err)
	}
	applyFlagOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return exitErr(err)
	}

	arch := nativeArch()
	log.Logger.Info().
		Str("node_id", cfg.NodeID).
		Str("master_url", cfg.MasterURL).
		Str("arch", arch).
		Int("threads", cfg.ThreadsCount).
		Msg("starting buildnode")

	code := node.Run(context.Background(), cfg, arch, flagMetricsAddr)
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if flagNodeID != "" {
		cfg.NodeID = flagNodeID
	}
	if flagMasterURL != "" {
		cfg.MasterURL = flagMasterURL
	}
	if flagThreads > 0 {
		cfg.ThreadsCount = flagThreads
	}
	if flagWorkingDir != "" {
		cfg.WorkingDir = flagWorkingDir
	}
	cfg.Verbose = flagVerbose
}

// exitErr maps a *types.ConfigError to the process exit code the master's
// provisioning scripts expect to see on a bad local configuration, distinct
// from the generic runtime failure code.
func exitErr(err error) error {
	if _, ok := err.(*types.ConfigError); ok {
		log.Logger.Error().Err(err).Msg("configuration error")
		os.Exit(2)
	}
	return err
}

// nativeArch maps the Go runtime architecture to the rpm/dpkg arch string
// the master's scheduler matches tasks against.
func nativeArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "arm":
		return "armhfp"
	case "386":
		return "i686"
	default:
		return runtime.GOARCH
	}
}

// isTerminal reports whether stderr looks like an interactive terminal, used
// to pick a human-friendly console log format over JSON for local runs.
func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

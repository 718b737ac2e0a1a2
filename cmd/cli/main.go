package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloneprep/cloneprep/config"
	"github.com/cloneprep/cloneprep/internal/finalize"
	"github.com/cloneprep/cloneprep/internal/logging"
	"github.com/cloneprep/cloneprep/internal/setup"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel   = defaultLogLevel
		jsonLogs   bool
		configPath string
	)

	root := &cobra.Command{
		Use:           "cloneprep",
		Short:         "Finalize a Debian guest into a clonable VM template",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Emit logs as JSON")
	root.PersistentFlags().StringVar(&configPath, "config", setup.DefaultConfigPath, "Path to the configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)

		logger := logging.NewCLI(os.Stderr, levelVar)
		if jsonLogs {
			logger = logging.NewJSON(os.Stderr, levelVar)
		}
		slog.SetDefault(logger)
		setup.SetLogger(logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newRunCommand(&configPath),
		newDetectCommand(&configPath),
		newAgentCommand(&configPath),
		newReclaimCommand(&configPath),
	)
	return root
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the full finalization pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "run")

			if err := setup.Verify(*configPath); err != nil {
				logger.Error("configuration invalid", "error", err)
				return err
			}

			report, err := config.RunFinalize(cmd.Context(), *configPath, logger)
			if report != nil {
				printReport(cmd, report)
			}
			if err != nil {
				logger.Error("finalization failed", "error", err)
				return err
			}
			return nil
		},
	}
}

func newDetectCommand(configPath *string) *cobra.Command {
	var showEvidence bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect the virtualization platform without changing the host",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "detect")

			profile, err := config.DetectPlatform(cmd.Context(), *configPath, logger)
			if err != nil {
				logger.Error("detection failed", "error", err)
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, profile.Kind)
			if showEvidence {
				for _, signal := range profile.Evidence {
					fmt.Fprintf(out, "  %s\n", signal)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvidence, "evidence", false, "Print the signals behind the decision")
	return cmd
}

func newAgentCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the hypervisor guest agent",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install the guest agent for the detected platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "agent.install")

			attempts, err := config.InstallAgent(cmd.Context(), *configPath, logger)
			for _, attempt := range attempts {
				state := "failed"
				if attempt.Succeeded {
					state = "ok"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", attempt.Method, state, attempt.Reason)
			}
			if err != nil {
				logger.Error("agent install failed", "error", err)
				return err
			}
			return nil
		},
	})
	return cmd
}

func newReclaimCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Zero free space and remove the fill file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "reclaim")

			state, err := config.RunReclaim(cmd.Context(), *configPath, logger)
			if err != nil {
				logger.Error("reclaim failed", "error", err)
				return err
			}
			if !state.DeleteSucceeded {
				logger.Warn("fill file left behind", "path", state.FillPath, "attempts", state.DeleteAttempts)
			}
			return nil
		},
	}
}

func printReport(cmd *cobra.Command, report *finalize.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s on platform %s\n", report.RunID, report.Platform.Kind)
	for _, stage := range report.Stages {
		fmt.Fprintf(out, "  %-12s %s\n", stage.Stage, stage.Status)
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}
	if report.Failed {
		fmt.Fprintf(out, "failed at stage %s\n", report.FailedStage)
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

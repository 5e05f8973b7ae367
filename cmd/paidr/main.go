// Command paidr drives deterministic research runs: it initializes run
// roots, ticks the orchestrator phases, exposes the tool-call surface, and
// prints run status snapshots.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/danshapiro/paidr/internal/research/config"
	"github.com/danshapiro/paidr/internal/research/engine"
	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
	"github.com/danshapiro/paidr/internal/research/runstate"
	"github.com/danshapiro/paidr/internal/research/tool"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if code := errs.CodeOf(err); code != "" {
			fmt.Fprintf(os.Stderr, "error [%s]: %v\n", code, err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

type app struct {
	settingsDir string
	settings    config.Settings
	logger      *zap.Logger
}

func (a *app) load() error {
	settings, err := config.Load(a.settingsDir)
	if err != nil {
		return err
	}
	a.settings = settings
	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *app) engine() *engine.Engine {
	return engine.New(a.driver(), a.settings, a.logger)
}

// driver picks the agent backend: a configured command runs real agents over
// stdin/stdout JSON, otherwise ticks replay scripted outputs (none, unless a
// seeded run provisioned them).
func (a *app) driver() engine.AgentDriver {
	if a.settings.AgentCommand == "" {
		return engine.NewScriptedAgentDriver(nil)
	}
	parts := strings.Fields(a.settings.AgentCommand)
	return &engine.CommandAgentDriver{
		Command: parts[0],
		Args:    parts[1:],
		Timeout: time.Duration(a.settings.HTTPTimeoutMS) * time.Millisecond,
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "paidr",
		Short:         "deterministic research-run orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.settingsDir, "settings-dir", ".", "directory holding paidr.yaml")
	root.AddCommand(newRunCmd(a))
	root.AddCommand(newToolCmd(a))
	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newSettingsCmd(a))
	return root
}

func newRunCmd(a *app) *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "initialize and tick research runs"}

	var (
		query       string
		mode        string
		sensitivity string
		constraints []string
		runsRoot    string
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "create a run root for a query",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root := runsRoot
			if root == "" {
				root = a.settings.RunsRoot
			}
			res, err := manifest.Init(manifest.InitParams{
				RunsRoot:    root,
				Mode:        mode,
				QueryText:   query,
				Constraints: constraints,
				Sensitivity: sensitivity,
				Limits:      a.settings.Limits(),
			})
			if err != nil {
				return err
			}
			a.logger.Info("run initialized",
				zap.String("run_id", res.Manifest.RunID),
				zap.String("run_root", res.RunRoot))
			fmt.Fprintln(cmd.OutOrStdout(), res.RunRoot)
			return nil
		},
	}
	initCmd.Flags().StringVar(&query, "query", "", "research query text")
	initCmd.Flags().StringVar(&mode, "mode", "", "run mode (defaults from settings)")
	initCmd.Flags().StringVar(&sensitivity, "sensitivity", "", "query sensitivity (normal or no_web)")
	initCmd.Flags().StringArrayVar(&constraints, "constraint", nil, "query constraint (repeatable)")
	initCmd.Flags().StringVar(&runsRoot, "runs-root", "", "parent directory for run roots")
	_ = initCmd.MarkFlagRequired("query")
	run.AddCommand(initCmd)

	var runRoot string
	var phase string
	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "execute one orchestrator tick",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := a.engine()
			var tickFn func(ctx context.Context, root string) (*engine.TickResult, error)
			switch phase {
			case engine.PhaseLive:
				tickFn = e.TickLive
			case engine.PhasePostPivot:
				tickFn = e.TickPostPivot
			case engine.PhasePostSummaries:
				tickFn = e.TickPostSummaries
			default:
				return errs.New(errs.InvalidArgs, "unknown phase %q", phase)
			}
			res, err := tickFn(cmd.Context(), runRoot)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	tickCmd.Flags().StringVar(&runRoot, "run-root", "", "run root directory")
	tickCmd.Flags().StringVar(&phase, "phase", engine.PhaseLive, "live, post_pivot, or post_summaries")
	_ = tickCmd.MarkFlagRequired("run-root")
	run.AddCommand(tickCmd)

	loops := []struct {
		use   string
		short string
		run   func(*engine.Engine) func(context.Context, string) (*engine.TickResult, error)
	}{
		{"live", "tick the live phase until the pivot stage", func(e *engine.Engine) func(context.Context, string) (*engine.TickResult, error) {
			return e.RunLive
		}},
		{"post-pivot", "tick pivot, wave 2, and citations until summaries", func(e *engine.Engine) func(context.Context, string) (*engine.TickResult, error) {
			return e.RunPostPivot
		}},
		{"post-summaries", "tick summaries, synthesis, and review until finalize", func(e *engine.Engine) func(context.Context, string) (*engine.TickResult, error) {
			return e.RunPostSummaries
		}},
	}
	for _, loop := range loops {
		loop := loop
		var loopRoot string
		loopCmd := &cobra.Command{
			Use:   loop.use,
			Short: loop.short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				res, err := loop.run(a.engine())(cmd.Context(), loopRoot)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			},
		}
		loopCmd.Flags().StringVar(&loopRoot, "run-root", "", "run root directory")
		_ = loopCmd.MarkFlagRequired("run-root")
		run.AddCommand(loopCmd)
	}
	return run
}

func newToolCmd(a *app) *cobra.Command {
	toolCmd := &cobra.Command{Use: "tool", Short: "invoke the tool-call surface"}

	var argsJSON string
	callCmd := &cobra.Command{
		Use:   "call <op>",
		Short: "call one registered op with JSON arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(argsJSON)
			if argsJSON == "-" {
				body, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errs.Wrap(errs.InvalidArgs, err, "read args from stdin")
				}
				raw = body
			}
			registry := tool.NewRegistry(a.settings, a.driver(), a.logger)
			fmt.Fprintln(cmd.OutOrStdout(), registry.Invoke(cmd.Context(), args[0], raw))
			return nil
		},
	}
	callCmd.Flags().StringVar(&argsJSON, "args", "{}", "JSON argument object, or - for stdin")
	toolCmd.AddCommand(callCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list registered ops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry := tool.NewRegistry(a.settings, nil, a.logger)
			for _, name := range registry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	toolCmd.AddCommand(listCmd)
	return toolCmd
}

func newStatusCmd(a *app) *cobra.Command {
	var runRoot string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "print a run's observable state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := runstate.LoadSnapshot(runRoot)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	statusCmd.Flags().StringVar(&runRoot, "run-root", "", "run root directory")
	_ = statusCmd.MarkFlagRequired("run-root")
	return statusCmd
}

func newSettingsCmd(a *app) *cobra.Command {
	settingsCmd := &cobra.Command{Use: "settings", Short: "inspect effective settings"}
	settingsCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "validate settings from file, env, and defaults",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.settings.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.settings.Describe())
			return nil
		},
	})
	return settingsCmd
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

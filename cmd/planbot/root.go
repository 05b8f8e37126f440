package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"planbot/internal/app"
	"planbot/internal/config"
	"planbot/internal/model"
	"planbot/internal/pipeline"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type options struct {
	agent      string
	workflow   bool
	daemon     bool
	configPath string
	envFile    string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:     "planbot",
		Version: version,
		Short:   "Autonomous personal task planner",
		Long: `planbot collects calendar events, weather and open tasks, builds a
conflict-free schedule, writes it to the calendar and learns from the results.

Run one agent (--agent), the full collect/plan/execute chain (--workflow), or
keep running on the configured cadences (--daemon).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.Flags().Changed("env-file"), stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")

	f := cmd.Flags()
	f.StringVar(&opts.agent, "agent", "", "run one agent: collector, planner, executor or reviewer")
	f.BoolVar(&opts.workflow, "workflow", false, "run collect, plan and execute once")
	f.BoolVar(&opts.daemon, "daemon", false, "run the chain and the review on their cadences until interrupted")
	f.StringVarP(&opts.configPath, "config", "c", "", "config file (yaml or json); defaults and environment only when empty")
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file with credentials")
	cmd.MarkFlagsMutuallyExclusive("agent", "workflow", "daemon")
	cmd.MarkFlagsOneRequired("agent", "workflow", "daemon")
	return cmd
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	printError(stderr, err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfig
}

func run(ctx context.Context, opts options, envRequired bool, stdout, stderr io.Writer) error {
	agent := config.AgentWorkflow
	var kind model.StageKind
	switch {
	case opts.daemon:
		agent = config.AgentDaemon
	case opts.agent != "":
		k, err := model.ParseAgent(opts.agent)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		kind, agent = k, app.AgentFor(k)
	}

	a, err := app.New(app.Options{
		ConfigPath:  opts.configPath,
		EnvFile:     opts.envFile,
		EnvRequired: envRequired,
		Agent:       agent,
	})
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer a.Close()

	if opts.daemon {
		d, err := a.Daemon()
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		if err := d.Run(ctx); err != nil {
			return &exitError{code: exitFailed, err: err}
		}
		return nil
	}

	var res pipeline.RunResult
	if kind != "" {
		res, err = a.RunAgent(ctx, kind)
	} else {
		res, err = a.RunChain(ctx)
	}
	if res.RunID != "" {
		if werr := writeResult(stdout, res); werr != nil {
			return &exitError{code: exitFailed, err: fmt.Errorf("write result: %w", werr)}
		}
		printOutcome(stderr, res)
	}
	if err != nil {
		return &exitError{code: exitFailed, err: err}
	}
	return nil
}

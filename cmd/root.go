// Package cmd implements the devtask command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Foundation-Devices/devtask/pkg/buildsys"
	"github.com/Foundation-Devices/devtask/pkg/config"
)

const exitInterrupted = 130

var rootCmd = &cobra.Command{
	Use:   "devtask [flags] [task...] [option=value...]",
	Short: "Runs project tasks",
	Long: `devtask looks for the closest tasks.star, tasks.yml or tasks.yaml file and runs the
given tasks. Without a task file, the tasks of the project's toolchain preset are used
(i.e. clippy, fmt and test for Cargo projects).

Without any task, the available tasks are listed.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTasks,
}

// flag values are read in runTasks
var flags struct {
	chdir    string
	file     string
	preset   string
	logLevel string
	logJSON  bool
	dryRun   bool
	force    bool
	cache    bool
}

func init() {
	rootCmd.Flags().BoolVarP(&flags.dryRun, "dry", "n", false, "dry run; only print the commands, don't execute anything")
	rootCmd.Flags().BoolVarP(&flags.force, "force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	rootCmd.Flags().StringVarP(&flags.chdir, "chdir", "C", "", "run as if devtask was started in this directory")
	rootCmd.Flags().StringVar(&flags.file, "file", "", "task file to use instead of searching for one")
	rootCmd.Flags().StringVar(&flags.preset, "preset", "", "preset to use if there's no task file (auto, none, cargo or go)")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "minimum log level (debug, info, warn or error)")
	rootCmd.Flags().BoolVar(&flags.logJSON, "log-json", false, "log JSON lines instead of colored messages")
	rootCmd.Flags().BoolVar(&flags.cache, "cache", false, "cache the task list generated by tasks.star")
}

// errLogged is set once runTasks reported the returned error through the logger.
var errLogged bool

// splitArgs separates option=value pairs from task names.
func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0, len(args))
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = NewConsoleWriter(os.Stderr)
	if cfg.Log.JSON {
		out = os.Stderr
	}

	return zerolog.New(out).Level(cfg.LogLevel())
}

// loadConfig reads devtask.toml from the project root and applies the command line flags.
func loadConfig(cmd *cobra.Command, root string) (*config.Config, error) {
	cfg, loader := config.Loader(root)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load %s", config.FileName)
	}

	if cmd.Flags().Changed("preset") {
		cfg.Preset = flags.preset
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = flags.logJSON
	}
	if cmd.Flags().Changed("cache") {
		cfg.Cache = flags.cache
	}

	return cfg, cfg.Validate()
}

func workDir() (string, error) {
	if flags.chdir != "" {
		return filepath.Abs(flags.chdir)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", eris.Wrap(err, "failed to retrieve the current working directory")
	}
	return wd, nil
}

func runTasks(cmd *cobra.Command, args []string) error {
	taskArgs, options := splitArgs(args)

	wd, err := workDir()
	if err != nil {
		return err
	}

	root, file, err := buildsys.Locate(wd, flags.file)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = buildsys.WithLogger(ctx, &logger)

	loadOpts := cfg.LoadOptions()
	loadOpts.Dir = wd
	loadOpts.File = file
	loadOpts.Options = options

	project, err := buildsys.Load(ctx, loadOpts)
	if err != nil {
		if eris.Is(err, buildsys.ErrNoTaskFile) {
			logger.Error().Msg("No task file found and no toolchain preset matches this directory")
		} else {
			logger.Error().Err(err).Msg("Failed to load tasks")
		}
		errLogged = true
		return err
	}

	if len(taskArgs) == 0 {
		printTaskList(cmd.OutOrStdout(), project.Tasks)
		return nil
	}

	runOpts := buildsys.RunOptions{
		DryRun: flags.dryRun,
		Force:  flags.force,
		Stdin:  cmd.InOrStdin(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	}

	for _, name := range taskArgs {
		if _, ok := project.Tasks[name]; !ok {
			logger.Error().Msgf("Task %s not found", name)
			errLogged = true
			return eris.Errorf("Task %s not found", name)
		}

		err = buildsys.RunTask(ctx, project.Root, name, project.Tasks, runOpts)
		if err != nil {
			var exitErr *buildsys.ExitError
			if errors.As(err, &exitErr) {
				logger.Error().Str("task", exitErr.Task).Msgf("exited with code %d", exitErr.Code)
			} else if ctx.Err() == nil {
				logger.Error().Err(err).Msgf("Failed task %s:", name)
			}
			errLogged = true
			return err
		}
	}

	return nil
}

func printTaskList(out io.Writer, tasks buildsys.TaskList) {
	names := tasks.Names()
	if len(names) == 0 {
		fmt.Fprintln(out, "No tasks available.")
		return
	}

	width := 0
	for _, name := range names {
		if len(name) > width {
			width = len(name)
		}
	}

	color := colorizer(out)
	fmt.Fprintln(out, "Available tasks:")
	for _, name := range names {
		label := fmt.Sprintf("%-*s", width+3, name+":")
		fmt.Fprintln(out, color.Color(" * [bold]"+label+"[reset] ")+tasks[name].Desc)
	}
}

// ExitCode maps an error returned by the root command to the process exit code. Failed task
// commands pass their exit status through.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *buildsys.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}

	return 1
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil && !errLogged {
		fmt.Fprintln(os.Stderr, colorizer(os.Stderr).Color("[red]Error:[reset] ")+err.Error())
	}

	return ExitCode(err)
}

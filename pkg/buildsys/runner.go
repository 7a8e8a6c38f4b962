package buildsys

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// RunOptions controls how RunTask executes a task.
type RunOptions struct {
	// DryRun only logs the commands.
	DryRun bool
	// Force runs the requested task even if its skip_if_exists or output checks pass.
	// Dependencies are still checked.
	Force bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ExitError is returned by RunTask when a command exits with a non-zero status.
type ExitError struct {
	// Task owns the failing command, it can be a dependency of the requested task.
	Task string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("task %s failed with exit code %d", e.Task, e.Code)
}

var (
	selfPath     string
	selfPathOnce sync.Once
)

// helperPath is the running devtask binary. Its posix subcommand provides mv, rm and mkdir.
func helperPath() string {
	selfPathOnce.Do(func() {
		var err error
		selfPath, err = os.Executable()
		if err != nil {
			selfPath = "devtask"
		}
	})
	return selfPath
}

var (
	baseExec = interp.DefaultExecHandler(2 * time.Second)
	baseOpen = interp.DefaultOpenHandler()
)

// portableExec routes the file helpers through devtask so they behave the same on every OS.
func portableExec(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "mv", "rm", "mkdir":
			args = append([]string{helperPath(), "posix"}, args...)
		}
	}
	return baseExec(ctx, args)
}

func portableOpen(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}
	return baseOpen(ctx, path, flag, perm)
}

type taskRunner struct {
	root  string
	tasks TaskList
	opts  RunOptions

	// false while a task is running, true once it finished or was skipped
	done    map[*Task]bool
	failure *ExitError

	parser  *syntax.Parser
	printer *syntax.Printer
}

// RunTask executes the named task after its dependencies. Every task runs at most once per call.
// If a command fails, the returned error is an *ExitError carrying the command's exit status.
func RunTask(ctx context.Context, projectRoot, name string, tasks TaskList, opts RunOptions) error {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	task, ok := tasks[name]
	if !ok {
		return eris.Errorf("task %s not found", name)
	}

	r := &taskRunner{
		root:    projectRoot,
		tasks:   tasks,
		opts:    opts,
		done:    map[*Task]bool{},
		parser:  syntax.NewParser(),
		printer: syntax.NewPrinter(syntax.Minify(true)),
	}

	err := r.run(ctx, task, opts.Force)
	if err != nil && r.failure != nil {
		log(ctx).Debug().Err(err).Str("task", name).Msg("task failed")
		return r.failure
	}
	return err
}

func (r *taskRunner) run(ctx context.Context, task *Task, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tlog := taskLog(ctx, task)
	if finished, seen := r.done[task]; seen {
		if !finished {
			return eris.Errorf("task %s depends on itself", task.Short)
		}
		tlog.Debug().Msg("already done")
		return nil
	}
	r.done[task] = false

	for _, name := range task.Deps {
		dep, ok := r.tasks[name]
		if !ok {
			return eris.Errorf("task %s not found", name)
		}

		err := r.run(ctx, dep, false)
		if err != nil {
			return eris.Wrapf(err, "dependency %s of task %s", name, task.Short)
		}
	}

	if !force {
		skip, err := r.upToDate(task, tlog)
		if err != nil {
			return err
		}
		if skip {
			r.done[task] = true
			return nil
		}
	}

	shell, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(taskEnviron(task.Env)),
		interp.ExecHandler(portableExec),
		interp.OpenHandler(portableOpen),
		interp.StdIO(r.opts.Stdin, r.opts.Stdout, r.opts.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to set up the shell for task %s", task.Short)
	}

	for _, cmd := range task.Cmds {
		switch cmd := cmd.(type) {
		case ScriptCmd:
			exited, err := r.runScript(ctx, shell, task, cmd, tlog)
			if err != nil {
				return err
			}
			if exited {
				r.done[task] = true
				return nil
			}
		case TaskRef:
			if cmd.Task == nil {
				return eris.Errorf("task %s calls %s which was never resolved", task.Short, cmd.Name)
			}

			err := r.run(ctx, cmd.Task, force)
			if err != nil {
				return err
			}
		default:
			return eris.Errorf("task %s: unsupported command %T", task.Short, cmd)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	r.done[task] = true
	return nil
}

// runScript logs and runs each statement of the script. It reports whether the script called exit.
func (r *taskRunner) runScript(ctx context.Context, shell *interp.Runner, task *Task, cmd ScriptCmd, tlog *zerolog.Logger) (bool, error) {
	file, err := r.parser.Parse(strings.NewReader(cmd.Script), fmt.Sprintf("%s#%d", task.Short, cmd.Index))
	if err != nil {
		return false, eris.Wrapf(err, "failed to parse command #%d of task %s", cmd.Index, task.Short)
	}

	var line strings.Builder
	for _, stmt := range file.Stmts {
		line.Reset()
		err = r.printer.Print(&line, stmt)
		if err != nil {
			return false, eris.Wrap(err, "failed to print statement")
		}

		tlog.Info().Bool("command", true).Msg(line.String())
		if r.opts.DryRun {
			continue
		}

		err = shell.Run(ctx, stmt)
		if err != nil {
			if code, ok := interp.IsExitStatus(err); ok {
				r.failure = &ExitError{Task: task.Short, Code: int(code)}
				return false, r.failure
			}
			return false, eris.Wrapf(err, "failed to run %s", line.String())
		}

		if shell.Exited() {
			return true, nil
		}
	}
	return false, nil
}

// matchTimes expands a path pattern relative to the task's directory and returns the
// modification times of the existing matches.
func (r *taskRunner) matchTimes(task *Task, pattern string) ([]time.Time, error) {
	resolved := resolvePath(task.Base, r.root, pattern)
	if rel, err := filepath.Rel(task.Base, resolved); err == nil {
		resolved = rel
	}

	var words []*syntax.Word
	err := r.parser.Words(strings.NewReader(filepath.ToSlash(resolved)), func(w *syntax.Word) bool {
		words = append(words, w)
		return true
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse pattern %s", pattern)
	}

	env := make(map[string]string, len(task.Env)+1)
	for name, value := range task.Env {
		env[name] = value
	}
	// relative globs start at $PWD
	env["PWD"] = task.Base

	cfg := expand.Config{
		Env:      taskEnviron(env),
		GlobStar: true,
		ReadDir: func(dir string) ([]os.FileInfo, error) {
			infos, err := ioutil.ReadDir(dir)
			if os.IsNotExist(err) {
				return nil, nil
			}
			return infos, err
		},
	}
	fields, err := expand.Fields(&cfg, words...)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to expand pattern %s", pattern)
	}

	// unmatched globs expand to themselves, so only existing paths count
	var times []time.Time
	for _, field := range fields {
		path := filepath.FromSlash(field)
		if !filepath.IsAbs(path) {
			path = filepath.Join(task.Base, path)
		}

		info, err := os.Stat(path)
		if err == nil {
			times = append(times, info.ModTime())
		} else if !os.IsNotExist(err) {
			return nil, eris.Wrapf(err, "failed to check %s", path)
		}
	}
	return times, nil
}

// upToDate reports whether the task can be skipped. It is, if every skip_if_exists pattern
// matches or if every output pattern matches and the oldest output is newer than the newest
// input. Patterns without matches count as missing files.
func (r *taskRunner) upToDate(task *Task, tlog *zerolog.Logger) (bool, error) {
	if len(task.SkipIfExists) > 0 {
		complete := true
		for _, pattern := range task.SkipIfExists {
			times, err := r.matchTimes(task, pattern)
			if err != nil {
				return false, err
			}
			if len(times) == 0 {
				tlog.Debug().Str("pattern", pattern).Msg("skip_if_exists path missing")
				complete = false
				break
			}
		}

		if complete {
			tlog.Info().Msg("skipped, all skip_if_exists paths exist")
			return true, nil
		}
	}

	if len(task.Inputs) == 0 || len(task.Outputs) == 0 {
		return false, nil
	}

	var newestInput time.Time
	for _, pattern := range task.Inputs {
		times, err := r.matchTimes(task, pattern)
		if err != nil {
			return false, err
		}

		for _, mt := range times {
			if mt.After(newestInput) {
				newestInput = mt
			}
		}
	}

	if newestInput.IsZero() {
		return false, nil
	}

	var oldestOutput time.Time
	for _, pattern := range task.Outputs {
		times, err := r.matchTimes(task, pattern)
		if err != nil {
			return false, err
		}

		if len(times) == 0 {
			tlog.Debug().Str("pattern", pattern).Msg("output missing")
			return false, nil
		}

		for _, mt := range times {
			if oldestOutput.IsZero() || mt.Before(oldestOutput) {
				oldestOutput = mt
			}
		}
	}

	if oldestOutput.After(newestInput) {
		tlog.Info().Msgf("up to date, outputs are %s newer than the inputs", oldestOutput.Sub(newestInput).Round(time.Millisecond))
		return true, nil
	}
	return false, nil
}

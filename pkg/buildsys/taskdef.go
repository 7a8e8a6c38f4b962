package buildsys

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// TaskDef describes a task independent of where it was declared. tasks.yml entries, task()
// calls in tasks.star and presets all become tasks through Build.
type TaskDef struct {
	Name         string            `yaml:"-"`
	Desc         string            `yaml:"desc"`
	Dir          string            `yaml:"dir"`
	Deps         []string          `yaml:"deps"`
	Env          map[string]string `yaml:"env"`
	Cmds         []CmdDef          `yaml:"cmds"`
	Inputs       []string          `yaml:"inputs"`
	Outputs      []string          `yaml:"outputs"`
	SkipIfExists []string          `yaml:"skip_if_exists"`
	Hidden       bool              `yaml:"hidden"`
}

// CmdDef is a single command: a shell script, the name of a task to call or, from Starlark,
// a task value.
type CmdDef struct {
	Script string
	Task   string

	ref *Task
}

func checkTaskName(name string) error {
	switch {
	case name == "":
		return eris.New("task names can't be empty")
	case name == reservedTaskName:
		return eris.Errorf(`the task name "%s" is reserved, please use a different name`, reservedTaskName)
	case strings.ContainsAny(name, "= \t\n"):
		// name=value on the command line sets an option
		return eris.Errorf("invalid task name %q, names can't contain whitespace or =", name)
	}
	return nil
}

// Build validates the definition and creates the task. Dir is resolved against dir, task
// references by name stay unresolved until TaskList.Link runs.
func (d TaskDef) Build(dir, projectRoot string) (*Task, error) {
	err := checkTaskName(d.Name)
	if err != nil {
		return nil, err
	}

	base := d.Dir
	if base == "" {
		base = "."
	}

	task := &Task{
		Short:        d.Name,
		Desc:         d.Desc,
		Base:         resolvePath(dir, projectRoot, base),
		Env:          make(map[string]string, len(d.Env)),
		Deps:         append([]string(nil), d.Deps...),
		Cmds:         make([]TaskCmd, 0, len(d.Cmds)),
		Inputs:       append([]string(nil), d.Inputs...),
		Outputs:      append([]string(nil), d.Outputs...),
		SkipIfExists: append([]string(nil), d.SkipIfExists...),
		Hidden:       d.Hidden,
	}

	for name, value := range d.Env {
		task.Env[name] = value
	}

	for idx, cmd := range d.Cmds {
		switch {
		case cmd.ref != nil:
			task.Cmds = append(task.Cmds, TaskRef{Name: cmd.ref.Short, Task: cmd.ref})
		case cmd.Task != "":
			task.Cmds = append(task.Cmds, TaskRef{Name: cmd.Task})
		default:
			task.Cmds = append(task.Cmds, ScriptCmd{Script: cmd.Script, Index: idx})
		}
	}

	return task, nil
}

// Link resolves task references by name and checks that all dependencies exist.
func (l TaskList) Link() error {
	return l.walk(func(task *Task) error {
		for _, dep := range task.Deps {
			if _, ok := l[dep]; !ok {
				return eris.Errorf("task %s depends on unknown task %s", task.Short, dep)
			}
		}

		for idx, cmd := range task.Cmds {
			ref, ok := cmd.(TaskRef)
			if !ok || ref.Task != nil {
				continue
			}

			target, ok := l[ref.Name]
			if !ok {
				return eris.Errorf("command #%d of task %s calls unknown task %s", idx, task.Short, ref.Name)
			}
			task.Cmds[idx] = TaskRef{Name: ref.Name, Task: target}
		}
		return nil
	})
}

// warnIncomplete logs tasks whose skip check can never pass.
func warnIncomplete(ctx context.Context, source string, task *Task) {
	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		taskLog(ctx, task).Warn().Msgf("%s: inputs without outputs are never checked", source)
	}
}

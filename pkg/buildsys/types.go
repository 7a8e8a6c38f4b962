package buildsys

import (
	"sort"
)

// reservedTaskName is the entry point of tasks.star, no task may use it.
const reservedTaskName = "configure"

// Task is a named shortcut: shell scripts and calls to other tasks which run in Base with Env
// applied on top of the process environment.
type Task struct {
	Short string
	Desc  string
	Base  string
	Env   map[string]string
	Deps  []string
	Cmds  []TaskCmd

	// Path patterns, relative to Base, checked before the task runs.
	Inputs       []string
	Outputs      []string
	SkipIfExists []string

	Hidden bool
}

// TaskCmd is one step of a task, either a ScriptCmd or a TaskRef.
type TaskCmd interface {
	String() string
}

// ScriptCmd is shell source for the embedded interpreter.
type ScriptCmd struct {
	Script string
	// Index is the position inside the owning task.
	Index int
}

func (c ScriptCmd) String() string {
	return c.Script
}

// TaskRef runs another task in place. Task stays nil until the list is linked.
type TaskRef struct {
	Name string
	Task *Task
}

func (r TaskRef) String() string {
	return "task " + r.Name
}

// TaskList maps task names to tasks. Hidden tasks only reachable through a TaskRef are not part
// of the map.
type TaskList map[string]*Task

// Names returns the names of all visible tasks in alphabetical order.
func (l TaskList) Names() []string {
	names := make([]string, 0, len(l))
	for name, task := range l {
		if !task.Hidden {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}

// Merge copies all tasks from other into l, replacing tasks with the same name.
func (l TaskList) Merge(other TaskList) {
	for name, task := range other {
		l[name] = task
	}
}

// walk calls fn once for every task in l and every task reachable through references, in a
// stable order.
func (l TaskList) walk(fn func(*Task) error) error {
	visited := make(map[*Task]bool)

	var visit func(*Task) error
	visit = func(task *Task) error {
		if visited[task] {
			return nil
		}
		visited[task] = true

		if err := fn(task); err != nil {
			return err
		}

		for _, cmd := range task.Cmds {
			if ref, ok := cmd.(TaskRef); ok && ref.Task != nil {
				if err := visit(ref.Task); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, name := range sortedKeys(l) {
		if err := visit(l[name]); err != nil {
			return err
		}
	}
	return nil
}

// applyEnv adds every variable in env to the tasks which don't set it themselves.
func (l TaskList) applyEnv(env map[string]string) {
	if len(env) == 0 {
		return
	}

	_ = l.walk(func(task *Task) error {
		if task.Env == nil {
			task.Env = make(map[string]string, len(env))
		}

		for name, value := range env {
			if _, ok := task.Env[name]; !ok {
				task.Env[name] = value
			}
		}
		return nil
	})
}

// ScriptOption is a value declared with option() in tasks.star. The command line sets it with
// name=value.
type ScriptOption struct {
	Default string
	Help    string
}

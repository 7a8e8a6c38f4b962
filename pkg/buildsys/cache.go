package buildsys

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(ScriptCmd{})
	gob.Register(TaskRef{})
}

// CacheHeader records everything a cached task list depends on.
type CacheHeader struct {
	Version string
	Source  string
	Options map[string]string
	// Files and Env are the inputs the script consulted, see ScriptResult.
	Files map[string]int64
	Env   map[string]string
}

// Fresh reports whether the cached task list is still valid for source evaluated with options.
func (h CacheHeader) Fresh(source string, options map[string]string) bool {
	if h.Version != Version || h.Source != source || len(h.Options) != len(options) {
		return false
	}

	for name, value := range options {
		if cached, ok := h.Options[name]; !ok || cached != value {
			return false
		}
	}

	for path, stamp := range h.Files {
		if fileStamp(path) != stamp {
			return false
		}
	}

	for name, value := range h.Env {
		if os.Getenv(name) != value {
			return false
		}
	}
	return true
}

// cachedTask is a task with its references replaced by positions in cacheBody.Tasks.
type cachedTask struct {
	Task Task
	Refs map[int]int
}

type cacheBody struct {
	Tasks []cachedTask
	Names map[string]int
}

func flattenTasks(list TaskList) (cacheBody, error) {
	body := cacheBody{Names: make(map[string]int, len(list))}
	index := map[*Task]int{}

	err := list.walk(func(task *Task) error {
		index[task] = len(body.Tasks)
		body.Tasks = append(body.Tasks, cachedTask{Task: *task})
		return nil
	})
	if err != nil {
		return body, err
	}

	for pos := range body.Tasks {
		entry := &body.Tasks[pos]
		cmds := make([]TaskCmd, len(entry.Task.Cmds))
		for idx, cmd := range entry.Task.Cmds {
			if ref, ok := cmd.(TaskRef); ok {
				if ref.Task == nil {
					return body, eris.Errorf("task %s calls %s which was never resolved", entry.Task.Short, ref.Name)
				}
				if entry.Refs == nil {
					entry.Refs = map[int]int{}
				}
				entry.Refs[idx] = index[ref.Task]
				cmd = TaskRef{Name: ref.Name}
			}
			cmds[idx] = cmd
		}
		entry.Task.Cmds = cmds
	}

	for name, task := range list {
		body.Names[name] = index[task]
	}
	return body, nil
}

func (b cacheBody) tasks() (TaskList, error) {
	tasks := make([]*Task, len(b.Tasks))
	for pos := range b.Tasks {
		task := b.Tasks[pos].Task
		tasks[pos] = &task
	}

	for pos, entry := range b.Tasks {
		for idx, target := range entry.Refs {
			if target < 0 || target >= len(tasks) || idx >= len(tasks[pos].Cmds) {
				return nil, eris.New("corrupt task reference in cache")
			}
			tasks[pos].Cmds[idx] = TaskRef{Name: tasks[target].Short, Task: tasks[target]}
		}
	}

	list := make(TaskList, len(b.Names))
	for name, pos := range b.Names {
		if pos < 0 || pos >= len(tasks) {
			return nil, eris.New("corrupt task index in cache")
		}
		list[name] = tasks[pos]
	}
	return list, nil
}

// WriteCache stores list in file together with header.
func WriteCache(file string, header CacheHeader, list TaskList) error {
	body, err := flattenTasks(list)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(file), 0770)
	if err != nil {
		return err
	}

	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(header)
	if err != nil {
		return err
	}
	return encoder.Encode(body)
}

// ReadCache loads a file written by WriteCache. Check the header before using the tasks.
func ReadCache(file string) (CacheHeader, TaskList, error) {
	var header CacheHeader

	handle, err := os.Open(file)
	if err != nil {
		return header, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)
	err = decoder.Decode(&header)
	if err != nil {
		return header, nil, err
	}

	var body cacheBody
	err = decoder.Decode(&body)
	if err != nil {
		return header, nil, err
	}

	list, err := body.tasks()
	return header, list, err
}

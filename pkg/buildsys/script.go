package buildsys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
)

// ScriptResult is the outcome of evaluating a tasks.star file.
type ScriptResult struct {
	Tasks   TaskList
	Options map[string]ScriptOption
	// Files maps every file the script consulted, the script itself included, to its
	// modification time (0 if it was missing).
	Files map[string]int64
	// Env holds the process environment variables the script read.
	Env map[string]string
}

type builtinFunc func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// script is the state of a single tasks.star evaluation. Its methods implement the builtins.
type script struct {
	ctx    context.Context
	file   string
	dir    string
	root   string
	values map[string]string

	configuring bool
	env         map[string]string
	yamlDocs    map[string]interface{}
	tasks       TaskList
	result      *ScriptResult
}

// EvalScript runs a tasks.star file. values are the option values from the command line. With
// configure set, the script's configure() function is called and the declared tasks are
// returned, otherwise only the options are collected.
func EvalScript(ctx context.Context, filename, projectRoot string, values map[string]string, configure bool) (*ScriptResult, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}

	file, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	s := &script{
		ctx:      ctx,
		file:     file,
		dir:      filepath.Dir(file),
		root:     root,
		values:   values,
		env:      map[string]string{},
		yamlDocs: map[string]interface{}{},
		tasks:    TaskList{},
		result: &ScriptResult{
			Tasks:   TaskList{},
			Options: map[string]ScriptOption{},
			Files:   map[string]int64{},
			Env:     map[string]string{},
		},
	}

	name := displayPath(root, file)
	s.track(file)
	source, err := os.ReadFile(file)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", name)
	}

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			log(ctx).Info().Msg(msg)
		},
	}

	globals, err := starlark.ExecFile(thread, name, source, s.predeclared())
	if err != nil {
		return nil, scriptError(name, err)
	}

	if !configure {
		return s.result, nil
	}

	entry, ok := globals[reservedTaskName]
	if !ok {
		return nil, eris.Errorf("%s has no %s() function", name, reservedTaskName)
	}

	fn, ok := entry.(starlark.Callable)
	if !ok {
		return nil, eris.Errorf("%s: %s is a %s, not a function", name, reservedTaskName, entry.Type())
	}

	s.configuring = true
	_, err = starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, scriptError(name, err)
	}

	s.tasks.applyEnv(s.env)
	err = s.tasks.Link()
	if err != nil {
		return nil, eris.Wrap(err, name)
	}

	s.result.Tasks = s.tasks
	return s.result, nil
}

func scriptError(name string, err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return eris.Errorf("%s failed:\n%s", name, evalErr.Backtrace())
	}
	return eris.Wrapf(err, "%s failed", name)
}

func (s *script) predeclared() starlark.StringDict {
	builtins := map[string]builtinFunc{
		"info":         s.message(zerolog.InfoLevel),
		"warn":         s.message(zerolog.WarnLevel),
		"error":        s.fail,
		"option":       s.option,
		"getenv":       s.getenv,
		"setenv":       s.setenv,
		"prepend_path": s.prependPath,
		"load_dotenv":  s.loadDotenv,
		"read_yaml":    s.readYAML,
		"use_preset":   s.usePreset,
		"task":         s.task,
	}

	dict := starlark.StringDict{
		"OS":   starlark.String(runtime.GOOS),
		"ARCH": starlark.String(runtime.GOARCH),
	}
	for name, fn := range builtins {
		dict[name] = starlark.NewBuiltin(name, fn)
	}
	return dict
}

// track records a consulted file for the cache.
func (s *script) track(path string) {
	s.result.Files[path] = fileStamp(path)
}

func (s *script) lookupEnv(name string) string {
	if value, ok := s.env[name]; ok {
		return value
	}

	value := os.Getenv(name)
	s.result.Env[name] = value
	return value
}

func (s *script) message(level zerolog.Level) builtinFunc {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &msg)
		if err != nil {
			return nil, err
		}

		pos := thread.CallFrame(1).Pos
		log(s.ctx).WithLevel(level).Msgf("%s:%d: %s", displayPath(s.root, s.file), pos.Line, msg)
		return starlark.None, nil
	}
}

func (s *script) fail(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &msg)
	if err != nil {
		return nil, err
	}
	return nil, eris.New(msg)
}

// option(name, default="", help="") declares a script option and returns its value.
func (s *script) option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, fallback, help string
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &fallback, "help?", &help)
	if err != nil {
		return nil, err
	}

	if s.configuring {
		return nil, eris.Errorf("%s: options must be declared at the top level of the script", fn.Name())
	}

	s.result.Options[name] = ScriptOption{Default: fallback, Help: help}
	if value, ok := s.values[name]; ok {
		return starlark.String(value), nil
	}
	return starlark.String(fallback), nil
}

// getenv(name, default="") sees the variables set by the script itself.
func (s *script) getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, fallback string
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &fallback)
	if err != nil {
		return nil, err
	}

	value := s.lookupEnv(name)
	if value == "" {
		value = fallback
	}
	return starlark.String(value), nil
}

// setenv(name, value) sets a variable for every task that doesn't set it itself.
func (s *script) setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, value string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &name, &value)
	if err != nil {
		return nil, err
	}

	s.env[name] = value
	return starlark.None, nil
}

// prepend_path(dir) puts dir in front of PATH for all tasks and returns the new PATH.
func (s *script) prependPath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dir)
	if err != nil {
		return nil, err
	}

	path := resolvePath(s.dir, s.root, dir) + string(os.PathListSeparator) + s.lookupEnv("PATH")
	s.env["PATH"] = path
	return starlark.String(path), nil
}

// load_dotenv(file=".env", required=True) works like setenv() for each variable in the file.
// It returns False if an optional file is missing.
func (s *script) loadDotenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	file := ".env"
	required := true
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "file?", &file, "required?", &required)
	if err != nil {
		return nil, err
	}

	path := resolvePath(s.dir, s.root, file)
	s.track(path)

	vars, err := godotenv.Read(path)
	if err != nil {
		if !required && os.IsNotExist(err) {
			return starlark.False, nil
		}
		return nil, eris.Wrapf(err, "failed to load %s", displayPath(s.root, path))
	}

	for name, value := range vars {
		s.env[name] = value
	}
	return starlark.True, nil
}

// read_yaml(file, key, default=None) returns the value at a dotted key like "deps.0.name".
func (s *script) readYAML(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var file, key string
	var fallback starlark.Value = starlark.None
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "file", &file, "key", &key, "default?", &fallback)
	if err != nil {
		return nil, err
	}

	path := resolvePath(s.dir, s.root, file)
	doc, loaded := s.yamlDocs[path]
	if !loaded {
		s.track(path)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", displayPath(s.root, path))
		}

		err = yaml.Unmarshal(content, &doc)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse %s", displayPath(s.root, path))
		}
		s.yamlDocs[path] = doc
	}

	value, found := yamlLookup(doc, key)
	if !found || value == nil {
		return fallback, nil
	}
	return yamlToStarlark(value)
}

// use_preset(name) declares the tasks of a toolchain preset and returns them by name.
func (s *script) usePreset(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &name)
	if err != nil {
		return nil, err
	}

	if name == PresetAuto {
		for _, marker := range presetMarkers(s.root) {
			s.track(marker)
		}
		name = DetectPreset(s.root)
	}

	result := starlark.NewDict(3)
	if name == PresetNone {
		return result, nil
	}

	list, err := PresetTasks(name, s.dir)
	if err != nil {
		return nil, err
	}

	for _, short := range list.Names() {
		s.tasks[short] = list[short]
		err = result.SetKey(starlark.String(short), &starTask{list[short]})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// task(name="", desc, dir, deps, env, cmds, inputs, outputs, skip_if_exists, hidden) declares a
// task. Without a name, the task is hidden and only reachable by passing the returned value in
// the cmds of another task.
func (s *script) task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		def                               TaskDef
		deps, cmds, inputs, outputs, skip starlark.Value
		env                               *starlark.Dict
	)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"name?", &def.Name, "desc?", &def.Desc, "dir?", &def.Dir, "deps?", &deps, "env?", &env,
		"cmds?", &cmds, "inputs?", &inputs, "outputs?", &outputs, "skip_if_exists?", &skip,
		"hidden?", &def.Hidden)
	if err != nil {
		return nil, err
	}

	lists := []struct {
		field string
		value starlark.Value
		dest  *[]string
	}{
		{"deps", deps, &def.Deps},
		{"inputs", inputs, &def.Inputs},
		{"outputs", outputs, &def.Outputs},
		{"skip_if_exists", skip, &def.SkipIfExists},
	}
	for _, list := range lists {
		*list.dest, err = stringList(list.field, list.value)
		if err != nil {
			return nil, eris.Wrap(err, fn.Name())
		}
	}

	if env != nil {
		def.Env = make(map[string]string, env.Len())
		for _, item := range env.Items() {
			name, nameOk := starlark.AsString(item[0])
			value, valueOk := starlark.AsString(item[1])
			if !nameOk || !valueOk {
				return nil, eris.Errorf("%s: env must map strings to strings but found %s: %s", fn.Name(), item[0].Type(), item[1].Type())
			}
			def.Env[name] = value
		}
	}

	def.Cmds, err = cmdList(cmds)
	if err != nil {
		return nil, eris.Wrap(err, fn.Name())
	}

	if def.Name == "" {
		def.Name = "auto#" + nanoid.New()
		def.Hidden = true
	}

	task, err := def.Build(s.dir, s.root)
	if err != nil {
		return nil, err
	}

	warnIncomplete(s.ctx, displayPath(s.root, s.file), task)
	if !task.Hidden {
		s.tasks[task.Short] = task
	}
	return &starTask{task}, nil
}

func stringList(field string, value starlark.Value) ([]string, error) {
	if value == nil || value == starlark.None {
		return nil, nil
	}

	iterable, ok := value.(starlark.Iterable)
	if !ok {
		return nil, eris.Errorf("%s must be a list of strings, got %s", field, value.Type())
	}

	var result []string
	iter := iterable.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		str, ok := item.(starlark.String)
		if !ok {
			return nil, eris.Errorf("%s must only contain strings but found %s", field, item.Type())
		}
		result = append(result, string(str))
	}
	return result, nil
}

func cmdList(value starlark.Value) ([]CmdDef, error) {
	if value == nil || value == starlark.None {
		return nil, nil
	}

	iterable, ok := value.(starlark.Iterable)
	if !ok {
		return nil, eris.Errorf("cmds must be a list, got %s", value.Type())
	}

	var cmds []CmdDef
	iter := iterable.Iterate()
	defer iter.Done()

	var item starlark.Value
	for idx := 0; iter.Next(&item); idx++ {
		switch item := item.(type) {
		case starlark.String:
			cmds = append(cmds, CmdDef{Script: string(item)})
		case *starTask:
			cmds = append(cmds, CmdDef{ref: item.Task})
		case starlark.Tuple, *starlark.List:
			argv, err := stringList(fmt.Sprintf("cmds[%d]", idx), item)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, CmdDef{Script: shellJoin(argv)})
		default:
			return nil, eris.Errorf("cmds[%d]: unexpected type %s, want a string, an argument list or a task", idx, item.Type())
		}
	}
	return cmds, nil
}

// shellJoin builds a command line from an argument list. Arguments are quoted so the shell
// passes them through literally.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for idx, arg := range argv {
		quoted[idx] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}

	safe := strings.IndexFunc(arg, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case strings.ContainsRune("_-+=.,:/@%", r):
			return false
		}
		return true
	}) < 0
	if safe {
		return arg
	}

	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// yamlLookup follows a dotted key like "deps.0.name" through a decoded document.
func yamlLookup(doc interface{}, key string) (interface{}, bool) {
	current := doc
	for _, part := range strings.Split(key, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[part]
			if !ok {
				return nil, false
			}
			current = value
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func yamlToStarlark(value interface{}) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case bool:
		return starlark.Bool(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case int64:
		return starlark.MakeInt64(value), nil
	case uint64:
		return starlark.MakeUint64(value), nil
	case float64:
		return starlark.Float(value), nil
	case []interface{}:
		items := make([]starlark.Value, len(value))
		for idx, item := range value {
			converted, err := yamlToStarlark(item)
			if err != nil {
				return nil, err
			}
			items[idx] = converted
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(value))
		for _, key := range sortedKeys(value) {
			converted, err := yamlToStarlark(value[key])
			if err != nil {
				return nil, err
			}

			err = dict.SetKey(starlark.String(key), converted)
			if err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, eris.Errorf("unsupported YAML value of type %T", value)
}

// starTask exposes a task to Starlark. Scripts pass it in the cmds of other tasks or read its
// name and desc attributes.
type starTask struct {
	*Task
}

func (t *starTask) String() string {
	return fmt.Sprintf("<task %s>", t.Short)
}

func (t *starTask) Type() string {
	return "task"
}

func (t *starTask) Freeze() {}

func (t *starTask) Truth() starlark.Bool {
	return starlark.True
}

func (t *starTask) Hash() (uint32, error) {
	return 0, eris.New("unhashable type: task")
}

func (t *starTask) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(t.Short), nil
	case "desc":
		return starlark.String(t.Desc), nil
	}
	return nil, nil
}

func (t *starTask) AttrNames() []string {
	return []string{"desc", "name"}
}

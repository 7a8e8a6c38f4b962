package buildsys

import (
	"context"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Version is the devtask version checked against the version constraint of task files.
var Version = "0.3.0"

// UnmarshalYAML accepts either a shell script or a {task: name} mapping.
func (c *CmdDef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&c.Script)
	case yaml.MappingNode:
		var call struct {
			Task string `yaml:"task"`
		}
		err := value.Decode(&call)
		if err != nil {
			return err
		}

		if call.Task == "" {
			return eris.Errorf("line %d: task reference without a task name", value.Line)
		}
		c.Task = call.Task
		return nil
	default:
		return eris.Errorf("line %d: a command must be a string or a {task: name} mapping", value.Line)
	}
}

// taskFile is the layout of tasks.yml.
type taskFile struct {
	Version string             `yaml:"version"`
	Preset  string             `yaml:"preset"`
	Dotenv  []string           `yaml:"dotenv"`
	Env     map[string]string  `yaml:"env"`
	Tasks   map[string]TaskDef `yaml:"tasks"`
}

// checkVersion verifies that this build of devtask satisfies the constraint.
func checkVersion(constraint string) error {
	if constraint == "" {
		return nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return eris.Wrapf(err, "invalid version constraint %s", constraint)
	}

	current, err := semver.NewVersion(Version)
	if err != nil {
		return eris.Wrapf(err, "invalid devtask version %s", Version)
	}

	if !c.Check(current) {
		return eris.Errorf("this task file requires devtask %s but this is %s", constraint, Version)
	}
	return nil
}

// ParseYAML reads a declarative task file. Preset tasks are added first so the file can
// replace them.
func ParseYAML(ctx context.Context, filename, projectRoot string) (TaskList, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	source := displayPath(root, filename)
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", source)
	}

	var doc taskFile
	err = yaml.Unmarshal(content, &doc)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", source)
	}

	err = checkVersion(doc.Version)
	if err != nil {
		return nil, eris.Wrap(err, source)
	}

	dir := filepath.Dir(filename)
	tasks := TaskList{}

	preset := doc.Preset
	if preset == PresetAuto {
		preset = DetectPreset(root)
	}

	if preset != "" && preset != PresetNone {
		presetTasks, err := PresetTasks(preset, dir)
		if err != nil {
			return nil, eris.Wrap(err, source)
		}
		tasks.Merge(presetTasks)
	}

	for _, name := range sortedKeys(doc.Tasks) {
		def := doc.Tasks[name]
		def.Name = name

		task, err := def.Build(dir, root)
		if err != nil {
			return nil, eris.Wrap(err, source)
		}

		warnIncomplete(ctx, source, task)
		tasks[name] = task
	}

	err = tasks.Link()
	if err != nil {
		return nil, eris.Wrap(err, source)
	}

	env, err := fileEnv(dir, root, doc)
	if err != nil {
		return nil, eris.Wrap(err, source)
	}

	tasks.applyEnv(env)
	return tasks, nil
}

// fileEnv merges the dotenv files and the env section. env wins over dotenv files, later dotenv
// files win over earlier ones.
func fileEnv(dir, root string, doc taskFile) (map[string]string, error) {
	env := map[string]string{}
	if len(doc.Dotenv) > 0 {
		files := make([]string, len(doc.Dotenv))
		for idx, file := range doc.Dotenv {
			files[idx] = resolvePath(dir, root, file)
		}

		vars, err := godotenv.Read(files...)
		if err != nil {
			return nil, eris.Wrap(err, "failed to load dotenv files")
		}

		for name, value := range vars {
			env[name] = value
		}
	}

	for name, value := range doc.Env {
		env[name] = value
	}
	return env, nil
}

package buildsys

import (
	"context"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
)

// TaskFileNames lists the file names FindTaskFile looks for, in order of preference.
var TaskFileNames = []string{"tasks.star", "tasks.yml", "tasks.yaml"}

// ErrNoTaskFile is returned if neither a task file nor a preset is available.
var ErrNoTaskFile = eris.New("no task file found")

// LoadOptions controls where Load looks for tasks.
type LoadOptions struct {
	// Dir is the directory to start searching from. Defaults to the working directory.
	Dir string
	// File skips the search and loads the given task file.
	File string
	// Preset is used if no task file was found. Either a preset name, PresetAuto or PresetNone.
	Preset string
	// Options are passed to option() calls in Starlark scripts.
	Options map[string]string
	// Dotenv loads the .env file in the project root (if present) for every task.
	Dotenv bool
	// CacheDir enables caching of evaluated Starlark scripts. Relative paths start at the
	// project root.
	CacheDir string
}

// Project is the result of Load.
type Project struct {
	Root  string
	File  string
	Tasks TaskList
}

// FindTaskFile walks up from dir until it finds one of TaskFileNames.
func FindTaskFile(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		for _, name := range TaskFileNames {
			candidate := filepath.Join(path, name)
			info, err := os.Stat(candidate)
			if err == nil && !info.IsDir() {
				return candidate, nil
			}
			if err != nil && !os.IsNotExist(err) {
				return "", eris.Wrapf(err, "failed to check %s", candidate)
			}
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", ErrNoTaskFile
		}
		path = parent
	}
}

// FindProjectRoot walks up from dir until it finds a VCS directory or a preset marker file.
// If there is none, dir itself is returned.
func FindProjectRoot(dir string) (string, error) {
	start, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	markers := []string{".git", ".hg"}
	for _, preset := range presets {
		markers = append(markers, preset.Marker)
	}

	for path := start; ; {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
				return path, nil
			}
		}

		parent := filepath.Dir(path)
		if parent == path {
			return start, nil
		}
		path = parent
	}
}

// Locate determines the project for dir. The directory of the task file is the project root,
// explicit names a task file and skips the search. Without a task file, file is empty and root
// comes from FindProjectRoot.
func Locate(dir, explicit string) (root, file string, err error) {
	if explicit != "" {
		file, err = filepath.Abs(explicit)
		if err != nil {
			return "", "", err
		}
		return filepath.Dir(file), file, nil
	}

	file, err = FindTaskFile(dir)
	switch {
	case err == nil:
		return filepath.Dir(file), file, nil
	case err != ErrNoTaskFile:
		return "", "", err
	}

	root, err = FindProjectRoot(dir)
	return root, "", err
}

// Load finds the project's task file and parses it. If there is no task file, the preset
// tasks are returned instead.
func Load(ctx context.Context, opts LoadOptions) (*Project, error) {
	dir := opts.Dir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, eris.Wrap(err, "failed to retrieve the current working directory")
		}
	}

	root, file, err := Locate(dir, opts.File)
	if err != nil {
		return nil, err
	}

	project := &Project{Root: root, File: file}
	if file != "" {
		project.Tasks, err = loadTaskFile(ctx, file, root, opts)
	} else {
		project.Tasks, err = loadPreset(ctx, root, opts.Preset)
	}
	if err != nil {
		return nil, err
	}

	if opts.Dotenv {
		envFile := filepath.Join(root, ".env")
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			project.Tasks.applyEnv(vars)
		case !os.IsNotExist(err):
			return nil, eris.Wrapf(err, "failed to load %s", envFile)
		}
	}

	return project, nil
}

func loadPreset(ctx context.Context, root, preset string) (TaskList, error) {
	if preset == "" || preset == PresetAuto {
		preset = DetectPreset(root)
	}

	if preset == PresetNone {
		return nil, ErrNoTaskFile
	}

	log(ctx).Debug().Str("preset", preset).Msg("no task file found, using preset")
	return PresetTasks(preset, root)
}

func loadTaskFile(ctx context.Context, file, root string, opts LoadOptions) (TaskList, error) {
	if filepath.Ext(file) != ".star" {
		return ParseYAML(ctx, file, root)
	}

	options := opts.Options
	if options == nil {
		options = map[string]string{}
	}

	cacheFile := ""
	if opts.CacheDir != "" {
		cacheFile = filepath.Join(resolvePath(root, root, opts.CacheDir), "tasks.cache")
		header, tasks, err := ReadCache(cacheFile)
		if err == nil && header.Fresh(file, options) {
			log(ctx).Debug().Str("path", cacheFile).Msg("using cached task list")
			return tasks, nil
		}

		if err != nil && !os.IsNotExist(err) {
			log(ctx).Debug().Err(err).Str("path", cacheFile).Msg("ignoring unreadable cache")
		}
	}

	result, err := EvalScript(ctx, file, root, options, true)
	if err != nil {
		return nil, err
	}

	if cacheFile != "" {
		err = WriteCache(cacheFile, CacheHeader{
			Version: Version,
			Source:  file,
			Options: options,
			Files:   result.Files,
			Env:     result.Env,
		}, result.Tasks)
		if err != nil {
			log(ctx).Warn().Err(err).Msg("failed to write the task cache")
		}
	}

	return result.Tasks, nil
}

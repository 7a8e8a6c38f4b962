package buildsys

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Preset names
const (
	PresetAuto  = "auto"
	PresetNone  = "none"
	PresetCargo = "cargo"
	PresetGo    = "go"
)

// Preset is the set of shortcuts for a single toolchain.
type Preset struct {
	Name string
	// Marker is the file identifying a project of this toolchain.
	Marker string
	Tasks  []TaskDef
}

func shortcut(name, desc, script string) TaskDef {
	return TaskDef{
		Name: name,
		Desc: desc,
		Cmds: []CmdDef{{Script: script}},
	}
}

// detection order, the first match wins
var presets = []Preset{
	{
		Name:   PresetCargo,
		Marker: "Cargo.toml",
		Tasks: []TaskDef{
			shortcut("clippy", "Lints all targets and features, warnings are errors",
				"cargo clippy --all-targets --all-features -- -D warnings"),
			shortcut("fmt", "Formats the code", "cargo fmt"),
			shortcut("test", "Runs the tests of all targets and features", "cargo test --all-targets --all-features"),
		},
	},
	{
		Name:   PresetGo,
		Marker: "go.mod",
		Tasks: []TaskDef{
			shortcut("vet", "Runs go vet on all packages", "go vet ./..."),
			shortcut("fmt", "Formats the code", "gofmt -l -w ."),
			shortcut("test", "Runs the tests of all packages", "go test ./..."),
		},
	},
}

func findPreset(name string) (Preset, bool) {
	for _, preset := range presets {
		if preset.Name == name {
			return preset, true
		}
	}
	return Preset{}, false
}

// PresetNames returns the names of all known presets.
func PresetNames() []string {
	names := make([]string, len(presets))
	for idx, preset := range presets {
		names[idx] = preset.Name
	}
	return names
}

// IsPreset reports whether name is a preset or one of the special values auto and none.
func IsPreset(name string) bool {
	if name == PresetAuto || name == PresetNone {
		return true
	}
	_, ok := findPreset(name)
	return ok
}

// presetMarkers lists the marker files DetectPreset looks for in root.
func presetMarkers(root string) []string {
	markers := make([]string, len(presets))
	for idx, preset := range presets {
		markers[idx] = filepath.Join(root, preset.Marker)
	}
	return markers
}

// DetectPreset picks the preset whose marker file exists in root. Cargo wins if several match.
func DetectPreset(root string) string {
	for idx, marker := range presetMarkers(root) {
		if _, err := os.Stat(marker); err == nil {
			return presets[idx].Name
		}
	}

	return PresetNone
}

// PresetTasks builds fresh tasks for the named preset. Commands run in base.
func PresetTasks(name, base string) (TaskList, error) {
	preset, ok := findPreset(name)
	if !ok {
		return nil, eris.Errorf("unknown preset %s", name)
	}

	list := make(TaskList, len(preset.Tasks))
	for _, def := range preset.Tasks {
		task, err := def.Build(base, base)
		if err != nil {
			return nil, eris.Wrapf(err, "preset %s", name)
		}
		list[task.Short] = task
	}

	return list, nil
}

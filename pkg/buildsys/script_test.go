package buildsys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0770))
	require.NoError(t, os.WriteFile(path, []byte(content), 0660))
	return path
}

const greetScript = `
greeting = option("greeting", default = "hello", help = "what to say")

def configure():
    setenv("GLOBAL", "yes")
    helper = task(cmds = ["echo helper"])

    task("greet",
        desc = "Says hi",
        env = {"NAME": "world"},
        cmds = ["echo %s $NAME $GLOBAL" % greeting, helper],
    )
    task("quoted", cmds = [("echo", "a b", "")])
    task("all", deps = ["greet", "quoted"])
`

func TestEvalScript_DeclaresTasks(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "tasks.star"), greetScript)

	result, err := EvalScript(testContext(), file, dir, nil, true)
	require.NoError(t, err)

	tasks := result.Tasks
	require.Equal(t, []string{"all", "greet", "quoted"}, tasks.Names())
	require.Len(t, tasks, 3, "hidden tasks are only reachable through their references")

	require.Equal(t, ScriptOption{Default: "hello", Help: "what to say"}, result.Options["greeting"])
	require.Contains(t, result.Files, file)

	greet := tasks["greet"]
	require.Equal(t, "Says hi", greet.Desc)
	require.Equal(t, dir, greet.Base)
	require.Equal(t, "world", greet.Env["NAME"])
	require.Equal(t, "yes", greet.Env["GLOBAL"])

	require.Len(t, greet.Cmds, 2)
	ref, ok := greet.Cmds[1].(TaskRef)
	require.True(t, ok)
	require.True(t, ref.Task.Hidden)
	require.True(t, strings.HasPrefix(ref.Name, "auto#"))
	require.Equal(t, "yes", ref.Task.Env["GLOBAL"])

	quoted, ok := tasks["quoted"].Cmds[0].(ScriptCmd)
	require.True(t, ok)
	require.Equal(t, "echo 'a b' ''", quoted.Script)

	require.Equal(t, []string{"greet", "quoted"}, tasks["all"].Deps)
}

func TestEvalScript_OptionsOnly(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "tasks.star"), greetScript)

	result, err := EvalScript(testContext(), file, dir, nil, false)
	require.NoError(t, err)
	require.Empty(t, result.Tasks)
	require.Contains(t, result.Options, "greeting")
}

func TestEvalScript_OptionValues(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "tasks.star"), greetScript)

	result, err := EvalScript(testContext(), file, dir, map[string]string{"greeting": "hey"}, true)
	require.NoError(t, err)

	out, err := runCaptured(t, dir, "greet", result.Tasks, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "hey world yes\nhelper\n", out)
}

func TestEvalScript_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		errMsg string
	}{
		{
			name:   "missing configure",
			script: `x = 1`,
			errMsg: "has no configure() function",
		},
		{
			name:   "configure is not a function",
			script: `configure = 1`,
			errMsg: "not a function",
		},
		{
			name: "reserved task name",
			script: `
def configure():
    task("configure", cmds = ["echo nope"])
`,
			errMsg: "reserved",
		},
		{
			name: "option inside configure",
			script: `
def configure():
    option("late")
`,
			errMsg: "top level",
		},
		{
			name: "invalid command type",
			script: `
def configure():
    task("broken", cmds = [42])
`,
			errMsg: "unexpected type int",
		},
		{
			name: "unknown dependency",
			script: `
def configure():
    task("ci", deps = ["lint"])
`,
			errMsg: "depends on unknown task lint",
		},
		{
			name: "error builtin",
			script: `
def configure():
    error("something is off")
`,
			errMsg: "something is off",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			file := writeFile(t, filepath.Join(dir, "tasks.star"), tt.script)

			_, err := EvalScript(testContext(), file, dir, nil, true)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEvalScript_TaskValue(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "tasks.star"), `
def configure():
    lint = task("lint", desc = "Lints")
    task("ci", desc = "after " + lint.desc, deps = [lint.name])
`)

	result, err := EvalScript(testContext(), file, dir, nil, true)
	require.NoError(t, err)
	require.Equal(t, "after Lints", result.Tasks["ci"].Desc)
	require.Equal(t, []string{"lint"}, result.Tasks["ci"].Deps)

	value := &starTask{result.Tasks["lint"]}
	require.Equal(t, "<task lint>", value.String())
	_, err = value.Hash()
	require.Error(t, err)
}

func TestEvalScript_UsePreset(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "tasks.star"), `
def configure():
    rust = use_preset("cargo")
    if sorted(rust.keys()) != ["clippy", "fmt", "test"]:
        error("unexpected preset tasks")

    task("ci", deps = ["clippy", "test"])
`)

	result, err := EvalScript(testContext(), file, dir, nil, true)
	require.NoError(t, err)
	tasks := result.Tasks
	require.Equal(t, []string{"ci", "clippy", "fmt", "test"}, tasks.Names())

	expected := map[string]string{
		"clippy": "cargo clippy --all-targets --all-features -- -D warnings",
		"fmt":    "cargo fmt",
		"test":   "cargo test --all-targets --all-features",
	}
	for name, cmd := range expected {
		require.Len(t, tasks[name].Cmds, 1)
		require.Equal(t, cmd, tasks[name].Cmds[0].(ScriptCmd).Script)
		require.Equal(t, dir, tasks[name].Base)
	}
}

func TestEvalScript_UsePresetAuto(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), "module example.com/demo\n")
	file := writeFile(t, filepath.Join(dir, "tasks.star"), `
def configure():
    use_preset("auto")
`)

	result, err := EvalScript(testContext(), file, dir, nil, true)
	require.NoError(t, err)
	require.Equal(t, []string{"fmt", "test", "vet"}, result.Tasks.Names())

	// a Cargo.toml appearing later changes the detected preset
	require.Contains(t, result.Files, filepath.Join(dir, "Cargo.toml"))
	require.Zero(t, result.Files[filepath.Join(dir, "Cargo.toml")])
	require.NotZero(t, result.Files[filepath.Join(dir, "go.mod")])
}

func TestEvalScript_LoadDotenv(t *testing.T) {
	dir := t.TempDir()
	dotenv := writeFile(t, filepath.Join(dir, ".env"), "FROM_DOTENV=dotenv value\n")
	file := writeFile(t, filepath.Join(dir, "tasks.star"), `
def configure():
    load_dotenv()
    if load_dotenv(file = "missing.env", required = False):
        error("missing.env should not exist")

    task("show", cmds = ["echo $FROM_DOTENV"])
`)

	result, err := EvalScript(testContext(), file, dir, nil, true)
	require.NoError(t, err)
	require.Equal(t, "dotenv value", result.Tasks["show"].Env["FROM_DOTENV"])
	require.Contains(t, result.Files, dotenv)
	require.Contains(t, result.Files, filepath.Join(dir, "missing.env"))
}

func TestEvalScript_LoadDotenvRequired(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "tasks.star"), `
def configure():
    load_dotenv(file = "missing.env")
`)

	_, err := EvalScript(testContext(), file, dir, nil, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing.env")
}

func TestEvalScript_ReadYAML(t *testing.T) {
	dir := t.TempDir()
	deps := writeFile(t, filepath.Join(dir, "config", "deps.yml"), `
deps:
  - name: serde
    version: 1
toolchain:
  channel: stable
`)
	file := writeFile(t, filepath.Join(dir, "tasks.star"), `
def configure():
    name = read_yaml("config/deps.yml", "deps.0.name")
    channel = read_yaml("config/deps.yml", "toolchain.channel")
    missing = read_yaml("config/deps.yml", "toolchain.target", "none")
    version = read_yaml("config/deps.yml", "deps.0.version")

    task("info", desc = "%s %s %s %d" % (name, channel, missing, version))
`)

	result, err := EvalScript(testContext(), file, dir, nil, true)
	require.NoError(t, err)
	require.Equal(t, "serde stable none 1", result.Tasks["info"].Desc)
	require.Contains(t, result.Files, deps)
}

func TestEvalScript_Getenv(t *testing.T) {
	t.Setenv("DEVTASK_SCRIPT_PROFILE", "ci")
	dir := t.TempDir()
	file := writeFile(t, filepath.Join(dir, "tasks.star"), `
def configure():
    setenv("DEVTASK_LOCAL", "local")
    task("show", desc = "%s %s %s" % (
        getenv("DEVTASK_SCRIPT_PROFILE"),
        getenv("DEVTASK_LOCAL"),
        getenv("DEVTASK_SCRIPT_UNSET", "fallback"),
    ))
`)

	result, err := EvalScript(testContext(), file, dir, nil, true)
	require.NoError(t, err)
	require.Equal(t, "ci local fallback", result.Tasks["show"].Desc)
	require.Equal(t, map[string]string{
		"DEVTASK_SCRIPT_PROFILE": "ci",
		"DEVTASK_SCRIPT_UNSET":   "",
	}, result.Env)
}

func TestEvalScript_Paths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "crates"), 0770))
	file := writeFile(t, filepath.Join(dir, "sub", "tasks.star"), `
def configure():
    prepend_path("bin")
    task("build", dir = "//crates", inputs = ["src/**"], outputs = ["out"])
`)

	result, err := EvalScript(testContext(), file, dir, nil, true)
	require.NoError(t, err)

	build := result.Tasks["build"]
	require.Equal(t, filepath.Join(dir, "crates"), build.Base)
	require.Equal(t, []string{"src/**"}, build.Inputs)
	require.True(t, strings.HasPrefix(build.Env["PATH"], filepath.Join(dir, "sub", "bin")))
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, "cargo", shellQuote("cargo"))
	require.Equal(t, "--features=std,serde", shellQuote("--features=std,serde"))
	require.Equal(t, "''", shellQuote(""))
	require.Equal(t, "'a b'", shellQuote("a b"))
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
	require.Equal(t, "'$HOME'", shellQuote("$HOME"))
}

func TestYAMLToStarlark(t *testing.T) {
	value, err := yamlToStarlark(map[string]interface{}{
		"name":     "wallet",
		"features": []interface{}{"std", "serde"},
		"edition":  2021,
		"publish":  false,
		"none":     nil,
	})
	require.NoError(t, err)

	dict, ok := value.(*starlark.Dict)
	require.True(t, ok)
	require.Equal(t, 5, dict.Len())

	name, _, err := dict.Get(starlark.String("name"))
	require.NoError(t, err)
	require.Equal(t, starlark.String("wallet"), name)

	features, _, err := dict.Get(starlark.String("features"))
	require.NoError(t, err)
	require.Equal(t, `["std", "serde"]`, features.String())

	edition, _, err := dict.Get(starlark.String("edition"))
	require.NoError(t, err)
	require.Equal(t, starlark.MakeInt(2021), edition)

	none, _, err := dict.Get(starlark.String("none"))
	require.NoError(t, err)
	require.Equal(t, starlark.None, none)

	_, err = yamlToStarlark(struct{}{})
	require.Error(t, err)
}

func TestYAMLLookup(t *testing.T) {
	doc := map[string]interface{}{
		"deps": []interface{}{map[string]interface{}{"name": "serde"}},
	}

	value, ok := yamlLookup(doc, "deps.0.name")
	require.True(t, ok)
	require.Equal(t, "serde", value)

	for _, key := range []string{"deps.1.name", "deps.x", "deps.0.name.more", "other"} {
		_, ok = yamlLookup(doc, key)
		require.False(t, ok, key)
	}
}

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(filepath.Base(path)), 0660))
}

func TestMovePaths(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	touch(t, a)
	touch(t, b)

	require.NoError(t, movePaths([]string{a}, filepath.Join(dir, "renamed.txt")))
	require.FileExists(t, filepath.Join(dir, "renamed.txt"))
	require.NoFileExists(t, a)

	target := filepath.Join(dir, "target")
	require.NoError(t, os.Mkdir(target, 0770))
	require.NoError(t, movePaths([]string{b, filepath.Join(dir, "renamed.txt")}, target))
	require.FileExists(t, filepath.Join(target, "b.txt"))
	require.FileExists(t, filepath.Join(target, "renamed.txt"))
}

func TestMovePaths_Errors(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	touch(t, a)
	touch(t, b)

	err := movePaths([]string{a, b}, filepath.Join(dir, "c.txt"))
	require.Error(t, err, "multiple sources need a directory as destination")

	err = movePaths([]string{a}, filepath.Join(dir, "missing", "a.txt"))
	require.Error(t, err)
}

func TestRemovePaths(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	sub := filepath.Join(dir, "sub")
	touch(t, file)
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "nested"), 0770))

	require.Error(t, removePaths([]string{sub}, false, false), "directories need -r")
	require.DirExists(t, sub)

	require.Error(t, removePaths([]string{filepath.Join(dir, "missing")}, false, false))
	require.NoError(t, removePaths([]string{filepath.Join(dir, "missing")}, false, true))

	require.NoError(t, removePaths([]string{file, sub}, true, false))
	require.NoFileExists(t, file)
	require.NoDirExists(t, sub)
}

func TestMakeDirs(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	require.Error(t, makeDirs([]string{nested}, false))
	require.NoError(t, makeDirs([]string{nested}, true))
	require.DirExists(t, nested)

	require.NoError(t, makeDirs([]string{filepath.Join(dir, "single")}, false))
	require.DirExists(t, filepath.Join(dir, "single"))
}

func TestPosixCommand(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "x", "y")

	_, err := executeRoot(t, "posix", "mkdir", "-p", nested)
	require.NoError(t, err)
	require.DirExists(t, nested)

	_, err = executeRoot(t, "posix", "rm", "-r", "-f", filepath.Join(dir, "x"), filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.NoDirExists(t, filepath.Join(dir, "x"))
}

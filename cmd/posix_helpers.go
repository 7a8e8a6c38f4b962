package cmd

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

// globArgs expands patterns on Windows where the shell leaves that to the program.
func globArgs(patterns []string, skipUnmatched bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return patterns, nil
	}

	var paths []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		switch {
		case err != nil:
			return nil, eris.Wrapf(err, "invalid pattern %s", pattern)
		case len(matches) > 0:
			paths = append(paths, matches...)
		case !skipUnmatched:
			return nil, eris.Errorf("%s: no such file or directory", pattern)
		}
	}
	return paths, nil
}

// movePaths renames sources to dest. With several sources, dest has to be an existing directory.
func movePaths(sources []string, dest string) error {
	dest = filepath.Clean(dest)
	parent := filepath.Dir(dest)
	if info, err := os.Stat(parent); err != nil {
		return eris.Wrapf(err, "mv: can't access %s", parent)
	} else if !info.IsDir() {
		return eris.Errorf("mv: %s is not a directory", parent)
	}

	intoDir := false
	info, err := os.Stat(dest)
	switch {
	case err == nil:
		intoDir = info.IsDir()
	case !os.IsNotExist(err):
		return eris.Wrapf(err, "mv: can't access %s", dest)
	}

	if len(sources) > 1 && !intoDir {
		return eris.Errorf("mv: target %s is not a directory", dest)
	}

	for _, src := range sources {
		target := dest
		if intoDir {
			target = filepath.Join(dest, filepath.Base(src))
		}

		if err := os.Rename(src, target); err != nil {
			return eris.Wrapf(err, "mv: can't move %s to %s", src, target)
		}
	}
	return nil
}

// removePaths checks every path before deleting anything.
func removePaths(paths []string, recursive, force bool) error {
	remove := paths[:0:0]
	for _, path := range paths {
		info, err := os.Stat(path)
		switch {
		case err == nil && info.IsDir() && !recursive:
			return eris.Errorf("rm: %s is a directory, pass -r to remove it", path)
		case err == nil:
			remove = append(remove, path)
		case !force || !os.IsNotExist(err):
			return eris.Wrapf(err, "rm: can't remove %s", path)
		}
	}

	for _, path := range remove {
		if err := os.RemoveAll(path); err != nil {
			return eris.Wrapf(err, "rm: can't remove %s", path)
		}
	}
	return nil
}

func makeDirs(paths []string, parents bool) error {
	mkdir := os.Mkdir
	if parents {
		mkdir = os.MkdirAll
	}

	for _, path := range paths {
		if err := mkdir(path, 0770); err != nil {
			return eris.Wrapf(err, "mkdir: can't create %s", path)
		}
	}
	return nil
}

// newPosixCmd provides the mv, rm and mkdir commands tasks run through the embedded shell.
func newPosixCmd() *cobra.Command {
	posix := &cobra.Command{
		Use:    "posix",
		Short:  "Portable mv, rm and mkdir used by task commands",
		Hidden: true,
	}

	mv := &cobra.Command{
		Use:   "mv <source...> <dest>",
		Short: "Moves or renames files",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			last := len(args) - 1
			sources, err := globArgs(args[:last], false)
			if err != nil {
				return err
			}
			return movePaths(sources, args[last])
		},
	}

	var recursive, force bool
	rm := &cobra.Command{
		Use:   "rm <path...>",
		Short: "Removes files and directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := globArgs(args, force)
			if err != nil {
				return err
			}
			return removePaths(paths, recursive, force)
		},
	}
	rm.Flags().BoolVarP(&recursive, "recursive", "r", false, "remove directories and their contents")
	rm.Flags().BoolVarP(&force, "force", "f", false, "ignore missing paths")

	var parents bool
	mkdir := &cobra.Command{
		Use:   "mkdir <path...>",
		Short: "Creates directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return makeDirs(args, parents)
		},
	}
	mkdir.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parents, existing directories are fine")

	posix.AddCommand(mv, rm, mkdir)
	return posix
}

func init() {
	rootCmd.AddCommand(newPosixCmd())
}

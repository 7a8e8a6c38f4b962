// Package buildsys implements a small task runner. Tasks are declared either in a Starlark
// script (tasks.star), in a declarative YAML file (tasks.yml) or come from a toolchain preset.
// Task commands run through the mvdan.cc/sh shell interpreter so the same task file works on
// every platform.
package buildsys

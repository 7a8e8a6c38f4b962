package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// debugEnv enables stack traces and a dump of all log fields
const debugEnv = "DEVTASK_DEBUG"

// colorizer emits color codes only for terminals and only if NO_COLOR is unset.
func colorizer(out io.Writer) *colorstring.Colorize {
	enabled := false
	if file, ok := out.(*os.File); ok {
		enabled = os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(file.Fd()))
	}

	return &colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: !enabled,
	}
}

var levelColors = map[string]string{
	"fatal": "[red]",
	"error": "[red]",
	"warn":  "[yellow]",
	"debug": "[blue]",
	"trace": "[blue]",
}

// ConsoleWriter turns zerolog's JSON events into one line per message, prefixed with the task
// name and colored by level.
type ConsoleWriter struct {
	out   io.Writer
	color *colorstring.Colorize
	debug bool
	lock  sync.Mutex
}

func NewConsoleWriter(out io.Writer) *ConsoleWriter {
	return &ConsoleWriter{
		out:   out,
		color: colorizer(out),
		debug: os.Getenv(debugEnv) != "",
	}
}

func (w *ConsoleWriter) Write(p []byte) (int, error) {
	var event map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(p))
	decoder.UseNumber()
	err := decoder.Decode(&event)
	if err != nil {
		return 0, eris.Wrapf(err, "invalid log event %q", p)
	}

	line := w.format(event)

	w.lock.Lock()
	defer w.lock.Unlock()
	_, err = io.WriteString(w.out, line)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *ConsoleWriter) format(event map[string]interface{}) string {
	level, _ := event[zerolog.LevelFieldName].(string)
	color, ok := levelColors[level]
	if !ok {
		color = "[green]"
	}

	// only the color codes go through colorstring, messages may contain brackets
	var line strings.Builder
	line.WriteString(w.color.Color(color))
	if task, ok := event["task"].(string); ok {
		line.WriteString(task + ": ")
	}

	switch {
	case event["command"] == true:
		line.WriteString("$ ")
	case level == "error" || level == "fatal":
		line.WriteString("Error: ")
	}

	msg, _ := event[zerolog.MessageFieldName].(string)
	line.WriteString(msg)

	if details, ok := event[zerolog.ErrorFieldName].(string); ok {
		line.WriteString("\n" + details)
	}

	if w.debug {
		fields := make([]string, 0, len(event))
		for name := range event {
			fields = append(fields, name)
		}
		sort.Strings(fields)

		for _, name := range fields {
			fmt.Fprintf(&line, "\n  %s: %v", name, event[name])
		}
	}

	line.WriteString(w.color.Color("[reset]") + "\n")
	return line.String()
}

func init() {
	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		return eris.ToString(err, os.Getenv(debugEnv) != "")
	}
}

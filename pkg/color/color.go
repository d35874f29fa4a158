// Package color assigns stable terminal colors to worker names for CLI
// output. The same name always maps to the same color so interleaved
// worker logs stay readable.
package color

import (
	"fmt"
	"hash/fnv"

	"github.com/fatih/color"
)

var workerColors = []*color.Color{
	color.New(color.FgHiRed),
	color.New(color.FgHiGreen),
	color.New(color.FgHiYellow),
	color.New(color.FgHiBlue),
	color.New(color.FgHiMagenta),
	color.New(color.FgHiCyan),
	color.New(color.FgRed),
	color.New(color.FgGreen),
	color.New(color.FgYellow),
	color.New(color.FgBlue),
	color.New(color.FgMagenta),
	color.New(color.FgCyan),
}

// WorkerColor returns a consistent color for the given worker name.
func WorkerColor(name string) *color.Color {
	h := fnv.New32a()
	h.Write([]byte(name))
	return workerColors[int(h.Sum32())%len(workerColors)]
}

// WorkerPrefix formats a colored "[name]" prefix for log lines.
func WorkerPrefix(name string) string {
	return WorkerColor(name).Sprintf("[%s]", name)
}

// Printlnf prints a line prefixed with the colored worker name.
func Printlnf(name, format string, args ...any) {
	fmt.Printf("%s %s\n", WorkerPrefix(name), fmt.Sprintf(format, args...))
}

// Package klog is the kernel logger. Output is a single stream tagged with
// an uptime prefix, a severity color, and the name of the reporting
// subsystem.
package klog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
)

const (
	LevelDebug = iota
	LevelWarning
	LevelError
	LevelPanic
)

var (
	mu      sync.Mutex
	out     = colorable.NewColorableStdout()
	color   = isatty.IsTerminal(os.Stdout.Fd())
	verbose = true
	start   = time.Now()

	// Uptime reports kernel uptime in milliseconds. kernel.Main replaces
	// it with the machine's clock at boot.
	Uptime = func() uint64 { return uint64(time.Since(start) / time.Millisecond) }
)

var levelColors = map[int]string{
	LevelDebug:   ansi.ColorCode("green"),
	LevelWarning: ansi.ColorCode("yellow"),
	LevelError:   ansi.ColorCode("red"),
	LevelPanic:   ansi.ColorCode("red+b"),
}

// SetVerbose gates debug and warning output. Errors always print.
func SetVerbose(v bool) {
	mu.Lock()
	verbose = v
	mu.Unlock()
}

// SetOutput redirects the log, mainly for tests and the boot harness.
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	mu.Lock()
	out = w
	color = false
	mu.Unlock()
}

func printf(level int, src, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !verbose && level < LevelError {
		return
	}
	var line string
	if color {
		line = fmt.Sprintf("%s%08d %s%s: %s%s", ansi.ColorCode("white"), Uptime(),
			levelColors[level], src, ansi.ColorCode("reset"), fmt.Sprintf(format, args...))
	} else {
		line = fmt.Sprintf("%08d %s: %s", Uptime(), src, fmt.Sprintf(format, args...))
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	out.Write([]byte(line))
}

func Debugf(src, format string, args ...interface{}) {
	printf(LevelDebug, src, format, args...)
}

func Warnf(src, format string, args ...interface{}) {
	printf(LevelWarning, src, format, args...)
}

func Errorf(src, format string, args ...interface{}) {
	printf(LevelError, src, format, args...)
}

// Panicf logs at panic severity. It does not halt; the caller decides how to
// stop the machine.
func Panicf(src, format string, args ...interface{}) {
	printf(LevelPanic, src, format, args...)
}

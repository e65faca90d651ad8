// Package log holds the application wide logger. Packages that need their
// own scoped logger derive one with Named instead of constructing hclog
// loggers ad hoc.
package log

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

var logger hclog.Logger = hclog.Default().Named("caseflow")

// Init replaces the default logger with one configured from the environment.
// LOG_LEVEL accepts trace, debug, info, warn and error.
func Init() {
	level := hclog.LevelFromString(os.Getenv("LOG_LEVEL"))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	logger = hclog.New(&hclog.LoggerOptions{
		Name:  "caseflow",
		Level: level,
	})
}

// Named returns a sub logger for a component.
func Named(name string) hclog.Logger {
	return logger.Named(name)
}

func Debug(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...))
}

// Infof logs at info level. The context is accepted so call sites inside
// request handling read uniformly; it is not consulted yet.
func Infof(_ context.Context, format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...))
}

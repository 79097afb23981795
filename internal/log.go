// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/element-hq/asgateway/setup/config"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"
)

// logrus is using a random seed when logging to the terminal, so make
// sure we only set the formatter once.
var stdLevelLogAdded sync.Once

type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// SetupStdLogging configures the logging format to standard output.
// Typically, it is called when the config is not yet loaded.
func SetupStdLogging() {
	logrus.SetReportCaller(true)
	logrus.SetFormatter(&utcFormatter{
		&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
			QuoteEmptyFields: true,
			CallerPrettyfier: callerPrettyfier,
		},
	})
}

// SetupHookLogging configures the logging hooks defined in the configuration.
// If something fails here it means that the logging was improperly configured,
// so we just exit with the error
func SetupHookLogging(hooks []config.LogrusHook) {
	levelLogAddedMu := &sync.Mutex{}
	for _, hook := range hooks {
		// Check we received a proper logging level
		level, err := logrus.ParseLevel(hook.Level)
		if err != nil {
			logrus.Fatalf("Unrecognised logging level %s: %q", hook.Level, err)
		}

		// Perform a first filter on the logs according to the lowest level of all
		// (Eg: If we have hook for info and above, prevent logrus from processing debug logs)
		if logrus.GetLevel() < level {
			logrus.SetLevel(level)
		}

		switch hook.Type {
		case "file":
			checkFileHookParams(hook.Params)
			setupFileHook(hook, level)
		case "std":
			setupStdLogHook(level, levelLogAddedMu)
		default:
			logrus.Fatalf("Unrecognised logging hook type: %s", hook.Type)
		}
	}
	setupStdLogHook(logrus.InfoLevel, levelLogAddedMu)
	// Hooks are now configured for stdout/err, so discard the default logger output.
	logrus.SetOutput(io.Discard)
}

func checkFileHookParams(params map[string]interface{}) {
	if _, ok := params["path"]; !ok {
		logrus.Fatalf("Expecting a parameter \"path\" for logging hook of type \"file\"")
	}
}

// Add a new FSHook to the logger. Each component will log in its own file
func setupFileHook(hook config.LogrusHook, level logrus.Level) {
	dirPath := (hook.Params["path"]).(string)
	fullPath := filepath.Join(dirPath, "asgateway.log")

	if err := os.MkdirAll(path.Dir(fullPath), os.ModePerm); err != nil {
		logrus.Fatalf("Couldn't create directory %s: %q", path.Dir(fullPath), err)
	}

	logrus.AddHook(
		&levelLogHook{
			level: level,
			Hook: dugong.NewFSHook(
				fullPath,
				&utcFormatter{
					&logrus.TextFormatter{
						TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
						DisableColors:    true,
						DisableTimestamp: false,
						DisableSorting:   false,
						QuoteEmptyFields: true,
						CallerPrettyfier: callerPrettyfier,
					},
				},
				&dugong.DailyRotationSchedule{GZip: true},
			),
		},
	)
}

func setupStdLogHook(level logrus.Level, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	stdLevelLogAdded.Do(func() {
		logrus.AddHook(&logLevelHook{level: level, writer: os.Stderr})
	})
}

// levelLogHook only fires the wrapped hook for entries at or above level.
type levelLogHook struct {
	logrus.Hook
	level logrus.Level
}

func (h *levelLogHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, h.level+1)
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

// logLevelHook writes formatted entries at or above level to writer.
type logLevelHook struct {
	level  logrus.Level
	writer io.Writer
}

func (h *logLevelHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Logger.Formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

func (h *logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, h.level+1)
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	s := strings.Split(f.Function, ".")
	funcname := s[len(s)-1]
	filename := path.Base(f.File)
	return fmt.Sprintf("%s()", funcname), fmt.Sprintf("%s:%d", filename, f.Line)
}

// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Contains the shared logger used by all katsu components.

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

const (
	LevelsHelp    = "Log level."
	FileFlagHelp  = "Write the log to a file in addition to the console."
	ColorFlagHelp = "Color the console log output."

	defaultLogFileLevel    = logrus.DebugLevel
	defaultLogConsoleLevel = logrus.InfoLevel

	// KatsuLogEnvVar overrides the default console log level.
	KatsuLogEnvVar = "KATSU_LOG"

	colorAlways = "always"
	colorAuto   = "auto"
	colorNever  = "never"
)

// Log is the shared logger for all katsu tools.
var Log *logrus.Logger

var consoleHook *writerLogHook

type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

// Levels returns the list of accepted --log-level values.
func Levels() []string {
	levels := []string(nil)
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// Colors returns the list of accepted --log-color values.
func Colors() []string {
	return []string{colorAlways, colorAuto, colorNever}
}

func init() {
	Log = logrus.New()

	// All output goes through hooks so the console and the log file can sit at
	// different levels.
	Log.SetOutput(io.Discard)
	Log.SetLevel(logrus.TraceLevel)

	consoleHook = newWriterLogHook(os.Stderr, defaultLogConsoleLevel, newConsoleFormatter())
	Log.AddHook(consoleHook)
	Log.AddHook(newMemoryLogHook())
}

// Init initializes the logger from the CLI flags.
func Init(flags LogFlags) error {
	consoleLevel := defaultLogConsoleLevel

	if env := os.Getenv(KatsuLogEnvVar); env != "" {
		parsed, err := logrus.ParseLevel(env)
		if err != nil {
			return fmt.Errorf("invalid %s value (%s):\n%w", KatsuLogEnvVar, env, err)
		}
		consoleLevel = parsed
	}

	if flags.LogLevel != nil && *flags.LogLevel != "" {
		parsed, err := logrus.ParseLevel(*flags.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid --log-level value (%s):\n%w", *flags.LogLevel, err)
		}
		consoleLevel = parsed
	}

	consoleHook.level = consoleLevel

	if flags.LogColor != nil {
		switch *flags.LogColor {
		case colorAlways:
			color.NoColor = false
		case colorNever:
			color.NoColor = true
		case colorAuto, "":
		default:
			return fmt.Errorf("invalid --log-color value (%s)", *flags.LogColor)
		}
	}

	if flags.LogFile != nil && *flags.LogFile != "" {
		err := os.MkdirAll(filepath.Dir(*flags.LogFile), os.ModePerm)
		if err != nil {
			return fmt.Errorf("failed to create log file directory:\n%w", err)
		}

		logFile, err := os.OpenFile(*flags.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file (%s):\n%w", *flags.LogFile, err)
		}

		fileFormatter := &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
		Log.AddHook(newWriterLogHook(logFile, defaultLogFileLevel, fileFormatter))
	}

	return nil
}

// InitBestEffort initializes the logger and warns instead of failing on bad flags.
func InitBestEffort(flags LogFlags) {
	err := Init(flags)
	if err != nil {
		Log.Warnf("Failed to fully configure logger: %v", err)
	}
}

type writerLogHook struct {
	writer    io.Writer
	level     logrus.Level
	formatter logrus.Formatter
}

func newWriterLogHook(writer io.Writer, level logrus.Level, formatter logrus.Formatter,
) *writerLogHook {
	return &writerLogHook{
		writer:    writer,
		level:     level,
		formatter: formatter,
	}
}

func (h *writerLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *writerLogHook) Fire(entry *logrus.Entry) error {
	if entry.Level > h.level {
		return nil
	}

	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	_, err = h.writer.Write(line)
	return err
}

type consoleFormatter struct {
	levelColors map[logrus.Level]*color.Color
}

func newConsoleFormatter() *consoleFormatter {
	return &consoleFormatter{
		levelColors: map[logrus.Level]*color.Color{
			logrus.PanicLevel: color.New(color.FgRed, color.Bold),
			logrus.FatalLevel: color.New(color.FgRed, color.Bold),
			logrus.ErrorLevel: color.New(color.FgRed),
			logrus.WarnLevel:  color.New(color.FgYellow),
			logrus.InfoLevel:  color.New(color.FgCyan),
			logrus.DebugLevel: color.New(color.FgWhite),
			logrus.TraceLevel: color.New(color.FgHiBlack),
		},
	}
}

func (f *consoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if c, ok := f.levelColors[entry.Level]; ok {
		level = c.Sprint(level)
	}

	line := fmt.Sprintf("%s [%s] %s\n", entry.Time.Format("2006-01-02T15:04:05Z07:00"), level,
		entry.Message)
	return []byte(line), nil
}

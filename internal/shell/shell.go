// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Utility to run external commands with captured or streamed output.

package shell

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/microsoft/katsu/internal/logger"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultWarnLogLines is the number of trailing output lines re-logged at
	// warn level when a command fails.
	DefaultWarnLogLines = 10
)

// Execute runs the given command and returns its captured stdout and stderr.
func Execute(program string, args ...string) (stdout string, stderr string, err error) {
	return NewExecBuilder(program, args...).ExecuteCaptureOutput()
}

// ExecuteLive runs the given command, streaming its output to the log.
// When squashErrors is set, stderr is logged at debug level instead of warn;
// useful for tools with noisy stderr.
func ExecuteLive(squashErrors bool, program string, args ...string) error {
	builder := NewExecBuilder(program, args...)
	if squashErrors {
		builder = builder.LogLevel(logrus.DebugLevel, logrus.DebugLevel)
	}
	return builder.Execute()
}

// ExecBuilder configures a single command execution.
type ExecBuilder struct {
	program          string
	args             []string
	stdin            string
	workingDirectory string
	environment      []string
	chrootDir        string
	stdoutLogLevel   logrus.Level
	stderrLogLevel   logrus.Level
	stdoutCallback   func(line string)
	stderrCallback   func(line string)
	warnLogLines     int
	errorStderrLines int
}

// NewExecBuilder returns an ExecBuilder for the given command.
func NewExecBuilder(program string, args ...string) ExecBuilder {
	return ExecBuilder{
		program:        program,
		args:           args,
		stdoutLogLevel: logrus.DebugLevel,
		stderrLogLevel: logrus.WarnLevel,
	}
}

// Stdin provides a string to feed to the command's stdin.
func (b ExecBuilder) Stdin(value string) ExecBuilder {
	b.stdin = value
	return b
}

// WorkingDirectory sets the command's working directory.
func (b ExecBuilder) WorkingDirectory(path string) ExecBuilder {
	b.workingDirectory = path
	return b
}

// EnvironmentVariables sets the command's environment ("KEY=value" entries).
// The command inherits nothing else.
func (b ExecBuilder) EnvironmentVariables(env []string) ExecBuilder {
	b.environment = env
	return b
}

// Chroot runs the command inside a chroot of the given directory.
func (b ExecBuilder) Chroot(rootDir string) ExecBuilder {
	b.chrootDir = rootDir
	return b
}

// LogLevel sets the log levels used for streamed stdout and stderr lines.
func (b ExecBuilder) LogLevel(stdoutLevel, stderrLevel logrus.Level) ExecBuilder {
	b.stdoutLogLevel = stdoutLevel
	b.stderrLogLevel = stderrLevel
	return b
}

// StdoutCallback registers a callback invoked per stdout line.
func (b ExecBuilder) StdoutCallback(callback func(line string)) ExecBuilder {
	b.stdoutCallback = callback
	return b
}

// StderrCallback registers a callback invoked per stderr line.
func (b ExecBuilder) StderrCallback(callback func(line string)) ExecBuilder {
	b.stderrCallback = callback
	return b
}

// WarnLogLines re-logs the last n output lines at warn level on failure.
func (b ExecBuilder) WarnLogLines(n int) ExecBuilder {
	b.warnLogLines = n
	return b
}

// ErrorStderrLines includes the last n stderr lines in the returned error.
func (b ExecBuilder) ErrorStderrLines(n int) ExecBuilder {
	b.errorStderrLines = n
	return b
}

// Execute runs the command, streaming output to the log.
func (b ExecBuilder) Execute() error {
	_, _, err := b.run(false)
	return err
}

// ExecuteCaptureOutput runs the command and captures stdout and stderr.
func (b ExecBuilder) ExecuteCaptureOutput() (stdout string, stderr string, err error) {
	return b.run(true)
}

func (b ExecBuilder) run(capture bool) (stdout string, stderr string, err error) {
	logger.Log.Debugf("Executing: %s %s", b.program, strings.Join(b.args, " "))

	cmd := exec.Command(b.program, b.args...)
	cmd.Dir = b.workingDirectory
	if b.environment != nil {
		cmd.Env = b.environment
	}
	if b.stdin != "" {
		cmd.Stdin = strings.NewReader(b.stdin)
	}
	if b.chrootDir != "" {
		applyChroot(cmd, b.chrootDir)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", err
	}

	err = cmd.Start()
	if err != nil {
		return "", "", fmt.Errorf("failed to start (%s):\n%w", b.program, err)
	}

	trailer := newLineTrailer(b.warnLogLines)
	stderrTrailer := newLineTrailer(b.errorStderrLines)
	stderrCallback := func(line string) {
		stderrTrailer.add(line)
		if b.stderrCallback != nil {
			b.stderrCallback(line)
		}
	}

	var wg sync.WaitGroup
	var stdoutBuilder, stderrBuilder strings.Builder
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.consumeStream(stdoutPipe, capture, &stdoutBuilder, b.stdoutLogLevel, b.stdoutCallback,
			trailer)
	}()
	go func() {
		defer wg.Done()
		b.consumeStream(stderrPipe, capture, &stderrBuilder, b.stderrLogLevel, stderrCallback,
			trailer)
	}()
	wg.Wait()

	err = cmd.Wait()
	stdout = stdoutBuilder.String()
	stderr = stderrBuilder.String()

	if err != nil {
		for _, line := range trailer.lastLines(b.warnLogLines) {
			logger.Log.Warn(line)
		}

		if b.errorStderrLines > 0 {
			tail := strings.Join(stderrTrailer.lastLines(b.errorStderrLines), "\n")
			err = fmt.Errorf("%s\n%w", tail, err)
		}
		return stdout, stderr, fmt.Errorf("command (%s) failed:\n%w", b.program, err)
	}

	return stdout, stderr, nil
}

func (b ExecBuilder) consumeStream(pipe io.Reader, capture bool, builder *strings.Builder,
	level logrus.Level, callback func(line string), trailer *lineTrailer,
) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if capture {
			builder.WriteString(line)
			builder.WriteString("\n")
		} else {
			logger.Log.Log(level, line)
		}
		if callback != nil {
			callback(line)
		}
		trailer.add(line)
	}
}

// lineTrailer keeps the last n lines seen across both output streams.
type lineTrailer struct {
	lock  sync.Mutex
	limit int
	lines []string
}

func newLineTrailer(limit int) *lineTrailer {
	return &lineTrailer{limit: limit}
}

func (t *lineTrailer) add(line string) {
	if t.limit <= 0 {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *lineTrailer) lastLines(n int) []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	if n <= 0 || len(t.lines) == 0 {
		return nil
	}
	if n > len(t.lines) {
		n = len(t.lines)
	}
	return append([]string(nil), t.lines[len(t.lines)-n:]...)
}

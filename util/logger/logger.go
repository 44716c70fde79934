// Package logger is the leveled, component-prefixed logger used by every
// registry backend, heartbeat loop and node.
package logger

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents the logging level
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// inherit marks a logger that follows the process-wide level.
const inherit = -1

var (
	defaultLevel atomic.Int32

	outputMu sync.Mutex
	output   io.Writer = os.Stdout

	// exit is replaced in tests of Fatalf.
	exit = os.Exit
)

func init() {
	defaultLevel.Store(int32(INFO))
}

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name ("debug", "info", "warn",
// "warning", "error", "fatal") into a LogLevel. An empty name means INFO.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

// SetDefaultLevel sets the process-wide level. It applies to every logger
// that has not been given its own level with SetLevel, including loggers
// created before this call.
func SetDefaultLevel(level LogLevel) {
	defaultLevel.Store(int32(level))
}

// DefaultLevel returns the process-wide level.
func DefaultLevel() LogLevel {
	return LogLevel(defaultLevel.Load())
}

// SetDefaultOutput redirects every logger without its own writer to w and
// returns the previous writer.
func SetDefaultOutput(w io.Writer) io.Writer {
	outputMu.Lock()
	defer outputMu.Unlock()
	prev := output
	output = w
	return prev
}

// Logger writes lines of the form
//
//	2006-01-02 15:04:05.000 INFO  [Node(a1b2)] message
type Logger struct {
	level  atomic.Int32
	prefix string

	mu  sync.Mutex
	out io.Writer // nil: shared output
}

// NewLogger creates a logger for the named component.
func NewLogger(prefix string) *Logger {
	l := &Logger{prefix: prefix}
	l.level.Store(inherit)
	return l
}

// Named returns a logger for a sub-component, "parent/name". It shares the
// parent's level setting and writer at the time of the call.
func (l *Logger) Named(name string) *Logger {
	child := &Logger{prefix: l.prefix + "/" + name}
	child.level.Store(l.level.Load())
	l.mu.Lock()
	child.out = l.out
	l.mu.Unlock()
	return child
}

// SetLevel pins the level of this logger, detaching it from SetDefaultLevel.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the effective level.
func (l *Logger) GetLevel() LogLevel {
	if lv := l.level.Load(); lv != inherit {
		return LogLevel(lv)
	}
	return DefaultLevel()
}

// SetOutput redirects this logger only, mostly for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

// Prefix returns the component name.
func (l *Logger) Prefix() string {
	return l.prefix
}

func (l *Logger) log(level LogLevel, format string, args ...any) {
	if level < l.GetLevel() {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(&b, " %-5s ", level.String())
	if l.prefix != "" {
		b.WriteString("[" + l.prefix + "] ")
	}
	fmt.Fprintf(&b, format, args...)
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
	if level == FATAL {
		b.Write(debug.Stack())
	}
	l.write(b.String())

	if level == FATAL {
		exit(1)
	}
}

func (l *Logger) write(line string) {
	l.mu.Lock()
	w := l.out
	l.mu.Unlock()
	if w != nil {
		io.WriteString(w, line)
		return
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	io.WriteString(output, line)
}

// Debugf logs a debug message
func (l *Logger) Debugf(format string, args ...any) {
	l.log(DEBUG, format, args...)
}

// Infof logs an info message
func (l *Logger) Infof(format string, args ...any) {
	l.log(INFO, format, args...)
}

// Warnf logs a warning message
func (l *Logger) Warnf(format string, args ...any) {
	l.log(WARN, format, args...)
}

// Errorf logs an error message
func (l *Logger) Errorf(format string, args ...any) {
	l.log(ERROR, format, args...)
}

// Fatalf logs a fatal message with a stack trace and exits the process.
func (l *Logger) Fatalf(format string, args ...any) {
	l.log(FATAL, format, args...)
}

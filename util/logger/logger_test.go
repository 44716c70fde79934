package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{FATAL, "FATAL"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("LogLevel.String() = %s; want %s", got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{" Warn ", WARN, false},
		{"error", ERROR, false},
		{"fatal", FATAL, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultLevelReachesExistingLoggers(t *testing.T) {
	old := DefaultLevel()
	defer SetDefaultLevel(old)

	before := NewLogger("before")
	SetDefaultLevel(ERROR)
	if got := before.GetLevel(); got != ERROR {
		t.Fatalf("logger created before SetDefaultLevel: level = %v, want %v", got, ERROR)
	}

	pinned := NewLogger("pinned")
	pinned.SetLevel(DEBUG)
	SetDefaultLevel(WARN)
	if got := pinned.GetLevel(); got != DEBUG {
		t.Fatalf("pinned logger level = %v, want %v", got, DEBUG)
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
		skip  []string
	}{
		{DEBUG, []string{"debug msg", "info msg", "warn msg", "error msg"}, nil},
		{INFO, []string{"info msg", "warn msg", "error msg"}, []string{"debug msg"}},
		{WARN, []string{"warn msg", "error msg"}, []string{"debug msg", "info msg"}},
		{ERROR, []string{"error msg"}, []string{"debug msg", "info msg", "warn msg"}},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLogger("")
			l.SetOutput(&buf)
			l.SetLevel(tt.level)

			l.Debugf("debug msg")
			l.Infof("info msg")
			l.Warnf("warn msg")
			l.Errorf("error msg")

			logs := buf.String()
			for _, msg := range tt.want {
				if !strings.Contains(logs, msg) {
					t.Errorf("missing %q in:\n%s", msg, logs)
				}
			}
			for _, msg := range tt.skip {
				if strings.Contains(logs, msg) {
					t.Errorf("unexpected %q in:\n%s", msg, logs)
				}
			}
		})
	}
}

func TestLineFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("EtcdRegistry")
	l.SetOutput(&buf)
	l.SetLevel(INFO)

	l.Infof("registered %s", "RN")
	l.Warnf("ends with newline\n")

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], " INFO  [EtcdRegistry] registered RN") {
		t.Errorf("line = %q", lines[0])
	}
	if !strings.Contains(lines[1], " WARN  [EtcdRegistry] ends with newline") {
		t.Errorf("line = %q", lines[1])
	}
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger("Node(a1)")
	parent.SetOutput(&buf)
	parent.SetLevel(DEBUG)

	child := parent.Named("Heartbeat")
	if child.Prefix() != "Node(a1)/Heartbeat" {
		t.Fatalf("Prefix() = %q", child.Prefix())
	}
	if child.GetLevel() != DEBUG {
		t.Fatalf("child level = %v, want %v", child.GetLevel(), DEBUG)
	}
	child.Debugf("tick")
	if !strings.Contains(buf.String(), "[Node(a1)/Heartbeat] tick") {
		t.Fatalf("child did not write to parent output: %q", buf.String())
	}
}

func TestSetDefaultOutput(t *testing.T) {
	var buf bytes.Buffer
	prev := SetDefaultOutput(&buf)
	defer SetDefaultOutput(prev)

	l := NewLogger("Shared")
	l.SetLevel(INFO)
	l.Infof("hello")
	if !strings.Contains(buf.String(), "[Shared] hello") {
		t.Fatalf("shared output = %q", buf.String())
	}
}

func TestFatalf(t *testing.T) {
	var code int
	prev := exit
	exit = func(c int) { code = c }
	defer func() { exit = prev }()

	var buf bytes.Buffer
	l := NewLogger("test")
	l.SetOutput(&buf)
	l.Fatalf("fatal error occurred")

	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	output := buf.String()
	if !strings.Contains(output, "fatal error occurred") || !strings.Contains(output, "goroutine") {
		t.Errorf("Fatalf did not log expected output or stack trace:\n%s", output)
	}
}

func TestConcurrentLoggingAndLevelChanges(t *testing.T) {
	var (
		mu  sync.Mutex
		buf bytes.Buffer
	)
	l := NewLogger("concurrent")
	l.SetOutput(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Errorf("test message %d-%d", id, j)
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.SetLevel(LogLevel(id % 4))
				_ = l.GetLevel()
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if buf.Len() == 0 {
		t.Error("Expected some log output")
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

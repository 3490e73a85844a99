package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriter_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	w := cfg.Writer("demo")
	if w == nil {
		t.Fatalf("expected writer when Dir is set")
	}
	_, _ = w.Write([]byte("hello\n"))
	closeIf(w)
	p := filepath.Join(dir, "demo.log")
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("log not created at %s: %v", p, err)
	}
}

func TestWriter_ExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "explicit.log")
	cfg := Config{File: FileConfig{Dir: filepath.Join(dir, "unused"), Path: p}}
	w := cfg.Writer("ignored-name")
	_, _ = w.Write([]byte("x"))
	closeIf(w)
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("explicit path not created: %v", err)
	}
}

func TestWriter_Defaults(t *testing.T) {
	cfg := Config{}
	if w := cfg.Writer("n"); w != nil {
		t.Fatalf("expected nil writer when no Dir/Path set")
	}
	if cfg.Enabled() {
		t.Fatalf("expected file logging disabled")
	}
	cfg = Config{File: FileConfig{Path: "x"}}
	l, ok := cfg.Writer("n").(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestWriter_Overrides(t *testing.T) {
	cfg := Config{File: FileConfig{Path: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	l := cfg.Writer("n").(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNewSloggerTo_JSONLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}
	log := cfg.NewSloggerTo(&buf)
	log.Info("hidden")
	log.Warn("shown", "pid", 42)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "shown" || rec["pid"] != float64(42) {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["time"]; ok {
		t.Fatalf("time should be dropped when TimeStamps is false")
	}
}

// unsetNoColor clears NO_COLOR for the test and restores it afterwards.
func unsetNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	if err := os.Unsetenv("NO_COLOR"); err != nil {
		t.Fatalf("unset NO_COLOR: %v", err)
	}
}

func TestNewSloggerTo_Color(t *testing.T) {
	unsetNoColor(t)
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, Format: FormatText, Color: true}}
	cfg.NewSloggerTo(&buf).Debug("hi")
	if !strings.HasPrefix(buf.String(), "\033[36mDEBUG\033[0m ") {
		t.Fatalf("expected coloured debug prefix, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "msg=hi") || strings.Contains(buf.String(), "level=") {
		t.Fatalf("unexpected record body: %q", buf.String())
	}
}

func TestNewSloggerTo_ColorSurvivesWith(t *testing.T) {
	unsetNoColor(t)
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, Color: true, TimeStamps: true}}
	cfg.NewSloggerTo(&buf).With("package", "com.example.app").WithGroup("swap").Warn("agent missing", "pid", 42)
	out := buf.String()
	if !strings.HasPrefix(out, "\033[33mWARN\033[0m ") {
		t.Fatalf("derived logger lost the level colour: %q", out)
	}
	if !strings.Contains(out, "package=com.example.app") || !strings.Contains(out, "swap.pid=42") {
		t.Fatalf("group attrs missing: %q", out)
	}
	if !strings.Contains(out, "time=") {
		t.Fatalf("timestamps requested but missing: %q", out)
	}
}

func TestNewSloggerTo_ColorWithoutTimestamps(t *testing.T) {
	unsetNoColor(t)
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, Color: true, TimeStamps: false}}
	cfg.NewSloggerTo(&buf).Info("staged")
	if strings.Contains(buf.String(), "time=") {
		t.Fatalf("time must be dropped: %q", buf.String())
	}
	if !strings.HasPrefix(buf.String(), "\033[32mINFO\033[0m msg=staged") {
		t.Fatalf("expected coloured info level, got %q", buf.String())
	}
}

func TestNewSloggerTo_NoColorEnv(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatText, Color: true}}
	cfg.NewSloggerTo(&buf).Info("plain")
	if strings.Contains(buf.String(), "\033[") {
		t.Fatalf("NO_COLOR must disable colour: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "level=INFO") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestServerLogger(t *testing.T) {
	if (Config{}).ServerLogger().Enabled(t.Context(), 0) {
		t.Fatalf("server logger without a file must discard")
	}
	dir := t.TempDir()
	cfg := Config{Slog: SlogConfig{Level: LevelInfo}, File: FileConfig{Dir: dir}}
	cfg.ServerLogger().Info("request handled")
	b, err := os.ReadFile(filepath.Join(dir, "install_server.log"))
	if err != nil {
		t.Fatalf("server log not written: %v", err)
	}
	if !strings.Contains(string(b), "request handled") {
		t.Fatalf("unexpected server log: %q", b)
	}
}

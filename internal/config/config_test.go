package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	project := filepath.Join(t.TempDir(), ".expectrun")
	clearEnv(t)

	cfg, err := Load(context.Background(), WithHomeDir(home), WithConfigDir(project))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ExpectTimeout != defaultExpectTimeout {
		t.Fatalf("expect_timeout = %s, want %s", cfg.ExpectTimeout, defaultExpectTimeout)
	}
	if cfg.WriteTimeout != defaultWriteTimeout {
		t.Fatalf("write_timeout = %s, want %s", cfg.WriteTimeout, defaultWriteTimeout)
	}
	if cfg.TerminateGrace != defaultTerminateGrace {
		t.Fatalf("terminate_grace = %s, want %s", cfg.TerminateGrace, defaultTerminateGrace)
	}
	if cfg.StartDelay != 0 {
		t.Fatalf("start_delay = %s, want 0", cfg.StartDelay)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("log_level = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if want := filepath.Join(home, ".expectrun", "logs"); cfg.LogDir != want {
		t.Fatalf("log_dir = %q, want %q", cfg.LogDir, want)
	}
	if cfg.Echo || cfg.Board != "" || cfg.Term != "" || cfg.OTelEndpoint != "" {
		t.Fatalf("unexpected non-default values: %#v", cfg)
	}
	if len(cfg.Sources) != 0 {
		t.Fatalf("sources = %v, want none", cfg.Sources)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	clearEnv(t)

	writeFile(t, filepath.Join(home, ".expectrun", "config.toml"), `
board = "samr21-xpro"
term = "serial:/dev/ttyACM0"
expect_timeout = "30s"
log_level = "debug"

[boards.native]
term = "pty:./bin/native/tests_shell.elf"
`)

	writeFile(t, filepath.Join(work, ".expectrun", "config.toml"), `
board = "native"
write_timeout = "1s"
terminate_grace = "500ms"
start_delay = "200ms"
echo = true
log_dir = "/tmp/expectrun-logs"

[otel]
endpoint = "localhost:4318"
`)

	chdir(t, work)

	cfg, err := Load(context.Background(), WithHomeDir(home))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Board != "native" {
		t.Fatalf("board = %q, want native", cfg.Board)
	}
	if cfg.ExpectTimeout != 30*time.Second {
		t.Fatalf("expect_timeout = %s, want 30s", cfg.ExpectTimeout)
	}
	if cfg.WriteTimeout != time.Second {
		t.Fatalf("write_timeout = %s, want 1s", cfg.WriteTimeout)
	}
	if cfg.TerminateGrace != 500*time.Millisecond {
		t.Fatalf("terminate_grace = %s, want 500ms", cfg.TerminateGrace)
	}
	if cfg.StartDelay != 200*time.Millisecond {
		t.Fatalf("start_delay = %s, want 200ms", cfg.StartDelay)
	}
	if !cfg.Echo {
		t.Fatal("echo = false, want true")
	}
	if cfg.LogDir != "/tmp/expectrun-logs" {
		t.Fatalf("log_dir = %q", cfg.LogDir)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.OTelEndpoint != "localhost:4318" {
		t.Fatalf("otel endpoint = %q", cfg.OTelEndpoint)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("sources = %v, want home and project", cfg.Sources)
	}

	spec, err := cfg.ConnectSpec()
	if err != nil {
		t.Fatalf("connect spec: %v", err)
	}
	if spec != "pty:./bin/native/tests_shell.elf" {
		t.Fatalf("connect spec = %q, want the native board entry", spec)
	}
}

func TestLoadEnvironmentOverridesFiles(t *testing.T) {
	home := t.TempDir()
	project := filepath.Join(t.TempDir(), "custom")
	clearEnv(t)

	writeFile(t, filepath.Join(project, "config.toml"), `
board = "native"
expect_timeout = "30s"
[boards.native]
term = "pty:./native.elf"
`)
	t.Setenv("BOARD", "nrf52dk")
	t.Setenv("EXPECTRUN_TIMEOUT", "45s")
	t.Setenv("EXPECTRUN_TERM", "tcp:localhost:4000")

	cfg, err := Load(context.Background(), WithHomeDir(home), WithConfigDir(project))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Board != "nrf52dk" {
		t.Fatalf("board = %q, want nrf52dk", cfg.Board)
	}
	if cfg.ExpectTimeout != 45*time.Second {
		t.Fatalf("expect_timeout = %s, want 45s", cfg.ExpectTimeout)
	}
	spec, err := cfg.ConnectSpec()
	if err != nil || spec != "tcp:localhost:4000" {
		t.Fatalf("connect spec = %q, %v", spec, err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad duration", content: `expect_timeout = "soon"`, want: "parse expect_timeout in"},
		{name: "zero timeout", content: `write_timeout = "0s"`, want: "parse write_timeout in"},
		{name: "negative delay", content: `start_delay = "-1s"`, want: "start_delay in"},
		{name: "bad level", content: `log_level = "loud"`, want: "parse log_level in"},
		{name: "empty log dir", content: `log_dir = " "`, want: "parse log_dir in"},
		{name: "unknown key", content: `boad = "native"`, want: "parse boad in"},
		{name: "unknown board key", content: "[boards.native]\nspeed = 115200\n", want: "boards.native.speed"},
		{name: "bad toml", content: `board = `, want: "decode config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			project := t.TempDir()
			clearEnv(t)
			path := filepath.Join(project, "config.toml")
			writeFile(t, path, tt.content)

			_, err := Load(context.Background(), WithHomeDir(home), WithConfigDir(project))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %q, want substring %q", err.Error(), tt.want)
			}
			if !strings.Contains(err.Error(), path) {
				t.Fatalf("error = %q, want file path %q", err.Error(), path)
			}
		})
	}
}

func TestLoadRejectsInvalidEnvironmentTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXPECTRUN_TIMEOUT", "forever")

	_, err := Load(context.Background(), WithHomeDir(t.TempDir()), WithConfigDir(t.TempDir()))
	if err == nil || !strings.Contains(err.Error(), "EXPECTRUN_TIMEOUT") {
		t.Fatalf("error = %v, want EXPECTRUN_TIMEOUT failure", err)
	}
}

func TestConnectSpecPrecedence(t *testing.T) {
	cfg := defaults(t.TempDir())
	if _, err := cfg.ConnectSpec(); err == nil || !strings.Contains(err.Error(), "no connect spec") {
		t.Fatalf("empty config err = %v", err)
	}

	cfg.Board = "samr21-xpro"
	if _, err := cfg.ConnectSpec(); err == nil || !strings.Contains(err.Error(), "boards.samr21-xpro.term") {
		t.Fatalf("board without term err = %v", err)
	}

	cfg.Term = "serial:/dev/ttyACM0"
	if spec, _ := cfg.ConnectSpec(); spec != "serial:/dev/ttyACM0" {
		t.Fatalf("connect spec = %q, want top-level term", spec)
	}

	cfg.Boards["samr21-xpro"] = BoardConfig{Term: "serial:/dev/ttyACM1"}
	if spec, _ := cfg.ConnectSpec(); spec != "serial:/dev/ttyACM1" {
		t.Fatalf("connect spec = %q, want board term", spec)
	}

	cfg.TermOverride = "exec:./fake"
	if spec, _ := cfg.ConnectSpec(); spec != "exec:./fake" {
		t.Fatalf("connect spec = %q, want override", spec)
	}
}

func TestParseLogLevel(t *testing.T) {
	for input, want := range map[string]string{"DEBUG": "debug", " warn ": "warn", "error": "error"} {
		got, err := ParseLogLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := ParseLogLevel("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"BOARD", "EXPECTRUN_TIMEOUT", "EXPECTRUN_TERM"} {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

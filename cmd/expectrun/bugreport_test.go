package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/consoleharness/expectrun/internal/config"
)

func TestRunBugReportCreatesArchiveWithRedactedConfigAndArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	fixture := setupBugreportFixture(t)

	var out bytes.Buffer
	if err := runBugReport(context.Background(), fixture.cfg, &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}
	output := strings.TrimSpace(out.String())
	if !strings.Contains(output, "Bug report written to:") {
		t.Fatalf("unexpected output: %q", output)
	}

	archivePath := filepath.Join(fixture.cwd, "expectrun-bugreport-20260211-100000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)

	assertBugreportCoreArtifacts(t, contents)

	logCount := 0
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logCount++
		}
	}
	if logCount != 3 {
		t.Fatalf("log file count = %d, want 3 most recent logs", logCount)
	}
	if _, ok := contents["logs/expectrun-1.log"]; ok {
		t.Fatalf("oldest log should not be bundled")
	}

	configText := contents["config/1-config.toml"]
	if strings.Contains(configText, "supersecret") || strings.Contains(configText, "pass123") {
		t.Fatalf("config should be redacted: %q", configText)
	}
	if !strings.Contains(configText, "***REDACTED***") || !strings.Contains(configText, `board = "native"`) {
		t.Fatalf("config redaction wrong: %q", configText)
	}
	if !strings.HasPrefix(configText, "# source: "+fixture.cfg.Sources[0]) {
		t.Fatalf("config source header missing: %q", configText)
	}
	if !strings.Contains(contents["last-run.txt"], "run-123") || !strings.Contains(contents["last-run.txt"], "trace-abc") {
		t.Fatalf("missing run/trace IDs: %q", contents["last-run.txt"])
	}
	if contents[lastFailureFile] != "FAIL mutex\n" {
		t.Fatalf("last failure = %q", contents[lastFailureFile])
	}
	if !strings.Contains(contents["README.txt"], "Board: native") {
		t.Fatalf("readme board missing: %q", contents["README.txt"])
	}
	if strings.Contains(contents["README.txt"], "Warnings:") {
		t.Fatalf("complete fixture should not warn: %q", contents["README.txt"])
	}
}

func TestRunBugReportHandlesMissingOptionalArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	cwd := t.TempDir()
	cfg := &config.Config{LogDir: filepath.Join(t.TempDir(), "missing-logs")}

	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC) }

	var out bytes.Buffer
	if err := runBugReport(context.Background(), cfg, &out); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	archivePath := filepath.Join(cwd, "expectrun-bugreport-20260211-110000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)
	readme := contents["README.txt"]
	for _, warning := range []string{
		"unable to read logs directory",
		"no run_id/trace_id found in copied logs",
		"no config files applied",
		"no failure report found",
	} {
		if !strings.Contains(readme, warning) {
			t.Fatalf("readme should include %q: %q", warning, readme)
		}
	}
	if !strings.Contains(contents[lastFailureFile], "No failure report found.") {
		t.Fatalf("expected failure placeholder, got: %q", contents[lastFailureFile])
	}
}

func TestRunBugReportHonorsCancellation(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	cwd := t.TempDir()
	bugreportGetwdFn = func() (string, error) { return cwd, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runBugReport(ctx, &config.Config{LogDir: t.TempDir()}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "context canceled") {
		t.Fatalf("err = %v, want context canceled", err)
	}
	bundles, _ := filepath.Glob(filepath.Join(cwd, "*.tar.gz"))
	if len(bundles) != 0 {
		t.Fatalf("cancelled run left archives: %v", bundles)
	}
}

func snapshotBugreportHooks() func() {
	prevNow := bugreportNowFn
	prevGetwd := bugreportGetwdFn
	return func() {
		bugreportNowFn = prevNow
		bugreportGetwdFn = prevGetwd
	}
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() {
		if closeErr := archiveFile.Close(); closeErr != nil {
			t.Fatalf("close archive file: %v", closeErr)
		}
	}()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		t.Fatalf("create gzip reader: %v", err)
	}
	defer func() {
		if closeErr := gzipReader.Close(); closeErr != nil {
			t.Fatalf("close gzip reader: %v", closeErr)
		}
	}()

	tarReader := tar.NewReader(gzipReader)
	files := make(map[string]string)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			t.Fatalf("read tar entry %s: %v", header.Name, err)
		}
		files[header.Name] = string(data)
	}
	if len(files) == 0 {
		t.Fatalf("archive %s is empty", archivePath)
	}
	return files
}

type bugreportFixture struct {
	cfg *config.Config
	cwd string
}

func setupBugreportFixture(t *testing.T) bugreportFixture {
	t.Helper()

	root := t.TempDir()
	logDir := filepath.Join(root, "logs")
	cwd := filepath.Join(root, "cwd")
	for _, dir := range []string{logDir, cwd} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("create %s: %v", dir, err)
		}
	}

	baseTime := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	writeBugreportLog(t, logDir, "expectrun-1.log", `{"msg":"older"}`, baseTime.Add(-4*time.Minute))
	writeBugreportLog(t, logDir, "expectrun-2.log", `{"msg":"middle"}`, baseTime.Add(-3*time.Minute))
	writeBugreportLog(
		t,
		logDir,
		"expectrun-3.log",
		`{"msg":"run finished","run_id":"run-123","trace_id":"trace-abc"}`,
		baseTime.Add(-2*time.Minute),
	)
	writeBugreportLog(t, logDir, "expectrun-4.log", `{"msg":"newest"}`, baseTime.Add(-1*time.Minute))

	configPath := filepath.Join(root, "config.toml")
	configText := "board = \"native\"\napi_token = \"supersecret\"\n\n[boards.native]\nterm = \"exec:./bin\"\nserial_password = \"pass123\"\n"
	if err := os.WriteFile(configPath, []byte(configText), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(logDir, lastFailureFile), []byte("FAIL mutex\n"), 0o600); err != nil {
		t.Fatalf("write failure report: %v", err)
	}

	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC) }

	return bugreportFixture{
		cfg: &config.Config{Board: "native", LogDir: logDir, Sources: []string{configPath}},
		cwd: cwd,
	}
}

func writeBugreportLog(t *testing.T, dir, name, content string, modTime time.Time) {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write log %s: %v", name, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
}

func assertBugreportCoreArtifacts(t *testing.T, contents map[string]string) {
	t.Helper()

	required := []string{
		"README.txt",
		"config/1-config.toml",
		"version.txt",
		"last-run.txt",
		lastFailureFile,
	}
	for _, path := range required {
		if _, ok := contents[path]; !ok {
			t.Fatalf("missing artifact %q in bugreport archive", path)
		}
	}
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "api_token = \"abc\"\n# password = \"comment\"\n[boards.native]\nserial_password=\"def\"\nterm = \"pty:./bin\"\n"
	got := redactSensitiveConfig(input)
	if strings.Contains(got, "abc") || strings.Contains(got, "def") {
		t.Fatalf("expected sensitive values to be redacted: %q", got)
	}
	if strings.Count(got, "***REDACTED***") != 2 {
		t.Fatalf("expected two redactions, got %q", got)
	}
	if !strings.Contains(got, "# password = \"comment\"") || !strings.Contains(got, `term = "pty:./bin"`) {
		t.Fatalf("non-sensitive lines changed: %q", got)
	}
}

func TestNewestFiles(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("log-%d.log", i))
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatalf("write file %d: %v", i, err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("set modtime %d: %v", i, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, lastFailureFile), []byte("x"), 0o600); err != nil {
		t.Fatalf("write failure file: %v", err)
	}

	files, err := newestFiles(dir, ".log", 2)
	if err != nil {
		t.Fatalf("newestFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("file count = %d, want 2", len(files))
	}
	if !strings.HasSuffix(files[0].path, "log-4.log") {
		t.Fatalf("first file = %s, want log-4.log", files[0].path)
	}
	if !strings.HasSuffix(files[1].path, "log-3.log") {
		t.Fatalf("second file = %s, want log-3.log", files[1].path)
	}
}

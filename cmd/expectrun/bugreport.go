package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/consoleharness/expectrun/internal/config"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportGetwdFn = os.Getwd
)

func newBugreportCommand(app *app) *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "bugreport",
		Short: "Bundle recent logs, config and the last failure for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var options []config.Option
			if configDir != "" {
				options = append(options, config.WithConfigDir(configDir))
			}
			cfg, err := config.Load(cmd.Context(), options...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runBugReport(cmd.Context(), cfg, app.stdout)
		},
	}
	cmd.Flags().StringVar(&configDir, "config-dir", "", "project config directory (default ./.expectrun)")
	return cmd
}

func runBugReport(ctx context.Context, cfg *config.Config, out io.Writer) error {
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf("expectrun-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "expectrun-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	summary, err := collectBugreportArtifacts(ctx, cfg, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, summary); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp   string
	Version     string
	Board       string
	LogFiles    []string
	ConfigFiles []string
	RunID       string
	TraceID     string
	Warnings    []string
}

func collectBugreportArtifacts(ctx context.Context, cfg *config.Config, stagingDir string) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Board:     cfg.Board,
	}

	logFiles, warnings := copyRecentLogs(cfg.LogDir, stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID, summary.TraceID = extractLastCorrelation(logFiles)
	if summary.RunID == "" && summary.TraceID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id/trace_id found in copied logs")
	}

	if err := ctx.Err(); err != nil {
		return bugreportSummary{}, err
	}
	files := map[string]string{
		"last-run.txt": fmt.Sprintf("run_id: %s\ntrace_id: %s\n", summary.RunID, summary.TraceID),
		"version.txt":  fmt.Sprintf("expectrun version: %s\n", strings.TrimSpace(summary.Version)),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(stagingDir, name), []byte(content), 0o600); err != nil {
			return bugreportSummary{}, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := copyRedactedConfigs(cfg.Sources, stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}
	if err := copyLastFailure(cfg.LogDir, stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}
	return summary, nil
}

func copyRecentLogs(logDir, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logDir, ".log", limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	var warnings []string
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from enumerating the configured log directory.
		data, err := os.ReadFile(file.path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, err))
			continue
		}
		if err := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), data, 0o600); err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, err))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

// extractLastCorrelation returns the run and trace ids of the newest record
// carrying either, searching logs newest first.
func extractLastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths were selected from the configured log directory.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			record := map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			runID, _ := record["run_id"].(string)
			traceID, _ := record["trace_id"].(string)
			if runID != "" || traceID != "" {
				return strings.TrimSpace(runID), strings.TrimSpace(traceID)
			}
		}
	}
	return "", ""
}

func copyRedactedConfigs(sources []string, stagingDir string, summary *bugreportSummary) error {
	destDir := filepath.Join(stagingDir, "config")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("create config staging directory: %w", err)
	}
	if len(sources) == 0 {
		summary.Warnings = append(summary.Warnings, "no config files applied")
		return nil
	}
	for i, source := range sources {
		// #nosec G304 -- sources are the config files Load already decoded.
		data, err := os.ReadFile(source)
		if err != nil {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read config %s: %v", source, err))
			continue
		}
		name := fmt.Sprintf("%d-%s", i+1, filepath.Base(source))
		header := fmt.Sprintf("# source: %s\n", source)
		if err := os.WriteFile(filepath.Join(destDir, name), []byte(header+redactSensitiveConfig(string(data))), 0o600); err != nil {
			return fmt.Errorf("write redacted config: %w", err)
		}
		summary.ConfigFiles = append(summary.ConfigFiles, source)
	}
	return nil
}

func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
			lines[i] = key + "= \"***REDACTED***\""
		}
	}
	return strings.Join(lines, "\n")
}

func isSensitiveKey(key string) bool {
	for _, candidate := range []string{"token", "password", "passwd", "secret", "api_key", "apikey", "auth", "bearer"} {
		if strings.Contains(key, candidate) {
			return true
		}
	}
	return false
}

func copyLastFailure(logDir, stagingDir string, summary *bugreportSummary) error {
	// #nosec G304 -- fixed file name under the configured log directory.
	failure, err := os.ReadFile(filepath.Join(logDir, lastFailureFile))
	if err != nil {
		summary.Warnings = append(summary.Warnings, "no failure report found")
		failure = []byte("No failure report found.\n")
	}
	if err := os.WriteFile(filepath.Join(stagingDir, lastFailureFile), failure, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", lastFailureFile, err)
	}
	return nil
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	var b strings.Builder
	b.WriteString("expectrun bug report\n")
	b.WriteString("====================\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&b, "Version: %s\n", summary.Version)
	fmt.Fprintf(&b, "Board: %s\n", summary.Board)
	fmt.Fprintf(&b, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&b, "trace_id: %s\n\n", summary.TraceID)
	fmt.Fprintf(&b, "Included artifacts:\n")
	fmt.Fprintf(&b, "- logs/ (up to last %d log files)\n", bugreportLogLimit)
	b.WriteString("- config/ (applied config files, redacted)\n")
	b.WriteString("- version.txt\n")
	b.WriteString("- last-run.txt\n")
	b.WriteString("- " + lastFailureFile + "\n")
	if len(summary.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			b.WriteString("- " + warning + "\n")
		}
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is a generated name in the working directory.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finish archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

// newestFiles lists regular files in dir with suffix, newest first.
func newestFiles(dir, suffix string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
)

const (
	defaultExpectTimeout  = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultTerminateGrace = 2 * time.Second
	defaultLogLevel       = "info"

	dirName  = ".expectrun"
	fileName = "config.toml"

	envBoard   = "BOARD"
	envTimeout = "EXPECTRUN_TIMEOUT"
	envTerm    = "EXPECTRUN_TERM"
)

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	// Board is the opaque target identifier preconditions compare against.
	Board string
	// Term is the connect spec used when the board has no entry of its own.
	Term string
	// TermOverride comes from EXPECTRUN_TERM or --term and wins over file values.
	TermOverride   string
	ExpectTimeout  time.Duration
	WriteTimeout   time.Duration
	TerminateGrace time.Duration
	StartDelay     time.Duration
	Echo           bool
	LogDir         string
	LogLevel       string
	OTelEndpoint   string
	Boards         map[string]BoardConfig
	// Sources lists the config files that were applied, in order.
	Sources []string
}

// BoardConfig stores per-board settings.
type BoardConfig struct {
	Term string
}

type fileConfig struct {
	Board          *string               `toml:"board"`
	Term           *string               `toml:"term"`
	ExpectTimeout  *string               `toml:"expect_timeout"`
	WriteTimeout   *string               `toml:"write_timeout"`
	TerminateGrace *string               `toml:"terminate_grace"`
	StartDelay     *string               `toml:"start_delay"`
	Echo           *bool                 `toml:"echo"`
	LogDir         *string               `toml:"log_dir"`
	LogLevel       *string               `toml:"log_level"`
	OTel           *otelConfig           `toml:"otel"`
	Boards         map[string]boardEntry `toml:"boards"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

type boardEntry struct {
	Term *string `toml:"term"`
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	homeDir    string
	projectDir string
}

// WithHomeDir replaces the user home directory searched for .expectrun/config.toml.
func WithHomeDir(dir string) Option {
	return func(opts *loadOptions) {
		opts.homeDir = strings.TrimSpace(dir)
	}
}

// WithConfigDir replaces ./.expectrun as the project-level config directory.
func WithConfigDir(dir string) Option {
	return func(opts *loadOptions) {
		opts.projectDir = strings.TrimSpace(dir)
	}
}

// Load reads ~/.expectrun/config.toml, overlays ./.expectrun/config.toml and
// then the BOARD, EXPECTRUN_TIMEOUT and EXPECTRUN_TERM environment variables.
func Load(ctx context.Context, options ...Option) (*Config, error) {
	resolved := loadOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}

	if resolved.homeDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		resolved.homeDir = homeDir
	}
	if resolved.projectDir == "" {
		workingDir, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		resolved.projectDir = filepath.Join(workingDir, dirName)
	}

	cfg := defaults(resolved.homeDir)
	paths := []string{
		filepath.Join(resolved.homeDir, dirName, fileName),
		filepath.Join(resolved.projectDir, fileName),
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := overlayEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults(homeDir string) Config {
	return Config{
		ExpectTimeout:  defaultExpectTimeout,
		WriteTimeout:   defaultWriteTimeout,
		TerminateGrace: defaultTerminateGrace,
		LogDir:         filepath.Join(homeDir, dirName, "logs"),
		LogLevel:       defaultLogLevel,
		Boards:         map[string]BoardConfig{},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("parse %s in %q: unsupported key", strings.Join(keys, ", "), path)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}
	for name, entry := range decoded.Boards {
		board := cfg.Boards[normalizeKey(name)]
		if entry.Term != nil {
			board.Term = strings.TrimSpace(*entry.Term)
		}
		cfg.Boards[normalizeKey(name)] = board
	}
	cfg.Sources = append(cfg.Sources, path)
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Board != nil {
		cfg.Board = strings.TrimSpace(*decoded.Board)
	}
	if decoded.Term != nil {
		cfg.Term = strings.TrimSpace(*decoded.Term)
	}
	if decoded.Echo != nil {
		cfg.Echo = *decoded.Echo
	}
	if decoded.OTel != nil && decoded.OTel.Endpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTel.Endpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	overrides := []struct {
		key       string
		raw       *string
		target    *time.Duration
		allowZero bool
	}{
		{key: "expect_timeout", raw: decoded.ExpectTimeout, target: &cfg.ExpectTimeout},
		{key: "write_timeout", raw: decoded.WriteTimeout, target: &cfg.WriteTimeout},
		{key: "terminate_grace", raw: decoded.TerminateGrace, target: &cfg.TerminateGrace},
		{key: "start_delay", raw: decoded.StartDelay, target: &cfg.StartDelay, allowZero: true},
	}
	for _, override := range overrides {
		if override.raw == nil {
			continue
		}
		value, err := parseDuration(*override.raw, override.key, path)
		if err != nil {
			return err
		}
		if value < 0 {
			return fmt.Errorf("parse %s in %q: must not be negative", override.key, path)
		}
		if value == 0 && !override.allowZero {
			return fmt.Errorf("parse %s in %q: must be > 0", override.key, path)
		}
		*override.target = value
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogDir != nil {
		dir := strings.TrimSpace(*decoded.LogDir)
		if dir == "" {
			return fmt.Errorf("parse log_dir in %q: must not be empty", path)
		}
		cfg.LogDir = dir
	}
	if decoded.LogLevel != nil {
		level, err := ParseLogLevel(*decoded.LogLevel)
		if err != nil {
			return fmt.Errorf("parse log_level in %q: %w", path, err)
		}
		cfg.LogLevel = level
	}
	return nil
}

func overlayEnv(cfg *Config) error {
	if board, ok := os.LookupEnv(envBoard); ok {
		cfg.Board = strings.TrimSpace(board)
	}
	if term, ok := os.LookupEnv(envTerm); ok && strings.TrimSpace(term) != "" {
		cfg.TermOverride = strings.TrimSpace(term)
	}
	if raw, ok := os.LookupEnv(envTimeout); ok && strings.TrimSpace(raw) != "" {
		value, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("parse %s from environment: %w", envTimeout, err)
		}
		if value <= 0 {
			return fmt.Errorf("parse %s from environment: must be > 0", envTimeout)
		}
		cfg.ExpectTimeout = value
	}
	return nil
}

// ParseLogLevel normalizes a level name understood by the logger.
func ParseLogLevel(value string) (string, error) {
	level, err := log.ParseLevel(normalizeKey(value))
	if err != nil {
		return "", err
	}
	return level.String(), nil
}

// ConnectSpec resolves the connect spec: an override first, then the current
// board's entry, then the top-level term.
func (c *Config) ConnectSpec() (string, error) {
	if c == nil {
		return "", errors.New("config must not be nil")
	}
	if c.TermOverride != "" {
		return c.TermOverride, nil
	}
	if board, ok := c.Boards[normalizeKey(c.Board)]; ok && board.Term != "" {
		return board.Term, nil
	}
	if c.Term != "" {
		return c.Term, nil
	}
	if c.Board != "" {
		return "", fmt.Errorf("no connect spec for board %q: set term, boards.%s.term, %s or --term", c.Board, c.Board, envTerm)
	}
	return "", fmt.Errorf("no connect spec: set term, %s or --term", envTerm)
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

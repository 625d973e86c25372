package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmadigital/autoflow/internal/config"
	"github.com/dmadigital/autoflow/internal/rules"
	"github.com/dmadigital/autoflow/internal/store"
)

// Error codes for CLI responses.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeReadFailed  = "E002" // Input file or stdin unreadable
	ErrCodeConfig      = "E003" // Config load or validation failed
	ErrCodeRules       = "E004" // Catalogue failed to load
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeStore       = "E006" // Database open or query failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeInvalid     = "E008" // Input rejected (bad JSON, design or payload error)
)

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read stdin", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("input file not found: %s", path))
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to read %s", path), err)
	}
	return data, nil
}

// decodeInput reads path and decodes it strictly into v.
func decodeInput(cmd *cobra.Command, path string, v any) error {
	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid JSON in %s", path), err)
	}
	return nil
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs always go to w (stderr), so
// JSON output on stdout stays parseable. Verbose forces debug level.
func newLogger(w io.Writer, cfg config.LogConfig, verbose bool) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// loadRules loads the catalogue in dir, or the embedded one when dir is
// empty.
func loadRules(dir string) (*rules.Base, error) {
	if dir == "" {
		base, err := rules.Default()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load embedded catalogue", err)
		}
		return base, nil
	}
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("rules directory not found: %s", dir))
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "error accessing rules directory", err)
	}
	if !info.IsDir() {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("not a directory: %s", dir))
	}
	base, err := rules.LoadDir(dir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to load rules from %s", dir), err)
	}
	return base, nil
}

// openStore opens the database at path. It refuses to create a new file
// when mustExist is set.
func openStore(path string, mustExist bool) (*store.Store, error) {
	if mustExist && path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

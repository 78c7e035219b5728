package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Migrate adapts slog to the Printf-style logger golang-migrate expects.
type Migrate struct {
	logger  *slog.Logger
	verbose bool
}

// NewMigrate returns a migration logger tagged with the "migrate" component.
// Verbose output is logged at debug level.
func NewMigrate(logger *slog.Logger) *Migrate {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migrate")
	return &Migrate{
		logger:  logger,
		verbose: logger.Enabled(context.Background(), slog.LevelDebug),
	}
}

// Printf logs a migration progress line.
func (m *Migrate) Printf(format string, v ...any) {
	m.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Verbose reports whether golang-migrate should emit detailed output.
func (m *Migrate) Verbose() bool {
	return m.verbose
}

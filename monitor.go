package pulse

import (
	"log/slog"
)

// Monitor receives errors that the library absorbs rather than returning
// to a caller: repeated handler failures, declaration problems, and other
// conditions that would otherwise be invisible. A Manager requires one.
type Monitor interface {
	ReportError(err error, fields map[string]any)
}

// LogMonitor reports errors to a structured logger. It is the monitor to
// use when no external error-tracking sink is wired up.
type LogMonitor struct {
	logger *slog.Logger
}

// NewLogMonitor creates a monitor backed by the given logger. A nil
// logger falls back to slog.Default().
func NewLogMonitor(logger *slog.Logger) *LogMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMonitor{logger: logger}
}

// ReportError implements Monitor
func (m *LogMonitor) ReportError(err error, fields map[string]any) {
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "error", err)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	m.logger.Error("pulse error reported", attrs...)
}

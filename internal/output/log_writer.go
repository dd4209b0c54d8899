package output

import (
	"go.uber.org/zap"

	"github.com/mrzor/net-tracer/internal/facts"
)

// LogWriter logs every fact at info level.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger.Named("facts")}
}

func (w *LogWriter) Write(batch []facts.Fact) error {
	for _, f := range batch {
		w.logger.Info(string(f.Kind()), zap.Any("fact", f))
	}
	return nil
}

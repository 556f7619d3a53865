package bootstrap

import (
	"sanad/internal/core"
	"sanad/pkg/logging"
)

// InitLogger builds the process-wide zap-backed logger per cfg.System.LogLevel,
// bridged to OpenTelemetry logs exactly as pkg/logging.NewZapLogger does.
func InitLogger(cfg *Config) core.ILogger {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		// LogLevel is validated at config load; a failure here means the
		// zap core itself could not be built (stdout unavailable), which is
		// unrecoverable - fall back to INFO so the process can still report it.
		logger, _ = logging.NewZapLogger("INFO")
	}
	logging.SetGlobalLogger(logger)
	return logger
}

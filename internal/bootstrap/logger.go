package bootstrap

import (
	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/logging"
)

// InitLogger builds the zap logger from config and installs it as the
// process-wide default.
func InitLogger(cfg *config.Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}

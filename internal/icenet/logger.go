package icenet

import (
	"github.com/cerera/internal/cerera/logger"
	"go.uber.org/zap"
)

func iceLogger() *zap.SugaredLogger {
	return logger.Named("icenet")
}

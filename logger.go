package psflight

import (
	"github.com/go-logr/logr"

	"github.com/livekit/psflight/internal/logger"
)

func SetLogger(l logr.Logger) {
	logger.SetLogger(l)
}

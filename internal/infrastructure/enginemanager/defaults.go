package enginemanager

import (
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/process"
)

// defaultProcess adapts process.Process to the Proc interface used by
// Manager. process.Process's Start/Stop/IsRunning signatures already match
// Proc, so this is a thin constructor, not a wrapper type.
func defaultProcess(binary string, args []string, logger *zap.Logger) Proc {
	return process.New(binary, args, logger)
}

package logger

import (
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

const (
	Development = sdklogging.Development
	Production  = sdklogging.Production
)

// New builds the zap backed logger for an environment ("development" or "production").
// An empty environment means production.
func New(environment string) (Logger, error) {
	env := sdklogging.LogLevel(environment)
	switch env {
	case "":
		env = Production
	case Development, Production:
	default:
		return nil, fmt.Errorf("unknown logging environment %q, want %q or %q", environment, Development, Production)
	}
	return sdklogging.NewZapLogger(env)
}

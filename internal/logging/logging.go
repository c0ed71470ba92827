package logging

import (
	"go.uber.org/zap"
)

// New builds the process logger. Local runs get the human readable
// development encoder, everything else logs JSON.
func New(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

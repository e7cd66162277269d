package event

import "go.uber.org/zap"

// BusOption configures a Bus.
type BusOption func(*busConfig)

type busConfig struct {
	logger *zap.Logger
}

func defaultBusConfig() busConfig {
	return busConfig{logger: zap.NewNop()}
}

// WithLogger sets the bus logger. Handler failures are logged at warn.
func WithLogger(logger *zap.Logger) BusOption {
	return func(c *busConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

package engine

import (
	"context"

	"github.com/nervehq/nerve/config"
	"github.com/nervehq/nerve/internal/logger"
	"github.com/nervehq/nerve/session"
)

// NewFromConfig builds an engine from a loaded configuration. The Log
// section becomes the context logger the engine logs through. The sink
// stays a construction argument: event delivery is code, not
// configuration.
func NewFromConfig(ctx context.Context, cfg *config.Config, sink EventSink) (*Engine, error) {
	ctx = logger.WithLogger(ctx, cfg.Logger())
	return New(ctx, Config{
		ServerName:     cfg.ServerName,
		HistoryDir:     cfg.History.Dir,
		HistoryEnabled: cfg.History.Enabled,
		NodeDefaults: session.NodeDefaults{
			ReadyTimeout:    cfg.Node.ReadyTimeout,
			ResponseTimeout: cfg.Node.ResponseTimeout,
			Parser:          cfg.Node.DefaultParser,
		},
		Sink: sink,
	})
}

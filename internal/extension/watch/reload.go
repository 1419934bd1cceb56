package watch

import (
	"context"

	"go.uber.org/zap"

	"github.com/dshills/exthost/internal/extension"
)

// ReloadHandler returns a Handler that reloads the extension served from
// the changed directory, or loads it if it is new.
func ReloadHandler(c *extension.Controller, prefix string, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, name string) {
		loc := Location(prefix, name)
		if ext, ok := c.Find(loc); ok {
			if _, err := c.Reload(ctx, ext.ID); err != nil {
				logger.Warn("extension reload failed", zap.String("id", ext.ID), zap.Error(err))
				return
			}
			logger.Info("extension reloaded", zap.String("id", ext.ID))
			return
		}
		ext, err := c.Load(ctx, loc)
		if err != nil {
			logger.Warn("extension load failed", zap.String("location", loc), zap.Error(err))
			return
		}
		logger.Info("extension discovered", zap.String("id", ext.ID))
	}
}

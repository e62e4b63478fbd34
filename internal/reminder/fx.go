package reminder

import (
	"context"

	"github.com/smallbiznis/factura/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reminder",
	fx.Provide(
		NewEmailSink,
		newConfig,
		NewRunLock,
		New,
	),
	fx.Invoke(registerHooks),
)

func newConfig(cfg config.Config) Config {
	return Config{
		BatchSize:   cfg.Reminder.BatchSize,
		RunInterval: cfg.Reminder.RunInterval,
	}.withDefaults()
}

func registerHooks(lc fx.Lifecycle, s *Scheduler, cfg config.Config, log *zap.Logger) {
	if !cfg.Reminder.Enabled {
		log.Info("reminder scheduler disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stdout + OpenTelemetry log bridge)
//   - Automatic context field injection (trace_id, namespace, agent, task, phase)
//   - Secret redaction at the encoder
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithNamespace(ctx, "demo")
//	ctx = logging.WithTaskID(ctx, task.ID)
//	logger.Info(ctx, "task claimed", zap.String("agent", agent))
//
// Components that only need a plain *zap.Logger receive logger.Underlying().
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "phase entered", zap.String("phase", "specification"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "phase entered")
//	tl.AssertField(t, "phase entered", "phase", "specification")
package logging

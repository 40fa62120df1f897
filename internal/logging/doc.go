// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - stdout/stderr output optionally teed into OpenTelemetry logs
//   - automatic context fields (trace_id, mission.id, session.id, phase)
//   - redaction of secret-bearing fields such as detected credentials
//
// Create a logger from the application config:
//
//	cfg, err := logging.FromAppConfig(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, tel.LoggerProvider())
//	defer logger.Sync()
//
// Log with context:
//
//	ctx = logging.WithMissionID(ctx, missionID)
//	logger.Info(ctx, "scan complete", zap.Int("findings", n))
//
// Services accept a plain *zap.Logger; pass logger.Underlying().
package logging

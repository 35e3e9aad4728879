// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - Automatic context field injection (trace_id, project, run, request)
//   - Optional dual output (stdout + OpenTelemetry logs bridge)
//   - Encoder-level secret redaction
//
// # Usage
//
//	cfg, err := logging.FromAppConfig(appCfg.Logging)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithProject(ctx, "todo-api")
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "phase completed", zap.String("phase", "Deploy"))
//
// Output includes the correlation fields:
//
//	{"ts":"2026-10-19T10:15:30Z","level":"info","msg":"phase completed",
//	 "project.name":"todo-api","run.id":"5c1f...","phase":"Deploy"}
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "loop finished", zap.String("status", "Completed"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "loop finished")
//	tl.AssertField(t, "loop finished", "status", "Completed")
package logging

// Package telemetry provides structured logging for the Sindri CLI.
//
// The package wraps zerolog with component-aware child loggers and
// context propagation so every subsystem logs with a consistent shape.
//
// Initialize at application startup:
//
//	logger, err := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx = logger.WithContext(ctx)
//
// Component loggers carry identifying fields:
//
//	log := telemetry.FromContext(ctx).NewComponentLogger("ledger")
//	log.WithExtension("python").WithOperation("install").Info("appending event")
//	log.WithError(err).Error("append failed")
//
// Log levels: trace, debug, info, warn, error, fatal.
package telemetry

/*
Package log provides structured logging for Quarry using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Create component loggers for subsystems:

	logger := log.WithComponent("consumer")
	logger.Info().Str("stream", key).Msg("Consumer started")

Domain helpers attach the fields operators filter on in production:
WithRepository, WithJobID, and WithConsumer.
*/
package log

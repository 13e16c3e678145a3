/*
Package log provides structured logging for the sidecar using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level.

# Usage

Initializing:

	import "github.com/nahma/sidecar/pkg/log"

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Component loggers:

	logger := log.WithComponent("broker")
	logger.Info().Str("workspace_id", ws.ID).Msg("workspace created")

Domain field helpers attach the ids that matter when tracing a frame
through the system: WithWorkspaceID, WithDocID, WithTopic, and WithSession
(which truncates the session key so identity public keys never appear in
full in log output).

# Conventions

Connection-scoped loggers are created once at accept time and reused for
the life of the connection. Background tasks (invite sweeps, swarm adapter
events) log failures at error level and continue; nothing in this package
or its callers escalates a background failure into a process exit.
*/
package log

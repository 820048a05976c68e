/*
Package log provides structured logging for yuanrong using zerolog.

The package wraps a single global zerolog logger, configured once at
process start via Init, and exposes component-scoped child loggers so
every actor in the scheduler hierarchy logs with consistent fields.

# Usage

Call Init once, as early as possible (cmd/yuanrong does this in
cobra.OnInitialize):

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Each component then derives its own logger rather than using the
global one directly:

	logger := log.WithComponent("domainsched")
	logger.Info().Str("domain", name).Msg("domain scheduler ready")

WithNode, WithInstanceID, WithGroupID, and WithRequestID attach the
scheduler-hierarchy identifiers (node name, instance ID, group ID,
request ID) that recur throughout the placement and group-admission
code paths, so a single field name can be grepped across every tier's
logs for one request.

# Levels

Level is one of DebugLevel, InfoLevel, WarnLevel, ErrorLevel, matching
zerolog's own level set. JSONOutput controls whether logs are emitted
as structured JSON (production) or zerolog's human-readable console
writer (local development, via --log-json=false).
*/
package log

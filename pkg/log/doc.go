/*
Package log provides fleetd's structured logging setup on top of zerolog.

It wraps a single global zerolog.Logger, initialized once via Init, with
helpers for component-scoped child loggers (WithComponent, WithDeviceID,
WithJobID) and for changing the level at runtime — the Config Distributor
calls SetLevel when a target state's "logging.level" section changes, so
a fleet operator can turn on debug logging for one device without a
restart.

Output is either newline-delimited JSON (for log shipping) or zerolog's
console writer (for a human at a terminal), selected by Config.JSONOutput.
*/
package log

// Package log provides structured logging for the agent using zerolog.
//
// Init configures the package-level Logger once at startup; the
// WithComponent/WithAgent/WithWorkload/WithRuntime helpers derive child
// loggers carrying a fixed field for the rest of a call chain, e.g.:
//
//	wcl := log.WithWorkload(instance.String())
//	wcl.Info().Msg("create admitted")
package log

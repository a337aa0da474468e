// Package log provides the structured logging facade used across pagedtopic.
//
// # Overview
//
// Logger exposes leveled methods that take Field values for structured
// context. Records flow through log/slog using a bridge handler which hands
// them to a Formatter and then to every configured Output.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("publisher"), log.Str("topic", "orders"))
//	l.Info("channel connected", log.Int("channel", 3))
//
// # Interop
//
// Pebble and other libraries log through the standard library logger; use
// RedirectStdLog to route those lines into a Logger.
package log

package build

import (
	"github.com/btcsuite/btclog"
)

// ShutdownLogger wraps a logger so that critical log lines also request a
// graceful shutdown of the daemon.
type ShutdownLogger struct {
	btclog.Logger
	shutdown func()
}

// NewShutdownLogger returns a ShutdownLogger that calls shutdown after every
// critical log line.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs at LevelCritical and then requests shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}

// Critical logs at LevelCritical and then requests shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}

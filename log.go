package nodenet

import (
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/nodenet/build"
	"github.com/lightningnetwork/nodenet/completion"
	"github.com/lightningnetwork/nodenet/monitoring"
	"github.com/lightningnetwork/nodenet/peer"
	"github.com/lightningnetwork/nodenet/protocol"
	"github.com/lightningnetwork/nodenet/signal"
)

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator.
var (
	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator = build.NewRotatingLogWriter()

	logWriter = &build.LogWriter{Rotator: logRotator}

	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter)

	ndntLog = build.NewSubLogger("NDNT", backendLog.Logger)
	srvrLog = build.NewSubLogger("SRVR", backendLog.Logger)
	cmgrLog = build.NewSubLogger("CMGR", backendLog.Logger)
	peerLog = build.NewSubLogger(peer.Subsystem, backendLog.Logger)
	protLog = build.NewSubLogger(protocol.Subsystem, backendLog.Logger)
	syncLog = build.NewSubLogger(completion.Subsystem, backendLog.Logger)
	promLog = build.NewSubLogger(monitoring.Subsystem, backendLog.Logger)
	sgnlLog = build.NewSubLogger(signal.Subsystem, backendLog.Logger)
)

// Initialize package-global logger variables.
func init() {
	connmgr.UseLogger(cmgrLog)
	peer.UseLogger(peerLog)
	protocol.UseLogger(protLog)
	completion.UseLogger(syncLog)
	monitoring.UseLogger(promLog)
	signal.UseLogger(sgnlLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = build.SubLoggers{
	"NDNT":               ndntLog,
	"SRVR":               srvrLog,
	"CMGR":               cmgrLog,
	peer.Subsystem:       peerLog,
	protocol.Subsystem:   protLog,
	completion.Subsystem: syncLog,
	monitoring.Subsystem: promLog,
	signal.Subsystem:     sgnlLog,
}

// subLogManager exposes the subsystem loggers to build.ParseAndSetDebugLevels.
type subLogManager struct {
	loggers build.SubLoggers
}

// A compile-time check to ensure subLogManager satisfies the
// build.LeveledSubLogger interface.
var _ build.LeveledSubLogger = (*subLogManager)(nil)

// SubLoggers returns all currently registered subsystem loggers.
func (m *subLogManager) SubLoggers() build.SubLoggers {
	return m.loggers
}

// SupportedSubsystems returns a sorted string slice of all keys in the
// subsystems map, corresponding to the names of the subsystems.
func (m *subLogManager) SupportedSubsystems() []string {
	return build.SortedSubsystems(m.loggers)
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func (m *subLogManager) SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := m.loggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func (m *subLogManager) SetLogLevels(logLevel string) {
	for subsystemID := range m.loggers {
		m.SetLogLevel(subsystemID, logLevel)
	}
}

// logManager is the manager of the process wide subsystem loggers.
var logManager = &subLogManager{loggers: subsystemLoggers}

// SupportedSubsystems returns the names of every logging subsystem.
func SupportedSubsystems() []string {
	return logManager.SupportedSubsystems()
}

package build

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
)

// LogType indicates the type of logging selected by the build tags.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut means all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to both stdout and the rotating log file.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// LogLevel is the level applied to stdout loggers that are created for unit
// tests, where no backend is shared between subsystems.
var LogLevel = "info"

// LogWriter is the io.Writer handed to the logging backend. Its Write method
// is selected by the "stdlog" and "nolog" build tags. The default build writes
// to stdout and, once set, to the rotating log file.
type LogWriter struct {
	// Rotator receives a copy of every log line. It only needs to be set
	// if neither the stdlog nor the nolog build tag is used.
	Rotator io.Writer
}

// writeStdout writes b to stdout, ignoring short writes; a logger has no
// better place to report them.
func writeStdout(b []byte) {
	_, _ = os.Stdout.Write(b)
}

// NewSubLogger constructs a new subsystem logger. When genSubLogger is nil
// the returned logger is either disabled or, for stdlog builds, a standalone
// stdout logger. Packages use this from their init functions so that they
// have a usable logger before the daemon wires up the shared backend.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	switch Deployment {

	// Production builds only log through the shared backend.
	case Production:
		if genSubLogger != nil {
			return genSubLogger(subsystem)
		}

	case Development:
		switch LoggingType {

		// The daemon shares one backend between all subsystems.
		case LogTypeDefault:
			if genSubLogger != nil {
				return genSubLogger(subsystem)
			}

		// Unit tests built with stdlog get their own stdout backend
		// per subsystem.
		case LogTypeStdOut:
			backend := btclog.NewBackend(&LogWriter{})
			logger := backend.Logger(subsystem)

			level, _ := btclog.LevelFromString(LogLevel)
			logger.SetLevel(level)

			return logger
		}
	}

	return btclog.Disabled
}

// SubLoggers maps subsystem identifiers to their loggers.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger allows the levels of a set of subsystem loggers to be
// changed individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns the sorted subsystem identifiers.
	SupportedSubsystems() []string

	// SetLogLevel assigns a new level to a single subsystem.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns the same level to every subsystem.
	SetLogLevels(logLevel string)
}

// SortedSubsystems returns the keys of the passed loggers in sorted order.
func SortedSubsystems(loggers SubLoggers) []string {
	subsystems := make([]string, 0, len(loggers))
	for subsysID := range loggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)

	return subsystems
}

// ParseAndSetDebugLevels parses a debug level specification of the form
// "level" or "level,SUBSYS=level,..." (or only subsystem pairs) and applies
// it to the given logger.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	levels := strings.Split(level, ",")
	if len(levels) == 0 {
		return fmt.Errorf("invalid log level: %v", level)
	}

	// A leading entry without '=' is the level for all subsystems.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", globalLevel)
		}

		logger.SetLogLevels(globalLevel)
		levels = levels[1:]
	}

	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}
		subsysID, logLevel := fields[0], fields[1]

		if _, ok := logger.SubLoggers()[subsysID]; !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsysID, logger.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel reports whether logLevel names a btclog level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}

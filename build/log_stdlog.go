//go:build stdlog
// +build stdlog

package build

// LoggingType is a log type that only writes to stdout.
const LoggingType = LogTypeStdOut

// Write writes b to stdout.
func (w *LogWriter) Write(b []byte) (int, error) {
	writeStdout(b)
	return len(b), nil
}

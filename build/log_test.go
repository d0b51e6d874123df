package build

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

// mockSubLogger records the levels set through the LeveledSubLogger
// interface.
type mockSubLogger struct {
	loggers SubLoggers
	levels  map[string]string
}

func newMockSubLogger(subsystems ...string) *mockSubLogger {
	m := &mockSubLogger{
		loggers: make(SubLoggers),
		levels:  make(map[string]string),
	}
	for _, subsystem := range subsystems {
		m.loggers[subsystem] = btclog.Disabled
	}

	return m
}

func (m *mockSubLogger) SubLoggers() SubLoggers {
	return m.loggers
}

func (m *mockSubLogger) SupportedSubsystems() []string {
	return SortedSubsystems(m.loggers)
}

func (m *mockSubLogger) SetLogLevel(subsystemID string, logLevel string) {
	m.levels[subsystemID] = logLevel
}

func (m *mockSubLogger) SetLogLevels(logLevel string) {
	for subsystem := range m.loggers {
		m.levels[subsystem] = logLevel
	}
}

// TestParseAndSetDebugLevels tests the accepted and rejected debug level
// specifications.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		level     string
		expErr    bool
		expLevels map[string]string
	}{
		{
			name:  "global level",
			level: "debug",
			expLevels: map[string]string{
				"PEER": "debug",
				"PROT": "debug",
			},
		},
		{
			name:  "global and subsystem",
			level: "info,PROT=trace",
			expLevels: map[string]string{
				"PEER": "info",
				"PROT": "trace",
			},
		},
		{
			name:  "subsystem only",
			level: "PEER=warn",
			expLevels: map[string]string{
				"PEER": "warn",
			},
		},
		{
			name:   "invalid global level",
			level:  "loud",
			expErr: true,
		},
		{
			name:   "unknown subsystem",
			level:  "info,NOPE=debug",
			expErr: true,
		},
		{
			name:   "invalid subsystem level",
			level:  "PEER=loud",
			expErr: true,
		},
		{
			name:   "malformed pair",
			level:  "info,PEER=debug=trace",
			expErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger := newMockSubLogger("PEER", "PROT")
			err := ParseAndSetDebugLevels(tc.level, logger)
			if tc.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expLevels, logger.levels)
		})
	}
}

// TestSortedSubsystems asserts that subsystems are listed in order.
func TestSortedSubsystems(t *testing.T) {
	t.Parallel()

	logger := newMockSubLogger("SRVR", "PEER", "CMGR")
	require.Equal(t, []string{"CMGR", "PEER", "SRVR"},
		logger.SupportedSubsystems())
}

// TestSupportedLogCompressor asserts the known compressors.
func TestSupportedLogCompressor(t *testing.T) {
	t.Parallel()

	require.True(t, SupportedLogCompressor(Gzip))
	require.True(t, SupportedLogCompressor(Zstd))
	require.False(t, SupportedLogCompressor("lz4"))
}

package log

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoggerLevels(t *testing.T) {
	type logTest struct {
		with       []interface{}
		level      int
		allowedLvl int
		msg        string
		out        []string
	}

	w := func(kv ...interface{}) []interface{} {
		return kv
	}
	o := func(outs ...string) []string {
		return outs
	}
	var tests = []logTest{
		{nil, InfoLevel, InfoLevel, "hello", o("hello")},
		{nil, DebugLevel, InfoLevel, "hello", nil},
		{nil, ErrorLevel, DebugLevel, "hello", o("hello")},
		{nil, WarnLevel, ErrorLevel, "hello", nil},
		{nil, WarnLevel, DebugLevel, "hello", o("hello")},
		{w("slot", 3), WarnLevel, InfoLevel, "hello", o("slot", "3", "hello")},
	}

	for i, test := range tests {
		t.Logf(" -- test %d -- \n", i)

		var b bytes.Buffer
		writer := bufio.NewWriter(&b)
		logger := New(zapcore.AddSync(writer), test.allowedLvl, true)
		if test.with != nil {
			logger = logger.With(test.with...)
		}

		var logging func(string, ...interface{})
		switch test.level {
		case InfoLevel:
			logging = logger.Infow
		case DebugLevel:
			logging = logger.Debugw
		case WarnLevel:
			logging = logger.Warnw
		case ErrorLevel:
			logging = logger.Errorw
		default:
			t.FailNow()
		}

		logging(test.msg)
		require.NoError(t, writer.Flush())

		if test.out == nil {
			require.Empty(t, b.String())
			continue
		}
		for _, out := range test.out {
			require.Contains(t, b.String(), out)
		}
	}
}

func TestNamedLogger(t *testing.T) {
	var b bytes.Buffer
	writer := bufio.NewWriter(&b)

	logger := New(zapcore.AddSync(writer), InfoLevel, true).Named("ledger")
	logger.Infow("opened", "path", "ceremony.db")
	require.NoError(t, writer.Flush())

	require.Contains(t, b.String(), `"logger":"ledger"`)
	require.Contains(t, b.String(), "ceremony.db")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, DebugLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	require.Equal(t, InfoLevel, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	l := New(nil, InfoLevel, false).Named("ctx")
	ctx := ToContext(context.Background(), l)
	require.Equal(t, l, FromContextOrDefault(ctx))
	require.NotNil(t, FromContextOrDefault(context.Background()))
}

func TestAddCallerSkip(t *testing.T) {
	var b bytes.Buffer
	writer := bufio.NewWriter(&b)
	logger := New(zapcore.AddSync(writer), InfoLevel, true)

	logger.Infow("direct")
	require.NoError(t, writer.Flush())
	require.Contains(t, b.String(), `"caller":"log/log_test.go:`)

	b.Reset()
	// one frame up from a test function is the testing runner
	logger.AddCallerSkip(1).Infow("skipped")
	require.NoError(t, writer.Flush())
	require.Contains(t, b.String(), `"caller":"testing/testing.go:`)
}

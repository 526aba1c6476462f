// Package testlogger builds the loggers handed to components under test.
package testlogger

import (
	"os"
	"testing"

	"github.com/drand/summoner/common/log"
)

// New returns a console logger tagged with the name of t. Debug output is
// enabled with SUMMONER_TEST_LOGS=DEBUG.
func New(t testing.TB) log.Logger {
	level := log.InfoLevel
	if os.Getenv(log.TestLogsEnv) == "DEBUG" {
		level = log.DebugLevel
	}
	return log.New(nil, level, false).With("test", t.Name())
}

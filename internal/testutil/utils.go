package testutil

import (
	"log"
	"os"
	"testing"
)

// TestLogger returns a stdout logger prefixed with the test name. Session
// goroutines may log after the test returns, so it must not use t.Log.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "["+t.Name()+"] ", log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

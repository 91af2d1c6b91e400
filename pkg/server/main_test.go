package server

import (
	"io"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TestMain sets up package-level test state once before any test runs.
// Loggers are silenced here so no test touches the global logger while
// goroutines from previous tests may still be writing to it.
func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	log.Logger = zerolog.New(io.Discard)

	os.Exit(m.Run())
}

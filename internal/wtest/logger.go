package wtest

import (
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a logger associated with the given test,
// so that log output is correctly associated with subtests
// and only printed for failed tests (or under go test -v).
func NewLogger(t *testing.T) *slog.Logger {
	return slogt.New(t)
}

// Package shared holds the helpers every other package leans on: the root
// logger, sentinel errors, and id generation.
package shared

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// NewLogger creates the root [log.Logger] writing to w, with timestamps
// enabled. The writer defaults to [os.Stderr]. Components derive their own
// loggers from it via WithPrefix.
func NewLogger(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true}
	return log.NewWithOptions(w, opts)
}

// GenerateID returns a new v4 [uuid.UUID] as a string.
func GenerateID() string {
	return uuid.New().String()
}

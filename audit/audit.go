package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger writes structured audit events to the audit log file and stderr.
// Identity-bearing fields (wallets, session tokens, user ids) must go through
// Hash8 before logging; raw secrets never reach the log.
type Logger struct {
	zl zerolog.Logger
}

func New(path string) (*Logger, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var w io.Writer = os.Stderr
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = zerolog.MultiLevelWriter(f, os.Stderr)
	}

	zl := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{zl: zl}, nil
}

// NewDiscard returns a logger that drops everything. Used by tests.
func NewDiscard() *Logger {
	return &Logger{zl: zerolog.New(io.Discard)}
}

// Event starts an audit entry for the named action.
func (l *Logger) Event(action string) *zerolog.Event {
	return l.zl.Info().Str("action", action)
}

// Warn starts an audit entry for a rejected or suspicious action.
func (l *Logger) Warn(action string) *zerolog.Event {
	return l.zl.Warn().Str("action", action)
}

// Error starts an audit entry for an internal failure. Full detail goes here,
// never to the client.
func (l *Logger) Error(action string) *zerolog.Event {
	return l.zl.Error().Str("action", action)
}

// Hash8 returns a short stable digest of an identity-bearing value, safe to log.
func Hash8(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Setup configures the global zerolog logger to write to the console and to
// <logDir>/app.log. The returned closer releases the log file.
func Setup(production bool, logDir string) (io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.DebugLevel
	if production {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(logDir, "app.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, file)).With().Timestamp().Logger()

	return file, nil
}

// WhatsApp returns a whatsmeow logger backed by the global zerolog logger.
func WhatsApp(module, sessionID string) waLog.Logger {
	l := log.With().Str("module", module)
	if sessionID != "" {
		l = l.Str("session", sessionID)
	}
	return waLog.Zerolog(l.Logger())
}

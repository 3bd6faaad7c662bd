package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesLogFile(t *testing.T) {
	previous := log.Logger
	t.Cleanup(func() {
		log.Logger = previous
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	})

	dir := filepath.Join(t.TempDir(), "logs")
	closer, err := Setup(true, dir)
	require.NoError(t, err)

	log.Debug().Msg("hidden in production")
	log.Info().Str("session", "abc").Msg("visible")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"visible"`)
	assert.Contains(t, string(data), `"session":"abc"`)
	assert.NotContains(t, string(data), "hidden in production")
}

func TestWhatsAppLogger(t *testing.T) {
	l := WhatsApp("Client", "abc")
	require.NotNil(t, l)
	assert.NotNil(t, l.Sub("Socket"))
}

package main

import (
	"os"
	"testing"
	"time"

	"github.com/Netflix/go-env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("PROVIDER_BASE_URL", "http://provider.local")

		var settings Settings
		_, err := env.UnmarshalFromEnviron(&settings)
		require.NoError(t, err)

		assert.Equal(t, 8000, settings.Port)
		assert.Equal(t, "/relay", settings.BasePath)
		assert.Equal(t, 10*time.Second, settings.AuthTimeout)
		assert.Equal(t, 60*time.Second, settings.ReaperInterval)
		assert.Equal(t, 300*time.Second, settings.ConnectionTimeout)
		assert.Equal(t, 3*time.Second, settings.MonitorPollInterval)
		assert.Equal(t, 30*time.Second, settings.MonitorMaxPollInterval)
		assert.Equal(t, 600*time.Second, settings.MonitorMaxDuration)
		assert.Empty(t, settings.apiKeys())
	})

	t.Run("secret is required", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		os.Unsetenv("JWT_SECRET")
		t.Setenv("PROVIDER_BASE_URL", "http://provider.local")

		var settings Settings
		_, err := env.UnmarshalFromEnviron(&settings)

		assert.Error(t, err)
	})

	t.Run("lists", func(t *testing.T) {
		settings := Settings{
			APIKeys:        " key-1, ,key-2 ",
			AllowedOrigins: "https://app.example.com",
		}

		assert.Equal(t, []string{"key-1", "key-2"}, settings.apiKeys())
		assert.Equal(t, []string{"https://app.example.com"}, settings.allowedOrigins())
	})
}

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitebrain/sitebrain/internal/config"
)

func TestServeFailsFastWithoutGuestSalt(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-0123456789")
	t.Setenv("SITEBRAIN_GUEST_IP_SALT", "")

	err := runServe()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingGuestSalt)
}

func TestServeFailsFastWithoutProviderKey(t *testing.T) {
	for _, v := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY", "TOGETHER_API_KEY"} {
		t.Setenv(v, "")
	}
	t.Setenv("SITEBRAIN_GUEST_IP_SALT", "a-salt-long-enough-to-pass")

	err := runServe()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)
}

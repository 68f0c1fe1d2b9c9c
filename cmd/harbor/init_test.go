package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStoresTokenAndBaseURL(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	initBaseURL = "https://staging.harbor.social"
	defer func() { initBaseURL = "" }()

	require.NoError(t, initCmd.RunE(initCmd, []string{"tok-abc"}))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", cfg.Auth.Token)
	assert.Equal(t, "https://staging.harbor.social", cfg.Default.BaseURL)

	path, err := configPath()
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestInitRegisteredOnRoot(t *testing.T) {
	var found bool
	for _, c := range rootCmd.Commands() {
		if c.Name() == "init" {
			found = true
		}
	}
	assert.True(t, found)
}

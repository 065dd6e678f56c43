package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/congdinh/vivuchat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsFile(t *testing.T) {
	f := credentialsFile{path: filepath.Join(t.TempDir(), "vivuchat", "credentials.yaml")}
	const server = "http://localhost:8080"

	got, err := f.load(server)
	require.NoError(t, err)
	assert.Equal(t, services.Credentials{}, got)

	creds := services.Credentials{Username: "ada", AccessToken: "a1", RefreshToken: "r1"}
	require.NoError(t, f.save(server, creds))

	info, err := os.Stat(f.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err = f.load(server)
	require.NoError(t, err)
	assert.Equal(t, creds, got)

	got, err = f.load("http://elsewhere:8080")
	require.NoError(t, err)
	assert.Equal(t, services.Credentials{}, got, "tokens are bound to the server that issued them")

	require.NoError(t, f.save(server, services.Credentials{}))
	_, err = os.Stat(f.path)
	assert.True(t, os.IsNotExist(err))
}

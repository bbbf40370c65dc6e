package session

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCredentialStore_LoadMissingReturnsNil(t *testing.T) {
	s := NewFileCredentialStore(filepath.Join(t.TempDir(), "creds.json"))
	creds, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestFileCredentialStore_SaveLoadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "creds.json")
	s := NewFileCredentialStore(path)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Save(context.Background(), Credentials{Blob: []byte("secret"), Revision: 4, UpdatedAt: now}))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, []byte("secret"), loaded.Blob)
	assert.Equal(t, uint64(4), loaded.Revision)
	assert.True(t, loaded.UpdatedAt.Equal(now))

	require.NoError(t, s.Clear(context.Background()))
	require.NoError(t, s.Clear(context.Background()))
	loaded, err = s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestFileCredentialStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))

	_, err := NewFileCredentialStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestCredentials_Valid(t *testing.T) {
	now := time.Now()
	var nilCreds *Credentials
	assert.False(t, nilCreds.Valid(now))
	assert.False(t, (&Credentials{}).Valid(now))
	assert.True(t, (&Credentials{Blob: []byte("x")}).Valid(now))
	assert.True(t, (&Credentials{Blob: []byte("x"), ExpiresAt: now.Add(time.Minute)}).Valid(now))
	assert.False(t, (&Credentials{Blob: []byte("x"), ExpiresAt: now.Add(-time.Minute)}).Valid(now))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_pairing", AwaitingPairing.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.True(t, ReasonLoggedOut.Fatal())
	assert.False(t, ReasonConnectionLost.Fatal())
}

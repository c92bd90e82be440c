package migrations

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_EmbedsRaffleSchema(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.EqualValues(t, 1, first)

	up, _, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	body, err := io.ReadAll(up)
	require.NoError(t, err)
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS raffle_events")
	assert.Contains(t, string(body), "PRIMARY KEY (raffle, seq)")

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	down.Close()
}

func TestRequiresDSN(t *testing.T) {
	assert.Error(t, Up(""))
	assert.Error(t, Down("", 1))
	assert.Error(t, Down("postgres://unused", 0))
	_, _, err := Version("")
	assert.Error(t, err)
}

func TestUpDownIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	require.NoError(t, Up(dsn))
	require.NoError(t, Up(dsn))
	version, dirty, err := Version(dsn)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
	assert.False(t, dirty)

	require.NoError(t, Down(dsn, 1))
	require.NoError(t, Up(dsn))
}

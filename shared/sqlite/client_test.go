package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")

	db, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "sqlite", db.DriverName())

	var one int
	require.NoError(t, db.Get(&one, "SELECT 1"))
	assert.Equal(t, 1, one)
	assert.FileExists(t, path)
}

func TestOpenEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	assert.ErrorContains(t, err, "path is empty")
}

package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsEmptyConnString(t *testing.T) {
	_, err := NewPool(context.Background(), "")
	require.Error(t, err)
}

func TestNewPoolSetsApplicationName(t *testing.T) {
	// The pool connects lazily, so constructing it needs no live server.
	pool, err := NewPool(context.Background(), "postgres://u:p@localhost:5432/leaseflow")
	require.NoError(t, err)
	defer pool.Close()

	require.Equal(t, "leaseflow", pool.Config().ConnConfig.RuntimeParams["application_name"])
}

func TestNewPoolKeepsExplicitApplicationName(t *testing.T) {
	pool, err := NewPool(context.Background(), "postgres://u:p@localhost:5432/leaseflow?application_name=stress")
	require.NoError(t, err)
	defer pool.Close()

	require.Equal(t, "stress", pool.Config().ConnConfig.RuntimeParams["application_name"])
}

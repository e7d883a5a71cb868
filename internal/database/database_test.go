package database_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/constelar/constelar/internal/database"
)

func TestDefaultConfig(t *testing.T) {
	cfg := database.DefaultConfig("postgres://tempo@localhost:5432/tempo")
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(1), cfg.MinConns)
	assert.Equal(t, 5*time.Minute, cfg.MaxConnLifetime)
}

func TestConnect_RejectsBadConfig(t *testing.T) {
	_, err := database.Connect(context.Background(), database.Config{})
	assert.Error(t, err)

	_, err = database.Connect(context.Background(), database.Config{URL: "postgres://%zz"})
	assert.Error(t, err)
}

// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderReloadSwapsConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	loader := NewLoader(path)

	initial, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(initial, loader, path)
	assert.Equal(t, 9090, h.Get().Server.Port)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))
	assert.Equal(t, 9191, h.Get().Server.Port)
}

func TestHolderReloadKeepsOldConfigOnError(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	loader := NewLoader(path)

	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader, path)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -5\n"), 0o600))
	assert.Error(t, h.Reload(context.Background()))
	assert.Equal(t, 9090, h.Get().Server.Port, "invalid reload must not replace the running config")
}

func TestHolderNotifiesListeners(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	loader := NewLoader(path)

	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader, path)

	ch := make(chan Config, 1)
	h.RegisterListener(ch)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))

	select {
	case cfg := <-ch:
		assert.Equal(t, 9191, cfg.Server.Port)
	default:
		t.Fatal("listener not notified")
	}

	// A full listener channel is skipped, not blocked on.
	require.NoError(t, h.Reload(context.Background()))
	require.NoError(t, h.Reload(context.Background()))
}

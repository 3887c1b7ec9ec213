// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.hjson")
	require.NoError(t, os.WriteFile(path, []byte(`{
		server: { port: 9001 }
		worker_manager: { max_workers: 8 }
	}`), 0644))

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	require.Equal(t, 9001, cfg.Server.Port)
	require.Equal(t, 8, cfg.WorkerManager.MaxWorkers)
	// Untouched fields keep their spec-named defaults.
	require.True(t, cfg.WorkerManager.AutoRestart)
	require.Equal(t, 10000, cfg.Bus.MaxMessagesPerTopic)
	require.Equal(t, 3, cfg.Health.MaxRestarts)
}

func TestFindConfigPrefersHjsonOverJSON(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(cwd)
	require.NoError(t, os.Chdir(dir))

	require.NoError(t, os.WriteFile("fleet.json", []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile("fleet.hjson", []byte(`{}`), 0644))

	path, err := NewLoader().FindConfig()
	require.NoError(t, err)
	require.Equal(t, "fleet.hjson", filepath.Base(path))
}

func TestLoadDotEnvMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewLoader().LoadDotEnv(filepath.Join(dir, ".env")))
}

// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the Fleet orchestrator's configuration record. The
// file format (hjson, falling back to a .env overlay for local secrets) and
// the "parse into a map, marshal to JSON, unmarshal into a typed struct"
// loading shape both follow internal/config/loader.go in the teacher.
package config

import "time"

// SpawnMode enumerates how a worker process is attached to the manager.
type SpawnMode string

const (
	SpawnProcess  SpawnMode = "process"
	SpawnNative   SpawnMode = "native"
	SpawnTmux     SpawnMode = "tmux"
	SpawnExternal SpawnMode = "external"
)

// Config is the enumerated configuration record named in SPEC_FULL.md §9
// Design Notes: no hidden globals, every option is a named field.
type Config struct {
	Server struct {
		Host string `json:"host"`
		Port int    `json:"port"`

		// TLS is optional. TLSTailscale takes a Tailscale-issued certificate
		// over the daemon socket; TLSCert/TLSKey load a file pair instead.
		TLSCert      string `json:"tls_cert"`
		TLSKey       string `json:"tls_key"`
		TLSTailscale bool   `json:"tls_tailscale"`

		// AuthSeed, when set, gates POST /auth behind a shared secret
		// (X-Fleet-Auth-Seed header) instead of issuing a token to anyone
		// who asks. Meant to be set via a .env overlay, not the hjson file.
		AuthSeed string `json:"-"`
	} `json:"server"`

	// WorkerManager mirrors the Worker Manager construction options from
	// SPEC_FULL.md §4.4.
	WorkerManager struct {
		MaxWorkers      int       `json:"max_workers"`
		DefaultTeamName string    `json:"default_team_name"`
		ServerURL       string    `json:"server_url"`
		AutoRestart     bool      `json:"auto_restart"`
		UseWorktrees    bool      `json:"use_worktrees"`
		WorktreeBaseDir string    `json:"worktree_base_dir"`
		InjectMail      bool      `json:"inject_mail"`
		DefaultSpawnMode SpawnMode `json:"default_spawn_mode"`
		NativeOnly      bool      `json:"native_only"`
		WorkerBinary    string    `json:"worker_binary"`
	} `json:"worker_manager"`

	Storage struct {
		// Path to the sqlite database file. Empty means in-memory (tests).
		Path string `json:"path"`
	} `json:"storage"`

	Bus struct {
		MaxMessagesPerTopic int `json:"max_messages_per_topic"`
	} `json:"bus"`

	Health struct {
		TickInterval    time.Duration `json:"tick_interval"`
		DegradedAfter   time.Duration `json:"degraded_after"`
		UnhealthyAfter  time.Duration `json:"unhealthy_after"`
		PersistThrottle time.Duration `json:"persist_throttle"`
		MaxRestarts     int           `json:"max_restarts"`
	} `json:"health"`

	Metrics struct {
		Enabled bool `json:"enabled"`
	} `json:"metrics"`
}

// Defaults returns a Config with every field in SPEC_FULL.md filled in to
// the value the spec text itself names (5 workers, 15s health tick, 60s
// unhealthy, 30s degraded, 10s persist throttle, 3 max restarts, 10000
// messages per bus topic).
func Defaults() *Config {
	cfg := &Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8420
	cfg.WorkerManager.MaxWorkers = 5
	cfg.WorkerManager.DefaultTeamName = "fleet"
	cfg.WorkerManager.AutoRestart = true
	cfg.WorkerManager.DefaultSpawnMode = SpawnProcess
	cfg.WorkerManager.WorktreeBaseDir = ".fleet/worktrees"
	cfg.WorkerManager.InjectMail = true
	cfg.Storage.Path = "fleet.db"
	cfg.Bus.MaxMessagesPerTopic = 10000
	cfg.Health.TickInterval = 15 * time.Second
	cfg.Health.DegradedAfter = 30 * time.Second
	cfg.Health.UnhealthyAfter = 60 * time.Second
	cfg.Health.PersistThrottle = 10 * time.Second
	cfg.Health.MaxRestarts = 3
	cfg.Metrics.Enabled = true
	return cfg
}

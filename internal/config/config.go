// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads service configuration from the environment, with
// case-insensitive keys and defaults, via viper.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	DatabaseURL    string
	DatabaseDriver string
	ListenAddr     string
	LogLevel       string
	MaxAIRetries   int
	AIFailureRate  float64

	DBMaxOpenConns int
	DBMaxIdleConns int

	OrchestratorEvalInterval time.Duration

	// TranscriberURL, when set, switches the transcriber adapter from the
	// in-process mock to a resty-backed remote client pointed at this endpoint.
	TranscriberURL string
}

// Load reads configuration from the environment. Keys are case-insensitive
// (DATABASE_URL, database_url and Database_Url are all equivalent).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database_url", "file::memory:?cache=shared")
	v.SetDefault("database_driver", "")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_ai_retries", 5)
	v.SetDefault("ai_failure_rate", 0.25)
	v.SetDefault("db_max_open_conns", 10)
	v.SetDefault("db_max_idle_conns", 20)
	v.SetDefault("orchestrator_eval_interval", 500*time.Millisecond)
	v.SetDefault("transcriber_url", "")

	// AutomaticEnv only looks up the upper-case variable name, so variables
	// spelled in any other case are folded in here; the upper-case spelling
	// wins when both are set.
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == strings.ToUpper(name) {
			continue
		}
		if _, upperSet := os.LookupEnv(strings.ToUpper(name)); !upperSet {
			v.Set(name, value)
		}
	}

	cfg := &Config{
		DatabaseURL:              v.GetString("database_url"),
		DatabaseDriver:           v.GetString("database_driver"),
		ListenAddr:               v.GetString("listen_addr"),
		LogLevel:                 v.GetString("log_level"),
		MaxAIRetries:             v.GetInt("max_ai_retries"),
		AIFailureRate:            v.GetFloat64("ai_failure_rate"),
		DBMaxOpenConns:           v.GetInt("db_max_open_conns"),
		DBMaxIdleConns:           v.GetInt("db_max_idle_conns"),
		OrchestratorEvalInterval: v.GetDuration("orchestrator_eval_interval"),
		TranscriberURL:           v.GetString("transcriber_url"),
	}

	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = inferDriver(cfg.DatabaseURL)
	}

	return cfg, nil
}

func inferDriver(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql"
	default:
		return "sqlite"
	}
}

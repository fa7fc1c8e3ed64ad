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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaleido-io/callstream/internal/api"
	"github.com/kaleido-io/callstream/internal/config"
	"github.com/kaleido-io/callstream/internal/ingest"
	"github.com/kaleido-io/callstream/internal/log"
	"github.com/kaleido-io/callstream/internal/notifyhub"
	"github.com/kaleido-io/callstream/internal/orchestrator"
	"github.com/kaleido-io/callstream/internal/persistence"
	"github.com/kaleido-io/callstream/internal/transcriber"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "callstream",
		Short: "Call ingestion and AI-processing orchestration service",
	}
	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest/orchestration HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.SetFormatter()
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, err := persistence.Open(ctx, cfg)
	if err != nil {
		log.L(ctx).Errorf("failed to open database: %s", err)
		return err
	}
	defer p.Close()

	if err := p.Migrate(ctx, cfg.DatabaseDriver); err != nil {
		log.L(ctx).Errorf("failed to migrate schema: %s", err)
		return err
	}

	var t transcriber.Transcriber
	if cfg.TranscriberURL != "" {
		t = transcriber.NewRemote(cfg.TranscriberURL)
	} else {
		t = transcriber.NewMock(cfg.AIFailureRate)
	}

	hub := notifyhub.New()
	manager := orchestrator.NewManager(ctx, p, t, hub, cfg.MaxAIRetries, cfg.OrchestratorEvalInterval)
	ingestSvc := ingest.NewService(p, manager.Trigger)
	server := api.NewServer(cfg.ListenAddr, p, ingestSvc, hub, version)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			log.L(ctx).Errorf("server exited with error: %s", err)
			return err
		}
	case sig := <-sigCh:
		log.L(ctx).Infof("received signal %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.L(ctx).Warnf("error during HTTP shutdown: %s", err)
	}
	manager.Stop(shutdownCtx)

	log.L(ctx).Infof("shutdown complete")
	return nil
}

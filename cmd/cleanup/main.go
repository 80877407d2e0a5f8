// Copyright 2026 The Heimdall Authors
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

// Command cleanup sweeps expired rows out of the store. Run it once per
// sweep (cron) or with -interval for daemon mode. Expired refresh tokens,
// authorization codes, sessions, and permission grants are already inert;
// the sweep only reclaims storage.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heimdall-iam/heimdall/internal/config"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
	"github.com/heimdall-iam/heimdall/internal/store/postgres"
)

func main() {
	interval := flag.Duration("interval", 0, "sweep repeatedly at this interval; 0 runs a single sweep")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName + "-cleanup",
	})

	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	sweep(ctx, db)

	if *interval <= 0 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			sweep(ctx, db)
		case <-quit:
			slog.Info("cleanup stopped")
			return
		}
	}
}

func sweep(ctx context.Context, db *postgres.DB) {
	sweepers := []struct {
		name string
		run  func(context.Context) (int64, error)
	}{
		{"authorization_codes", postgres.NewAuthorizationCodeRepository(db).DeleteExpired},
		{"token_records", postgres.NewTokenRepository(db).DeleteExpired},
		{"sessions", postgres.NewSessionRepository(db).DeleteExpired},
		{"permission_grants", postgres.NewGrantRepository(db).DeleteExpired},
	}

	for _, s := range sweepers {
		n, err := s.run(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "sweep failed", logger.Component(s.name), logger.Error(err))
			continue
		}
		slog.InfoContext(ctx, "sweep complete", logger.Component(s.name), logger.RowsAffected(n))
	}
}

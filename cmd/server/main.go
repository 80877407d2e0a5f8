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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heimdall-iam/heimdall/internal/audit"
	"github.com/heimdall-iam/heimdall/internal/cache"
	"github.com/heimdall-iam/heimdall/internal/config"
	"github.com/heimdall-iam/heimdall/internal/identity"
	"github.com/heimdall-iam/heimdall/internal/oauth2"
	"github.com/heimdall-iam/heimdall/internal/observability/logger"
	"github.com/heimdall-iam/heimdall/internal/observability/metrics"
	"github.com/heimdall-iam/heimdall/internal/observability/tracing"
	"github.com/heimdall-iam/heimdall/internal/permission"
	"github.com/heimdall-iam/heimdall/internal/provider"
	"github.com/heimdall-iam/heimdall/internal/session"
	"github.com/heimdall-iam/heimdall/internal/store/postgres"
	"github.com/heimdall-iam/heimdall/internal/tenant"
	"github.com/heimdall-iam/heimdall/internal/token"
	transportHTTP "github.com/heimdall-iam/heimdall/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting heimdall identity server")

	ctx := context.Background()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

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
	slog.Info("connected to database")

	redisCache, err := cache.New(ctx, cfg.Redis.URL)
	if err != nil {
		slog.Error("failed to connect to redis", logger.Error(err))
		os.Exit(1)
	}
	defer redisCache.Close()
	slog.Info("connected to redis")

	userRepo := postgres.NewUserRepository(db)
	sessionRepo := postgres.NewSessionRepository(db)
	clientRepo := postgres.NewClientRepository(db)
	codeRepo := postgres.NewAuthorizationCodeRepository(db)
	consentRepo := postgres.NewConsentRepository(db)
	tokenRepo := postgres.NewTokenRepository(db)
	tenantRepo := postgres.NewTenantRepository(db)
	grantRepo := postgres.NewGrantRepository(db)

	auditLogger := audit.NewSlogLogger()
	passwordHasher := identity.NewPasswordHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)

	keys, err := token.NewKeyManager()
	if err != nil {
		slog.Error("failed to initialize signing keys", logger.Error(err))
		os.Exit(1)
	}

	identityService := identity.NewService(
		userRepo,
		passwordHasher,
		auditLogger,
		cfg.Security.LockoutMaxAttempts,
		cfg.Security.LockoutDuration,
	)
	tenantService := tenant.NewService(tenantRepo, auditLogger, cfg.Tenant.MaxDepth)
	sessionService := session.NewService(sessionRepo, tenantService, auditLogger, session.Config{
		Lifetime:      cfg.Session.Lifetime,
		IdleTimeout:   cfg.Session.IdleTimeout,
		SlidingExpiry: cfg.Session.SlidingExpiry,
		MaxConcurrent: cfg.Session.MaxConcurrent,
		PlanLimits:    cfg.Session.PlanLimits,
	})
	oauth2Service := oauth2.NewService(clientRepo, codeRepo, consentRepo, auditLogger, cfg.Token.AuthCodeLifetime)
	tokenService := token.NewService(tokenRepo, redisCache.Blacklist(), keys, auditLogger, token.Config{
		Issuer:               cfg.Server.Issuer,
		Audience:             cfg.Token.Audience,
		AccessTokenLifetime:  cfg.Token.AccessTokenLifetime,
		RefreshTokenLifetime: cfg.Token.RefreshTokenLifetime,
		RotationGrace:        cfg.Token.RotationGrace,
	}, meter)
	permissionService := permission.NewService(grantRepo, tenantRepo, redisCache.PermissionCache(), auditLogger, permission.Config{
		CacheTTL:     cfg.Permission.CacheTTL,
		MaxBulkGrant: cfg.Permission.MaxBulkGrant,
	})

	// First-run provisioning of the root tenant and admin user, driven by
	// HEIMDALL_BOOTSTRAP_* environment variables
	bootstrapService := identity.NewBootstrapService(identityService, tenantService, permissionService, oauth2Service, auditLogger)
	if err := bootstrapService.Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed", logger.Error(err))
		os.Exit(1)
	}

	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	sameSite := http.SameSiteLaxMode
	switch cfg.Session.CookieSameSite {
	case "Strict":
		sameSite = http.SameSiteStrictMode
	case "None":
		sameSite = http.SameSiteNoneMode
	}

	handler := transportHTTP.NewHandler(
		identityService,
		sessionService,
		oauth2Service,
		tokenService,
		tenantService,
		permissionService,
		auditLogger,
		cfg.Server.Issuer,
		transportHTTP.SessionConfig{
			CookieName:     cfg.Session.CookieName,
			CookieDomain:   cfg.Session.CookieDomain,
			CookiePath:     cfg.Session.CookiePath,
			CookieSecure:   cfg.Session.CookieSecure,
			CookieHTTPOnly: cfg.Session.CookieHTTPOnly,
			CookieSameSite: sameSite,
		},
	)

	if cfg.Federated.Enabled() {
		handler.RegisterProvider(provider.NewHTTPProvider(provider.Endpoints{
			ProviderName: cfg.Federated.Name,
			ClientID:     cfg.Federated.ClientID,
			ClientSecret: cfg.Federated.ClientSecret,
			AuthURL:      cfg.Federated.AuthURL,
			TokenURL:     cfg.Federated.TokenURL,
			UserInfoURL:  cfg.Federated.UserInfoURL,
			RevokeURL:    cfg.Federated.RevokeURL,
			RedirectURL:  cfg.Federated.RedirectURL,
			Scopes:       cfg.Federated.Scopes,
		}))
		slog.Info("federated login enabled", logger.String("provider", cfg.Federated.Name))
	}

	router := transportHTTP.NewRouter(handler, rateLimiter)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

// Package app wires repositories, stores and services into the HTTP surface.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/societyhub/server/internal/access"
	"github.com/societyhub/server/internal/auth"
	"github.com/societyhub/server/internal/cache"
	"github.com/societyhub/server/internal/config"
	httphandler "github.com/societyhub/server/internal/http"
	"github.com/societyhub/server/internal/http/handlers"
	"github.com/societyhub/server/internal/middleware"
	"github.com/societyhub/server/internal/notify"
	"github.com/societyhub/server/internal/realtime"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

const (
	verificationRecordTTL  = 15 * time.Minute
	pendingRegistrationTTL = 30 * time.Minute
	janitorInterval        = 10 * time.Minute
)

// Deps are the external resources the application runs on.
type Deps struct {
	Identities repo.IdentityRepo
	Challenges repo.ChallengeRepo
	Redis      *redis.Client
	Notifier   notify.Notifier
	// Checks are reported by GET /health.
	Checks map[string]handlers.HealthCheck
}

// App is the assembled application.
type App struct {
	Handler http.Handler
	Hub     *realtime.Hub
	OTP     *auth.OTPAuthority
	JWT     *auth.JWTService
	Freeze  *access.FreezeService

	limiters []*middleware.RateLimiter
	cancel   context.CancelFunc
}

// New builds the application from cfg and deps.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *App {
	var otpOpts []auth.OTPOption
	if cfg.DevMode {
		otpOpts = append(otpOpts, auth.WithFixedCode(auth.DevOTPCode))
		logger.Warn("dev mode: every OTP is " + auth.DevOTPCode)
	}

	verified := cache.NewVerifiedEmailStore(deps.Redis, verificationRecordTTL)
	pending := cache.NewRegistrationStore(deps.Redis, pendingRegistrationTTL)
	tokens := cache.NewTokenStore(deps.Redis)

	otp := auth.NewOTPAuthority(deps.Challenges, verified, deps.Notifier, cfg.OTPSalt, logger.Named("otp"), otpOpts...)
	hasher := auth.NewPasswordHasher(cfg.BcryptCost)
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	registration := auth.NewRegistrationStateMachine(otp, pending, verified, deps.Identities, hasher, logger.Named("registration"))
	login := auth.NewLoginService(deps.Identities, hasher, jwtService, logger.Named("login"))
	links := auth.NewVerificationTokenService(tokens, deps.Identities, deps.Notifier, cfg.AppBaseURL, logger.Named("verification"))
	accounts := auth.NewAccountService(deps.Identities, hasher, links, logger.Named("accounts"))

	hub := realtime.NewHub(logger.Named("realtime"))
	freeze := access.NewFreezeService(deps.Identities, hub, logger.Named("access"))

	// 10 sends and 20 verifies per IP per 10 minutes.
	sendLimiter := middleware.NewRateLimiter(10*time.Minute, 10)
	verifyLimiter := middleware.NewRateLimiter(10*time.Minute, 20)

	router := httphandler.NewRouter(httphandler.RouterDeps{
		OTP:           handlers.NewOTPHandler(registration, cfg.DevMode, logger),
		Auth:          handlers.NewAuthHandler(registration, login, logger),
		Verification:  handlers.NewVerificationHandler(links, logger),
		Admin:         handlers.NewAdminHandler(accounts, links, freeze, logger),
		Health:        handlers.NewHealthHandler(deps.Checks),
		Realtime:      realtime.NewHandler(hub, jwtService, deps.Identities, cfg.CORSOrigins, logger.Named("ws")),
		JWTService:    jwtService,
		Identities:    deps.Identities,
		SendLimiter:   sendLimiter,
		VerifyLimiter: verifyLimiter,
		CORSOrigins:   cfg.CORSOrigins,
		Logger:        logger.Named("http"),
	})

	return &App{
		Handler:  router,
		Hub:      hub,
		OTP:      otp,
		JWT:      jwtService,
		Freeze:   freeze,
		limiters: []*middleware.RateLimiter{sendLimiter, verifyLimiter},
	}
}

// Start runs background work until Close.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	go a.OTP.RunJanitor(ctx, janitorInterval)
}

// Close stops background work and disconnects every realtime session.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, l := range a.limiters {
		l.Stop()
	}
	a.Hub.Close()
}

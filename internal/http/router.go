package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/societyhub/server/internal/auth"
	"github.com/societyhub/server/internal/http/handlers"
	"github.com/societyhub/server/internal/middleware"
	"github.com/societyhub/server/internal/model"
	"github.com/societyhub/server/internal/repo"
	"go.uber.org/zap"
)

// RouterDeps carries everything the router wires into routes.
type RouterDeps struct {
	OTP          *handlers.OTPHandler
	Auth         *handlers.AuthHandler
	Verification *handlers.VerificationHandler
	Admin        *handlers.AdminHandler
	Health       *handlers.HealthHandler
	Realtime     http.Handler

	JWTService  *auth.JWTService
	Identities  repo.IdentityRepo
	SendLimiter *middleware.RateLimiter
	// VerifyLimiter guards /otp/verify per IP on top of the per-challenge attempt cap.
	VerifyLimiter *middleware.RateLimiter
	CORSOrigins   []string
	Logger        *zap.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.LoggerMiddleware(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", d.Health.ServeHTTP)

	// The websocket handler authenticates itself and must not sit behind a timeout.
	r.Get("/ws", d.Realtime.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(15 * time.Second))

		r.Route("/otp", func(r chi.Router) {
			r.With(middleware.RateLimitMiddleware(d.SendLimiter, middleware.GetIPKey)).Post("/send", d.OTP.HandleSend)
			r.With(middleware.RateLimitMiddleware(d.VerifyLimiter, middleware.GetIPKey)).Post("/verify", d.OTP.HandleVerify)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", d.Auth.HandleRegister)
			r.Post("/login", d.Auth.HandleLogin)
		})

		r.Get("/verification/verify-account/{token}", d.Verification.HandleVerifyAccount)

		// Protected routes (require valid JWT and an identity that is not frozen)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(d.JWTService, d.Identities, d.Logger))
			r.Get("/me", d.Auth.HandleMe)

			r.Route("/admin", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRole(model.RoleSocietyAdmin, model.RoleSuperAdmin))
					r.Post("/users", d.Admin.HandleCreateUser)
					r.Post("/users/{id}/verification", d.Admin.HandleResendVerification)
				})
				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRole(model.RoleSuperAdmin))
					r.Post("/societies/{id}/freeze", d.Admin.HandleFreeze)
					r.Post("/societies/{id}/unfreeze", d.Admin.HandleUnfreeze)
				})
			})
		})
	})

	return r
}

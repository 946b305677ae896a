package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/akovalyov/volunteerhub-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware волонтёрской платформы.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Get("/opportunities", h.ListOpportunities)
		r.Get("/opportunities/{id}", h.GetOpportunity)
		// Публичный счётчик занятости: не требует аутентификации и не
		// используется для принятия решений.
		r.Get("/opportunities/{id}/approved-count", h.ApprovedCount)

		r.Get("/rewards", h.ListRewards)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/opportunities", h.CreateOpportunity)
			r.Post("/opportunities/{id}/publish", h.PublishOpportunity)
			r.Post("/opportunities/{id}/cancel", h.CancelOpportunity)
			r.Post("/opportunities/{id}/apply", h.Apply)

			r.Get("/user/applications", h.MyApplications)
			r.Post("/applications/{id}/approve", h.ApproveApplication)
			r.Post("/applications/{id}/reject", h.RejectApplication)
			r.Post("/applications/{id}/complete", h.CompleteApplication)
			r.Post("/applications/{id}/cancel", h.CancelApplication)

			r.Post("/rewards", h.CreateReward)
			r.Post("/rewards/{id}/redeem", h.Redeem)
			r.Post("/redemptions/use", h.UseRedemption)

			r.Get("/user/balance", h.GetBalance)
			r.Get("/user/redemptions", h.MyRedemptions)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

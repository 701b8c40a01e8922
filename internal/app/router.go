package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/expensedesk/expensedesk/internal/expense"
	"github.com/expensedesk/expensedesk/internal/observability"
	"github.com/expensedesk/expensedesk/internal/settlement"
	"github.com/expensedesk/expensedesk/internal/tax"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	ExpenseHandler    *expense.Handler
	SettlementHandler *settlement.Handler
	TaxHandler        *tax.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router. The three handlers share the
// /expenses subtree; the tax routes mount first so /expenses/tax/... never
// collides with /expenses/{id}.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/expenses", func(r chi.Router) {
		params.TaxHandler.MountRoutes(r)
		params.SettlementHandler.MountRoutes(r)
		params.ExpenseHandler.MountRoutes(r)
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

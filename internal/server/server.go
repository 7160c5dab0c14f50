// Package server exposes the soloride HTTP API: account and route catalogs,
// pull and push status, run triggering, and direct booking operations against
// the external ride service.
package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"soloride/internal/config"
	"soloride/internal/domain"
	"soloride/internal/engine"
	"soloride/internal/repo"
	"soloride/internal/status"
	"soloride/internal/ws"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Store    *status.Store
	App      *config.Config
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"account unknown-id not configured"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the soloride API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAccessLogMiddleware(cfg.Store, basePath))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Soloride API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAccounts(group, cfg.App)
	registerRouteCatalog(group, cfg.App)
	registerStatus(group, cfg.Store)
	registerCancel(group, cfg)
	registerSearch(group, cfg)
	registerBook(group, cfg)

	// Streaming endpoints bypass huma: one holds a response open for the
	// lifetime of a run, the other upgrades to WebSocket.
	hub := ws.NewHub(cfg.Store)
	router.Get(path.Join(basePath, "status/ws"), hub.ServeHTTP)
	router.Post(path.Join(basePath, "runs"), newRunStreamHandler(cfg))

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain and upstream failures onto the error envelope.
// Upstream service problems surface as 502 so callers can distinguish them
// from soloride's own validation failures.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var authErr domain.AuthError
	if errors.As(err, &authErr) {
		return newAPIError(http.StatusBadGateway, "upstream_auth_failed", err.Error(), map[string]any{"account": authErr.AccountID})
	}
	var netErr domain.NetworkError
	if errors.As(err, &netErr) {
		return newAPIError(http.StatusBadGateway, "upstream_unreachable", err.Error(), nil)
	}
	var rejected domain.RemoteRejected
	if errors.As(err, &rejected) {
		return newAPIError(http.StatusUnprocessableEntity, "remote_rejected", err.Error(), nil)
	}
	switch {
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrRouteNotFound),
		errors.Is(err, domain.ErrRecordNotFound),
		errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// newAccessLogMiddleware records API hits into the status store's access
// log, which the snapshot surfaces to viewers.
func newAccessLogMiddleware(store *status.Store, basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store != nil && strings.HasPrefix(r.URL.Path, basePath) {
				ip := r.RemoteAddr
				if idx := strings.LastIndex(ip, ":"); idx > 0 {
					ip = ip[:idx]
				}
				if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
					ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
				}
				store.AppendAccess(ip, r.UserAgent(), r.URL.Path)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAccounts(api huma.API, cfg *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List configured accounts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AccountResponse `json:"body"`
	}, error) {
		return &struct {
			Body []AccountResponse `json:"body"`
		}{Body: accountResponses(cfg.AccountList())}, nil
	})
}

func registerRouteCatalog(api huma.API, cfg *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-routes",
		Method:      http.MethodGet,
		Path:        "/routes",
		Summary:     "List configured routes",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RouteResponse `json:"body"`
	}, error) {
		return &struct {
			Body []RouteResponse `json:"body"`
		}{Body: routeResponses(cfg)}, nil
	})
}

func registerStatus(api huma.API, store *status.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Current status snapshot",
		Description: "Pull variant of the status surface; the same snapshot shape is pushed over /status/ws.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: store.GetSnapshot()}, nil
	})
}

func registerCancel(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "cancel-ride",
		Method:      http.MethodPost,
		Path:        "/cancel",
		Summary:     "Cancel a booking",
		Description: "Idempotent: cancelling an already-cancelled or unknown booking reports success.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CancelRequest `json:"body"`
	}) (*struct {
		Body CancelResponse `json:"body"`
	}, error) {
		if input.Body.Account == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "account is required", nil)
		}
		if input.Body.RideID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ride_id is required", nil)
		}
		acct, err := cfg.App.Account(input.Body.Account)
		if err != nil {
			return nil, handleError(err)
		}
		res := cfg.Engine.Canceller.Cancel(ctx, acct, input.Body.RideID)
		resp := CancelResponse{Outcome: string(res.Outcome)}
		switch res.Outcome {
		case engine.CancelOK:
			resp.Success = true
			resp.Message = "ride cancelled"
		case engine.CancelAlreadyDone:
			resp.Success = true
			resp.Message = "ride already cancelled"
		case engine.CancelExternalFailure:
			resp.Message = res.Reason
		}
		return &struct {
			Body CancelResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSearch(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "search-proposals",
		Method:      http.MethodPost,
		Path:        "/search",
		Summary:     "Search ride proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body SearchRequest `json:"body"`
	}) (*struct {
		Body []ProposalResponse `json:"body"`
	}, error) {
		if input.Body.Account == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "account is required", nil)
		}
		acct, err := cfg.App.Account(input.Body.Account)
		if err != nil {
			return nil, handleError(err)
		}
		route, err := resolveRoute(cfg.App, input.Body.routeSelector)
		if err != nil {
			return nil, handleError(err)
		}
		proposals, err := cfg.Engine.SearchProposals(ctx, acct, route)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProposalResponse `json:"body"`
		}{Body: proposalResponses(proposals)}, nil
	})
}

func registerBook(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "book-proposal",
		Method:        http.MethodPost,
		Path:          "/book",
		Summary:       "Book a proposal for one account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body BookRequest `json:"body"`
	}) (*struct {
		Body domain.BookingRecord `json:"body"`
	}, error) {
		if input.Body.Account == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "account is required", nil)
		}
		if input.Body.ProposalRef == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "proposal_ref is required", nil)
		}
		acct, err := cfg.App.Account(input.Body.Account)
		if err != nil {
			return nil, handleError(err)
		}
		route, err := resolveRoute(cfg.App, input.Body.routeSelector)
		if err != nil {
			return nil, handleError(err)
		}
		proposal := domain.Proposal{
			Ref:     input.Body.ProposalRef,
			RideRef: input.Body.RideRef,
			Kind:    domain.RideKindShared,
		}
		rec, err := cfg.Engine.BookIndividual(ctx, acct, proposal, route)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BookingRecord `json:"body"`
		}{Body: rec}, nil
	})
}

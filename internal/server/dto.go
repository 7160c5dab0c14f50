package server

import (
	"soloride/internal/config"
	"soloride/internal/domain"
)

type AccountResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RouteResponse struct {
	ID          string          `json:"id"`
	Origin      domain.Location `json:"origin"`
	Destination domain.Location `json:"destination"`
	Default     bool            `json:"default,omitempty"`
}

// routeSelector is the shared request shape for picking a route: either a
// configured route id or an explicit origin/destination pair.
type routeSelector struct {
	RouteID     string           `json:"route_id,omitempty"`
	Origin      *domain.Location `json:"origin,omitempty"`
	Destination *domain.Location `json:"destination,omitempty"`
}

type SearchRequest struct {
	Account string `json:"account"`
	routeSelector
}

type ProposalResponse struct {
	Ref     string          `json:"proposal_ref"`
	RideRef int64           `json:"ride_ref"`
	Kind    domain.RideKind `json:"kind"`
}

type BookRequest struct {
	Account     string `json:"account"`
	ProposalRef string `json:"proposal_ref"`
	RideRef     int64  `json:"ride_ref"`
	routeSelector
}

type CancelRequest struct {
	Account string `json:"account"`
	RideID  int64  `json:"ride_id"`
}

type CancelResponse struct {
	Success bool   `json:"success"`
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

type RunRequest struct {
	Target string `json:"target"`
	routeSelector
}

func accountResponses(accounts []domain.Account) []AccountResponse {
	out := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, AccountResponse{ID: a.ID, Name: a.Name})
	}
	return out
}

func routeResponses(cfg *config.Config) []RouteResponse {
	routes := cfg.RouteList()
	out := make([]RouteResponse, 0, len(routes))
	for _, r := range routes {
		out = append(out, RouteResponse{
			ID:          r.ID,
			Origin:      r.Origin,
			Destination: r.Destination,
			Default:     r.ID == cfg.Defaults.Route,
		})
	}
	return out
}

func proposalResponses(proposals []domain.Proposal) []ProposalResponse {
	out := make([]ProposalResponse, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, ProposalResponse{Ref: p.Ref, RideRef: p.RideRef, Kind: p.Kind})
	}
	return out
}

// resolveRoute turns a selector into a concrete route. An explicit
// origin/destination pair wins over route_id; with neither present the
// configured default route applies.
func resolveRoute(cfg *config.Config, sel routeSelector) (domain.Route, error) {
	if sel.Origin != nil && sel.Destination != nil {
		return domain.Route{
			ID:          "ad-hoc",
			Origin:      *sel.Origin,
			Destination: *sel.Destination,
		}, nil
	}
	return cfg.Route(sel.RouteID)
}

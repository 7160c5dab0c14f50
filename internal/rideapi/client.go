// Package rideapi is the thin HTTP client for the external shared-ride
// service. Each call is an independent, irreversible network request; there
// are no multi-step transactions on the remote side.
package rideapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"soloride/internal/domain"
)

// Client talks to one external ride service deployment.
type Client struct {
	BaseURL string
	CityID  int
	HTTP    *http.Client
}

func New(baseURL string, cityID int, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		CityID:  cityID,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type latLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type wireLocation struct {
	LatLng  latLng `json:"latlng"`
	Address string `json:"geocoded_addr,omitempty"`
}

type whosAsking struct {
	ID        int64  `json:"id"`
	AuthToken string `json:"auth_token"`
}

func toWire(l domain.Location) wireLocation {
	return wireLocation{LatLng: latLng{Lat: l.Lat, Lng: l.Lng}, Address: l.Address}
}

type searchRequest struct {
	WhosAsking  whosAsking   `json:"whos_asking"`
	CityID      int          `json:"city_id"`
	Origin      wireLocation `json:"origin"`
	Destination wireLocation `json:"destination"`
}

type searchResponse struct {
	Proposals []struct {
		ProposalUUID       string `json:"proposal_uuid"`
		PrescheduledRideID int64  `json:"prescheduled_ride_id"`
		RideKind           string `json:"ride_kind"`
	} `json:"proposals"`
}

// Search asks for bookable proposals on the route. The returned proposals
// carry an explicit ride kind; we never guess it from payload text.
func (c *Client) Search(ctx context.Context, origin, dest domain.Location, cred domain.Credential) ([]domain.Proposal, error) {
	req := searchRequest{
		WhosAsking:  whosAsking{ID: cred.RiderID, AuthToken: cred.Token},
		CityID:      c.CityID,
		Origin:      toWire(origin),
		Destination: toWire(dest),
	}
	var res searchResponse
	if err := c.post(ctx, "/rider/proposal/search", cred.RiderID, req, &res); err != nil {
		return nil, err
	}
	out := make([]domain.Proposal, 0, len(res.Proposals))
	for _, p := range res.Proposals {
		out = append(out, domain.Proposal{
			Ref:     p.ProposalUUID,
			RideRef: p.PrescheduledRideID,
			Kind:    rideKind(p.RideKind),
		})
	}
	return out, nil
}

type bookRequest struct {
	WhosAsking         whosAsking   `json:"whos_asking"`
	CityID             int          `json:"city_id"`
	ProposalUUID       string       `json:"proposal_uuid"`
	PrescheduledRideID int64        `json:"prescheduled_ride_id"`
	Origin             wireLocation `json:"origin"`
	Destination        wireLocation `json:"destination"`
	NPassengers        int          `json:"n_passengers"`
}

type bookResponse struct {
	RideID   int64  `json:"ride_id"`
	RideKind string `json:"ride_kind"`
}

// Book books one proposal for one account.
func (c *Client) Book(ctx context.Context, p domain.Proposal, origin, dest domain.Location, cred domain.Credential) (domain.Confirmation, error) {
	req := bookRequest{
		WhosAsking:         whosAsking{ID: cred.RiderID, AuthToken: cred.Token},
		CityID:             c.CityID,
		ProposalUUID:       p.Ref,
		PrescheduledRideID: p.RideRef,
		Origin:             toWire(origin),
		Destination:        toWire(dest),
		NPassengers:        1,
	}
	var res bookResponse
	if err := c.post(ctx, "/rider/proposal/book", cred.RiderID, req, &res); err != nil {
		return domain.Confirmation{}, err
	}
	return domain.Confirmation{ExternalRideID: res.RideID, Kind: rideKind(res.RideKind)}, nil
}

type cancelRequest struct {
	WhosAsking whosAsking `json:"whos_asking"`
	RideID     int64      `json:"ride_id"`
}

// Cancel cancels one booked ride. A ride that already started is typically
// rejected by the remote side and surfaces as RemoteRejected.
func (c *Client) Cancel(ctx context.Context, rideID int64, cred domain.Credential) error {
	req := cancelRequest{WhosAsking: whosAsking{ID: cred.RiderID, AuthToken: cred.Token}, RideID: rideID}
	return c.post(ctx, "/rider/ride/cancel", cred.RiderID, req, nil)
}

type rideStateRequest struct {
	WhosAsking whosAsking `json:"whos_asking"`
	RideID     int64      `json:"ride_id"`
}

type rideStateResponse struct {
	RideKind string `json:"ride_kind"`
}

// RideState reports the current vehicle class of a booked ride. The engine
// polls this to detect the dispatch flip from shared to dedicated.
func (c *Client) RideState(ctx context.Context, rideID int64, cred domain.Credential) (domain.RideKind, error) {
	req := rideStateRequest{WhosAsking: whosAsking{ID: cred.RiderID, AuthToken: cred.Token}, RideID: rideID}
	var res rideStateResponse
	if err := c.post(ctx, "/rider/ride/state", cred.RiderID, req, &res); err != nil {
		return "", err
	}
	return rideKind(res.RideKind), nil
}

func rideKind(s string) domain.RideKind {
	if s == string(domain.RideKindDedicated) {
		return domain.RideKindDedicated
	}
	return domain.RideKindShared
}

type remoteError struct {
	Message string `json:"message"`
	Error_  string `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, riderID int64, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.HTTP.Do(req)
	if err != nil {
		return domain.NetworkError{Op: path, Err: err}
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return domain.NetworkError{Op: path, Err: err}
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return domain.AuthError{AccountID: strconv.FormatInt(riderID, 10)}
	case res.StatusCode != http.StatusOK:
		var re remoteError
		_ = json.Unmarshal(raw, &re)
		reason := re.Message
		if reason == "" {
			reason = re.Error_
		}
		if reason == "" {
			reason = fmt.Sprintf("HTTP %d", res.StatusCode)
		}
		return domain.RemoteRejected{Reason: reason}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

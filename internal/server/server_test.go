package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"soloride/internal/config"
	"soloride/internal/domain"
	"soloride/internal/engine"
	"soloride/internal/status"
)

// fakeRideService implements engine.BookingClient in memory.
type fakeRideService struct {
	mu        sync.Mutex
	nextRide  int64
	bookDelay time.Duration
	bookErr   map[int64]error
	cancelErr map[int64]error
	cancelled []int64
}

func newFakeRideService() *fakeRideService {
	return &fakeRideService{nextRide: 100, bookErr: map[int64]error{}, cancelErr: map[int64]error{}}
}

func (f *fakeRideService) Search(ctx context.Context, origin, dest domain.Location, cred domain.Credential) ([]domain.Proposal, error) {
	return []domain.Proposal{{Ref: "p-1", RideRef: 9001, Kind: domain.RideKindShared}}, nil
}

func (f *fakeRideService) Book(ctx context.Context, p domain.Proposal, origin, dest domain.Location, cred domain.Credential) (domain.Confirmation, error) {
	f.mu.Lock()
	delay := f.bookDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return domain.Confirmation{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.bookErr[cred.RiderID]; err != nil {
		return domain.Confirmation{}, err
	}
	f.nextRide++
	return domain.Confirmation{ExternalRideID: f.nextRide, Kind: domain.RideKindShared}, nil
}

func (f *fakeRideService) Cancel(ctx context.Context, rideID int64, cred domain.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cancelErr[rideID]; err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, rideID)
	return nil
}

func (f *fakeRideService) RideState(ctx context.Context, rideID int64, cred domain.Credential) (domain.RideKind, error) {
	return domain.RideKindDedicated, nil
}

func testAppConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Service.BaseURL = "http://fake"
	cfg.Service.CityID = 783
	cfg.Accounts = []config.AccountConfig{
		{ID: "target", Name: "Target Rider", Token: "t1", RiderID: 1},
		{ID: "filler-1", Name: "First Filler", Token: "t2", RiderID: 2},
		{ID: "filler-2", Name: "Second Filler", Token: "t3", RiderID: 3},
	}
	cfg.Routes = map[string]config.RouteConfig{
		"default": {
			Origin:      domain.Location{Lat: 1, Lng: 1, Address: "A"},
			Destination: domain.Location{Lat: 2, Lng: 2, Address: "B"},
		},
	}
	cfg.Defaults.Route = "default"
	cfg.Engine.PollAttempts = 1
	return cfg
}

func newTestServer(t *testing.T, auth AuthConfig) (*httptest.Server, *engine.Engine, *fakeRideService) {
	t.Helper()
	cfg := testAppConfig()
	fake := newFakeRideService()
	store := status.New(cfg.AccountList(), nil)
	e := engine.New(fake, store, nil, cfg)
	handler, err := New(Config{Engine: e, Store: store, App: cfg, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e, fake
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestAccountAndRouteCatalogs(t *testing.T) {
	srv, _, _ := newTestServer(t, AuthConfig{})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/accounts", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accounts status %d: %s", res.StatusCode, data)
	}
	var accounts []AccountResponse
	if err := json.Unmarshal(data, &accounts); err != nil {
		t.Fatalf("unmarshal accounts: %v", err)
	}
	if len(accounts) != 3 || accounts[0].ID != "target" {
		t.Fatalf("accounts %+v", accounts)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/routes", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("routes status %d: %s", res.StatusCode, data)
	}
	var routes []RouteResponse
	if err := json.Unmarshal(data, &routes); err != nil {
		t.Fatalf("unmarshal routes: %v", err)
	}
	if len(routes) != 1 || routes[0].ID != "default" || !routes[0].Default {
		t.Fatalf("routes %+v", routes)
	}
}

func TestStatusPullReflectsBookings(t *testing.T) {
	srv, e, _ := newTestServer(t, AuthConfig{})

	acct, _ := e.Config.Account("filler-1")
	e.Store.CreateBooking(status.CreateBookingParams{
		Account: acct,
		RideID:  777,
		Kind:    domain.RideKindShared,
		Source:  domain.SourceIndividual,
	})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snap.RideLog) != 1 || snap.RideLog[0].ExternalRideID != 777 {
		t.Fatalf("ride log %+v", snap.RideLog)
	}
	var filler *domain.AccountStatus
	for i := range snap.Accounts {
		if snap.Accounts[i].ID == "filler-1" {
			filler = &snap.Accounts[i]
		}
	}
	if filler == nil || filler.Status != "booked" {
		t.Fatalf("filler status %+v", filler)
	}
}

func TestCancelEndpointIsIdempotent(t *testing.T) {
	srv, e, fake := newTestServer(t, AuthConfig{})

	acct, _ := e.Config.Account("target")
	e.Store.CreateBooking(status.CreateBookingParams{
		Account: acct,
		RideID:  888,
		Kind:    domain.RideKindShared,
		Source:  domain.SourceIndividual,
	})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/cancel", CancelRequest{Account: "target", RideID: 888})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, data)
	}
	var first CancelResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !first.Success || first.Outcome != string(engine.CancelOK) {
		t.Fatalf("first cancel %+v", first)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/cancel", CancelRequest{Account: "target", RideID: 888})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second cancel status %d: %s", res.StatusCode, data)
	}
	var second CancelResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !second.Success || second.Outcome != string(engine.CancelAlreadyDone) {
		t.Fatalf("second cancel %+v", second)
	}
	if len(fake.cancelled) != 1 {
		t.Fatalf("external cancels %v, want one", fake.cancelled)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/cancel", CancelRequest{Account: "missing", RideID: 888})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown account status %d: %s", res.StatusCode, data)
	}
}

func TestRunStreamDeliversEventsAndResult(t *testing.T) {
	srv, _, _ := newTestServer(t, AuthConfig{})

	body, _ := json.Marshal(RunRequest{Target: "target"})
	res, err := http.Post(srv.URL+"/v0/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post run: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %s", ct)
	}

	var events []engine.Event
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev engine.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("got %d events, want narration plus terminal", len(events))
	}
	last := events[len(events)-1]
	if last.Type != engine.EventResult || last.Result == nil {
		t.Fatalf("last event %+v, want result", last)
	}
	if last.Result.Booking.AccountID != "target" {
		t.Fatalf("result booking for %s", last.Result.Booking.AccountID)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Type != engine.EventLog {
			t.Fatalf("non-log event before terminal: %+v", ev)
		}
	}
}

func TestRunStreamSurvivesViewerDisconnect(t *testing.T) {
	srv, e, fake := newTestServer(t, AuthConfig{})
	fake.mu.Lock()
	fake.bookDelay = 50 * time.Millisecond
	fake.mu.Unlock()

	body, _ := json.Marshal(RunRequest{Target: "target"})
	res, err := http.Post(srv.URL+"/v0/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post run: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d", res.StatusCode)
	}
	// Walk away while the fillers are still being booked.
	res.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := e.Store.GetSnapshot()
		var target *domain.AccountStatus
		for i := range snap.Accounts {
			if snap.Accounts[i].ID == "target" {
				target = &snap.Accounts[i]
			}
		}
		if target.Status == "booked" && len(target.ActiveBookings) == 1 {
			return
		}
		if target.Status == "error" {
			t.Fatalf("run aborted after disconnect: %s", target.Message)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish, target %+v", *target)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunStreamRejectsUnknownTarget(t *testing.T) {
	srv, _, _ := newTestServer(t, AuthConfig{})

	body, _ := json.Marshal(RunRequest{Target: "missing"})
	res, err := http.Post(srv.URL+"/v0/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post run: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", res.StatusCode)
	}
}

func TestStatusWebSocketPushesSnapshots(t *testing.T) {
	srv, e, _ := newTestServer(t, AuthConfig{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first struct {
		Type string          `json:"type"`
		Data domain.Snapshot `json:"data"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first.Type != "snapshot" {
		t.Fatalf("frame type %s", first.Type)
	}
	if len(first.Data.RideLog) != 0 {
		t.Fatalf("initial ride log %+v", first.Data.RideLog)
	}

	acct, _ := e.Config.Account("filler-2")
	e.Store.CreateBooking(status.CreateBookingParams{
		Account: acct,
		RideID:  999,
		Kind:    domain.RideKindShared,
		Source:  domain.SourceIndividual,
	})

	var next struct {
		Type string          `json:"type"`
		Data domain.Snapshot `json:"data"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read pushed frame: %v", err)
	}
	if len(next.Data.RideLog) != 1 || next.Data.RideLog[0].ExternalRideID != 999 {
		t.Fatalf("pushed ride log %+v", next.Data.RideLog)
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	srv, _, _ := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/accounts", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code %s", envelope.Error.Code)
	}

	// Health stays open.
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

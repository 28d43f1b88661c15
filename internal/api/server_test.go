package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/pulsewire/internal/alertstore"
	"github.com/nugget/pulsewire/internal/distribution"
	"github.com/nugget/pulsewire/internal/publish"
	"github.com/nugget/pulsewire/internal/publisherregistry"
	"github.com/nugget/pulsewire/internal/query"
	"github.com/nugget/pulsewire/internal/subscriberregistry"
)

func setupServer(t *testing.T) *Server {
	t.Helper()

	openDB := func(name string) *sql.DB {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("open %s db: %v", name, err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	}

	subs, err := subscriberregistry.New(openDB("subscribers"), nil)
	if err != nil {
		t.Fatalf("new subscriberregistry: %v", err)
	}
	pubs, err := publisherregistry.New(openDB("publishers"))
	if err != nil {
		t.Fatalf("new publisherregistry: %v", err)
	}
	store, err := alertstore.New(openDB("alerts"), 10000, 0)
	if err != nil {
		t.Fatalf("new alertstore: %v", err)
	}

	fabric := distribution.New(subs, distribution.Config{TrialMode: true}, nil)
	publishSvc := publish.New(pubs, store, fabric, nil)
	querySvc := query.New(store)

	return NewServer("", 0, subs, pubs, fabric, publishSvc, querySvc, nil)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleSubscribe_CreatesSubscriber(t *testing.T) {
	s := setupServer(t)
	handler := s.Handler()

	rec := doJSON(t, handler, "POST", "/v1/subscribers", subscribeRequest{Channels: []string{"defi/hacks"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp subscriberResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" {
		t.Error("expected a minted subscriber id")
	}
	if !resp.Active {
		t.Error("expected new subscriber to be active")
	}
}

func TestHandleGetSubscription_NotFound(t *testing.T) {
	s := setupServer(t)
	handler := s.Handler()

	rec := doJSON(t, handler, "GET", "/v1/subscribers/nonexistent", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleListChannels_ReturnsEnumeration(t *testing.T) {
	s := setupServer(t)
	handler := s.Handler()

	rec := doJSON(t, handler, "GET", "/v1/channels", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Channels) == 0 {
		t.Error("expected a non-empty channel list")
	}
}

func TestHandleRegisterPublisher_ReturnsAPIKey(t *testing.T) {
	s := setupServer(t)
	handler := s.Handler()

	rec := doJSON(t, handler, "POST", "/v1/publishers", registerPublisherRequest{
		Name:     "chain-sentinel",
		Channels: []string{"defi/hacks"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Publisher publisherResponse `json:"publisher"`
		APIKey    string            `json:"apiKey"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.APIKey == "" {
		t.Error("expected a plaintext api key in the registration response")
	}
	if resp.Publisher.ID == "" {
		t.Error("expected a minted publisher id")
	}
}

func TestHandlePublish_EndToEnd(t *testing.T) {
	s := setupServer(t)
	handler := s.Handler()

	regRec := doJSON(t, handler, "POST", "/v1/publishers", registerPublisherRequest{
		Name:     "chain-sentinel",
		Channels: []string{"defi/hacks"},
	})
	var reg struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.Unmarshal(regRec.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode registration: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/publish", bytes.NewBufferString(`{
		"channel": "defi/hacks",
		"headline": "Protocol Z exploited for $4M",
		"summary": "An oracle manipulation attack drained the lending pool overnight.",
		"sourceUrl": "https://example.com/reports/protocol-z"
	}`))
	req.Header.Set("Authorization", "Bearer "+reg.APIKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePublish_MissingBearerToken(t *testing.T) {
	s := setupServer(t)
	handler := s.Handler()

	req := httptest.NewRequest("POST", "/v1/publish", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandleStream_UnknownSubscriberSendsErrorFrame(t *testing.T) {
	s := setupServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?subscriberId=nonexistent"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var frame distribution.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != distribution.FrameError {
		t.Errorf("frame.Type = %q, want %q", frame.Type, distribution.FrameError)
	}
	if frame.Message == "" {
		t.Error("expected a non-empty error message")
	}
}

func TestHandleOpsEvents_NoBusConfigured(t *testing.T) {
	s := setupServer(t)
	handler := s.Handler()

	req := httptest.NewRequest("GET", "/v1/ops/events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleWhoAmI_InvalidKey(t *testing.T) {
	s := setupServer(t)
	handler := s.Handler()

	req := httptest.NewRequest("GET", "/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

package chainmirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeOracleMsg struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	WalletAddress string `json:"wallet_address"`
}

// startFakeOracle runs an in-process WebSocket server implementing the
// auth handshake and a single get_balance responder, returning balance
// for walletAddress "0xknown" and an error for anything else.
func startFakeOracle(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]string{"type": "auth_required"}); err != nil {
			return
		}

		var auth map[string]string
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth["token"] != "test-token" {
			conn.WriteJSON(map[string]string{"type": "auth_invalid"})
			return
		}
		if err := conn.WriteJSON(map[string]string{"type": "auth_ok"}); err != nil {
			return
		}

		for {
			var req fakeOracleMsg
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			if req.WalletAddress == "0xknown" {
				result, _ := json.Marshal(balanceResult{Balance: 12.5, AlertsReceived: 4, Active: true})
				conn.WriteJSON(wsMessage{ID: req.ID, Type: "result", Success: true, Result: result})
				continue
			}

			conn.WriteJSON(wsMessage{
				ID: req.ID, Type: "result", Success: false,
				Error: &wsError{Code: "not_found", Message: "unknown wallet"},
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ConnectAndGetBalance(t *testing.T) {
	srv := startFakeOracle(t)
	url := "http" + strings.TrimPrefix(srv.URL, "http")

	c := New(url, "test-token", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	balance, received, active, ok := c.GetBalance(ctx, "0xknown")
	if !ok {
		t.Fatal("expected ok=true for known wallet")
	}
	if balance != 12.5 {
		t.Errorf("balance = %v, want 12.5", balance)
	}
	if received != 4 {
		t.Errorf("alertsReceived = %v, want 4", received)
	}
	if !active {
		t.Error("expected active=true")
	}
}

func TestClient_GetBalance_FallsBackToCacheOnError(t *testing.T) {
	srv := startFakeOracle(t)
	url := "http" + strings.TrimPrefix(srv.URL, "http")

	c := New(url, "test-token", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	// Prime the cache with a successful lookup.
	if _, _, _, ok := c.GetBalance(ctx, "0xknown"); !ok {
		t.Fatal("expected initial lookup to succeed")
	}

	// An unknown wallet with no cache entry reports unreachable/not-found.
	_, _, _, ok := c.GetBalance(ctx, "0xunknown")
	if ok {
		t.Error("expected ok=false for an unknown wallet with no cache entry")
	}
}

func TestClient_Connect_AuthFailure(t *testing.T) {
	srv := startFakeOracle(t)
	url := "http" + strings.TrimPrefix(srv.URL, "http")

	c := New(url, "wrong-token", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected Connect to fail with a bad token")
	}
}

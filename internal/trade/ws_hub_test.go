package trade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, h *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, got %d", n, h.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_FiltersByMarket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	luna := dialHub(t, srv, "?market=LUNA-PERP")
	all := dialHub(t, srv, "")
	waitForSubscribers(t, hub, 2)

	hub.Broadcast(WSMessage{Type: MsgTradeExecuted, MarketIndex: 2, Market: "BTC-PERP", MarkPrice: "1"})
	hub.Broadcast(WSMessage{Type: MsgTradeExecuted, MarketIndex: 1, Market: "LUNA-PERP", MarkPrice: "2"})

	var msg WSMessage
	luna.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := luna.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Market != "LUNA-PERP" || msg.MarkPrice != "2" {
		t.Errorf("expected only the LUNA-PERP update, got %+v", msg)
	}

	all.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"BTC-PERP", "LUNA-PERP"} {
		if err := all.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Market != want {
			t.Errorf("expected %s, got %s", want, msg.Market)
		}
	}
}

func TestWSSubscriber_Wants(t *testing.T) {
	msg := WSMessage{MarketIndex: 1, Market: "LUNA-PERP"}
	tests := []struct {
		market string
		want   bool
	}{
		{"", true},
		{"1", true},
		{"LUNA-PERP", true},
		{"2", false},
		{"BTC-PERP", false},
	}
	for _, tt := range tests {
		sub := &wsSubscriber{market: tt.market}
		if got := sub.wants(msg); got != tt.want {
			t.Errorf("market %q: expected %v, got %v", tt.market, tt.want, got)
		}
	}
}

func TestWSHub_NilBroadcast(t *testing.T) {
	var hub *WSHub
	hub.Broadcast(WSMessage{Type: MsgOracleUpdated})
}

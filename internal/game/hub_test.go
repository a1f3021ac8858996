package game_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cavecrawl/game-engine/internal/game"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHub_BroadcastReachesClients(t *testing.T) {
	hub := game.NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let registration land

	hub.Broadcast(game.Event{
		Type:      "session_completed",
		SessionID: "s-1",
		Username:  "player-one",
		Result:    "win",
		NetResult: "0.11",
		Rounds:    3,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var ev game.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != "session_completed" || ev.SessionID != "s-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestHub_DroppedClientDoesNotBlockBroadcast(t *testing.T) {
	// A client whose connection died must be pruned during broadcast while
	// its ping goroutine is still polling the client set, and the remaining
	// clients must keep receiving.
	hub := game.NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	gone := dialWS(t, srv)
	alive := dialWS(t, srv)
	defer alive.Close()
	time.Sleep(50 * time.Millisecond)

	gone.Close()

	for i := 0; i < 5; i++ {
		hub.Broadcast(game.Event{Type: "session_completed", SessionID: "s-2"})
		time.Sleep(10 * time.Millisecond)
	}

	alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 5; i++ {
		if _, _, err := alive.ReadMessage(); err != nil {
			t.Fatalf("surviving client lost broadcast %d: %v", i, err)
		}
	}
}

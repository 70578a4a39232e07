package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"

	"github.com/cory-johannsen/duel/internal/config"
	"github.com/cory-johannsen/duel/internal/realtime"
	"github.com/cory-johannsen/duel/internal/realtime/hub"
	"github.com/cory-johannsen/duel/internal/realtime/wsclient"
	"github.com/cory-johannsen/duel/internal/relay"
)

func relayConfig(url string) config.RelayConfig {
	return config.RelayConfig{
		Host:         "127.0.0.1",
		Port:         8090,
		URL:          url,
		WriteTimeout: 2 * time.Second,
		PingInterval: 50 * time.Millisecond,
		JoinTimeout:  2 * time.Second,
		SendBuffer:   16,
	}
}

type fixture struct {
	hub    *hub.Hub
	server *httptest.Server
	dialer *wsclient.Dialer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := hub.New(logger, 16)
	srv := relay.NewServer(h, relayConfig("ws://unused"), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return &fixture{
		hub:    h,
		server: ts,
		dialer: wsclient.NewDialer(relayConfig(wsURL), logger),
	}
}

type statusLog struct {
	mu  sync.Mutex
	got []realtime.Status
}

func (s *statusLog) record(st realtime.Status, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, st)
}

func (s *statusLog) seen(st realtime.Status) func() bool {
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, g := range s.got {
			if g == st {
				return true
			}
		}
		return false
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthzReportsFailedCheck(t *testing.T) {
	logger := zaptest.NewLogger(t)
	srv := relay.NewServer(hub.New(logger, 16), relayConfig("ws://unused"), logger)
	srv.AddCheck("database", func(context.Context) error { return errors.New("connection refused") })
	srv.AddCheck("noop", func(context.Context) error { return nil })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Failed map[string]string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]string{"database": "connection refused"}, body.Failed)
}

func TestRealtimeRequiresKey(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/realtime/room:1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketChannelsExchangeBroadcastAndPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	host := f.dialer.Channel("room:1", realtime.ChannelOptions{PresenceKey: "host"})
	guest := f.dialer.Channel("room:1", realtime.ChannelOptions{PresenceKey: "guest"})

	received := make(chan realtime.Message, 1)
	left := make(chan string, 1)
	host.OnBroadcast("game_action", func(m realtime.Message) { received <- m })
	host.OnPresence(realtime.PresenceLeave, func(ev realtime.PresenceEvent) { left <- ev.Key })

	var hs, gs statusLog
	require.NoError(t, host.Subscribe(ctx, hs.record))
	require.NoError(t, guest.Subscribe(ctx, gs.record))
	require.Eventually(t, hs.seen(realtime.StatusSubscribed), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, gs.seen(realtime.StatusSubscribed), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, guest.Track(ctx, realtime.Presence{PlayerID: "guest", OnlineAt: time.Now()}))
	require.Eventually(t, func() bool { return len(host.PresenceState()["guest"]) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, guest.Send(ctx, "game_action", map[string]any{"action_type": "build_tower"}))
	select {
	case m := <-received:
		assert.Equal(t, "guest", m.Sender)
		assert.JSONEq(t, `{"action_type":"build_tower"}`, string(m.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not relayed")
	}

	require.NoError(t, guest.Unsubscribe(ctx))
	select {
	case key := <-left:
		assert.Equal(t, "guest", key)
	case <-time.After(2 * time.Second):
		t.Fatal("presence leave not relayed")
	}
	require.Eventually(t, gs.seen(realtime.StatusClosed), 2*time.Second, 10*time.Millisecond)
	require.NoError(t, host.Unsubscribe(ctx))
}

func TestEvictedConnectionReportsChannelError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch := f.dialer.Channel("room:2", realtime.ChannelOptions{PresenceKey: "p1"})
	var st statusLog
	require.NoError(t, ch.Subscribe(ctx, st.record))
	require.Eventually(t, st.seen(realtime.StatusSubscribed), 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return f.hub.Evict("room:2", "p1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, st.seen(realtime.StatusChannelError), 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, ch.Send(ctx, "game_action", nil), realtime.ErrNotSubscribed)
}

func TestDialFailureReportsChannelError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	d := wsclient.NewDialer(relayConfig("ws://127.0.0.1:1"), logger)
	ch := d.Channel("room:3", realtime.ChannelOptions{PresenceKey: "p1"})

	var st statusLog
	require.NoError(t, ch.Subscribe(context.Background(), st.record))
	require.Eventually(t, func() bool {
		return st.seen(realtime.StatusChannelError)() || st.seen(realtime.StatusTimedOut)()
	}, 3*time.Second, 10*time.Millisecond)
}

// silentRelay accepts websockets and answers with first, or with nothing when
// first is empty.
func silentRelay(t *testing.T, first string) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if first != "" {
			_ = conn.Write(r.Context(), websocket.MessageText, []byte(first))
		}
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestJoinTimeoutReportsTimedOut(t *testing.T) {
	cfg := relayConfig(silentRelay(t, ""))
	cfg.JoinTimeout = 100 * time.Millisecond
	ch := wsclient.NewDialer(cfg, zaptest.NewLogger(t)).Channel("room:4", realtime.ChannelOptions{PresenceKey: "p1"})

	var st statusLog
	require.NoError(t, ch.Subscribe(context.Background(), st.record))
	require.Eventually(t, st.seen(realtime.StatusTimedOut), 3*time.Second, 10*time.Millisecond)
	assert.False(t, st.seen(realtime.StatusSubscribed)())
	assert.False(t, st.seen(realtime.StatusChannelError)())
}

func TestUnexpectedFirstFrameReportsChannelError(t *testing.T) {
	ch := wsclient.NewDialer(relayConfig(silentRelay(t, `{"type":"broadcast","event":"game_action"}`)), zaptest.NewLogger(t)).
		Channel("room:5", realtime.ChannelOptions{PresenceKey: "p1"})

	var st statusLog
	require.NoError(t, ch.Subscribe(context.Background(), st.record))
	require.Eventually(t, st.seen(realtime.StatusChannelError), 3*time.Second, 10*time.Millisecond)
	assert.False(t, st.seen(realtime.StatusSubscribed)())
}

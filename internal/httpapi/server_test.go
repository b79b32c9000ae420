package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/callbridge/internal/bridge"
	"github.com/antoniostano/callbridge/internal/config"
	"github.com/antoniostano/callbridge/internal/logging"
	"github.com/antoniostano/callbridge/internal/observability"
	"github.com/antoniostano/callbridge/internal/protocol"
	"github.com/antoniostano/callbridge/internal/realtime"
	"github.com/antoniostano/callbridge/internal/session"
)

func newTestServer(t *testing.T, dial bridge.DialFunc) (*Server, *session.Manager, *httptest.Server) {
	t.Helper()
	cfg := config.Config{
		RealtimeModel:        "test-model",
		SessionUpdateTrigger: config.TriggerDelay,
	}
	calls := session.NewManager(2 * time.Minute)
	metrics := observability.NewMetrics("test_httpapi_" + strings.ToLower(t.Name()))
	srv := New(cfg, calls, Options{
		Bridge: bridge.Config{
			SessionConfig:      protocol.NewSessionConfig("alloy", "be brief", 0.8),
			SessionUpdateDelay: 10 * time.Millisecond,
		},
		Dial:    dial,
		Metrics: metrics,
		Logger:  logging.Discard(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.CloseCalls()
		ts.Close()
	})
	return srv, calls, ts
}

func TestRootStatus(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET / status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode root response: %v", err)
	}
	if body["message"] != statusMessage {
		t.Fatalf("message = %q, want %q", body["message"], statusMessage)
	}
}

func TestIncomingCallAnyMethod(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	host := strings.TrimPrefix(ts.URL, "http://")

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut} {
		req, _ := http.NewRequest(method, ts.URL+"/incoming-call", nil)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s /incoming-call error = %v", method, err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()

		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, want %d", method, res.StatusCode, http.StatusOK)
		}
		if ct := res.Header.Get("Content-Type"); ct != "text/xml" {
			t.Fatalf("%s content type = %q, want text/xml", method, ct)
		}
		want := `<Response><Connect><Stream url="wss://` + host + `/media-stream"></Stream></Connect></Response>`
		if !strings.Contains(string(body), want) {
			t.Fatalf("%s body = %s, want it to contain %s", method, body, want)
		}
		if !strings.HasPrefix(string(body), "<?xml") {
			t.Fatalf("%s body missing xml header: %s", method, body)
		}
	}
}

func TestGetUnknownCall(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/calls/missing")
	if err != nil {
		t.Fatalf("GET call error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestReadyRequiresDialer(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestPerfLatencyRoute(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap map[string]any
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf response: %v", err)
	}
	if _, ok := snap["stages"]; !ok {
		t.Fatalf("perf response missing stages: %+v", snap)
	}
}

func TestMediaStreamRejectsForeignOrigin(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	header := http.Header{}
	header.Set("Origin", "https://elsewhere.example")
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "/media-stream"), header)
	if err == nil {
		t.Fatalf("expected handshake to fail")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", res)
	}
}

// fakeRealtime answers the first input_audio_buffer.append following a
// session.update with one audio delta and records what it received.
func fakeRealtime(t *testing.T, received chan<- map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created","session":{"id":"sess_1"}}`))

		configured, answered := false, false
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case received <- msg:
			default:
			}
			if msg["type"] == "session.update" {
				configured = true
			}
			if msg["type"] == "input_audio_buffer.append" && configured && !answered {
				answered = true
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","delta":"BBBB"}`))
			}
		}
	}))
}

// realtimeDial dials the fake realtime server through the production client.
func realtimeDial(ai *httptest.Server) bridge.DialFunc {
	client := realtime.NewClient(realtime.Config{
		APIKey: "sk-test",
		URL:    "ws" + strings.TrimPrefix(ai.URL, "http"),
		Model:  "test-model",
	})
	return func(ctx context.Context) (bridge.Conn, error) {
		conn, err := client.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// dialTelephony opens a media stream and returns the frames the bridge sends
// back on it.
func dialTelephony(t *testing.T, ts *httptest.Server) (*websocket.Conn, <-chan string) {
	t.Helper()
	tel, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/media-stream"), nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	t.Cleanup(func() { tel.Close() })

	frames := make(chan string, 4)
	go func() {
		for {
			_, data, err := tel.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			frames <- string(data)
		}
	}()
	return tel, frames
}

func writeFrame(t *testing.T, tel *websocket.Conn, raw string) {
	t.Helper()
	if err := tel.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write %s: %v", raw, err)
	}
}

// awaitAudio keeps sending caller audio until the bridge relays a frame back.
func awaitAudio(t *testing.T, tel *websocket.Conn, frames <-chan string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("media stream closed while waiting for bridged audio")
			}
			return f
		case <-ticker.C:
			_ = tel.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","media":{"payload":"AAAA"}}`))
		case <-deadline:
			t.Fatalf("timed out waiting for bridged audio")
		}
	}
}

func TestMediaStreamBridgesToRealtime(t *testing.T) {
	received := make(chan map[string]any, 256)
	ai := fakeRealtime(t, received)
	defer ai.Close()

	_, calls, ts := newTestServer(t, realtimeDial(ai))

	tel, frames := dialTelephony(t, ts)
	writeFrame(t, tel, `{"event":"start","start":{"streamSid":"SID1","callSid":"CA1"}}`)
	got := awaitAudio(t, tel, frames)

	want := `{"event":"media","streamSid":"SID1","media":{"payload":"BBBB"}}`
	if got != want {
		t.Fatalf("telephony frame = %s, want %s", got, want)
	}

	updates := 0
	for len(received) > 0 {
		if msg := <-received; msg["type"] == "session.update" {
			updates++
		}
	}
	if updates != 1 {
		t.Fatalf("session.update messages = %d, want 1", updates)
	}

	list := calls.List()
	if len(list) != 1 {
		t.Fatalf("calls = %d, want 1", len(list))
	}
	if list[0].StreamSID != "SID1" || list[0].CallSID != "CA1" {
		t.Fatalf("unexpected call record: %+v", list[0])
	}

	_ = tel.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	tel.Close()

	deadline := time.After(3 * time.Second)
	for calls.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("call still active after telephony close")
		case <-time.After(10 * time.Millisecond):
		}
	}
	call, err := calls.Get(list[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if call.Status != session.StatusEnded || call.AILeg != session.LegClosed || !call.Configured {
		t.Fatalf("call after hangup = %+v, want ended with AI leg closed", call)
	}
}

func TestConcurrentCallsAreIsolated(t *testing.T) {
	received := make(chan map[string]any, 256)
	ai := fakeRealtime(t, received)
	defer ai.Close()

	_, calls, ts := newTestServer(t, realtimeDial(ai))

	telA, framesA := dialTelephony(t, ts)
	telB, framesB := dialTelephony(t, ts)
	writeFrame(t, telA, `{"event":"start","start":{"streamSid":"SID-A","callSid":"CA-A"}}`)
	writeFrame(t, telB, `{"event":"start","start":{"streamSid":"SID-B","callSid":"CA-B"}}`)
	writeFrame(t, telB, `not json`)
	writeFrame(t, telB, `{"event":"media"}`)

	if got, want := awaitAudio(t, telA, framesA), `{"event":"media","streamSid":"SID-A","media":{"payload":"BBBB"}}`; got != want {
		t.Fatalf("call A frame = %s, want %s", got, want)
	}
	if got, want := awaitAudio(t, telB, framesB), `{"event":"media","streamSid":"SID-B","media":{"payload":"BBBB"}}`; got != want {
		t.Fatalf("call B frame = %s, want %s", got, want)
	}

	if n := calls.ActiveCount(); n != 2 {
		t.Fatalf("active calls = %d, want 2", n)
	}
	seen := map[string]bool{}
	for _, c := range calls.List() {
		seen[c.StreamSID] = true
	}
	if !seen["SID-A"] || !seen["SID-B"] {
		t.Fatalf("call records = %+v, want SID-A and SID-B", calls.List())
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

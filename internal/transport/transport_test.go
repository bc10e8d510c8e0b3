package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/TrainLCD/THQ/internal/auth"
	"github.com/TrainLCD/THQ/internal/hub"
	"github.com/TrainLCD/THQ/internal/ingest"
	"github.com/TrainLCD/THQ/internal/segment"
	"github.com/TrainLCD/THQ/internal/storage"
	"github.com/TrainLCD/THQ/internal/topology"
)

func newTestServer(t *testing.T, verifier *auth.Verifier) (*Server, *httptest.Server) {
	t.Helper()
	h := hub.New(16, nil)
	est := segment.New(topology.Empty())
	store := &storage.Storage{}
	pipeline := ingest.New(h, est, store, nil)
	srv := New(h, pipeline, verifier, store, nil, func() bool { return true })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHandleHealthzReturnsOK(t *testing.T) {
	_, ts := newTestServer(t, auth.NewVerifier("", false))
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleReadyzReflectsReadyFunc(t *testing.T) {
	h := hub.New(16, nil)
	est := segment.New(topology.Empty())
	store := &storage.Storage{}
	pipeline := ingest.New(h, est, store, nil)
	srv := New(h, pipeline, auth.NewVerifier("", false), store, nil, func() bool { return false })
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDuplexUpgradeRejectedWithoutToken(t *testing.T) {
	_, ts := newTestServer(t, auth.NewVerifier("secret", true))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestDuplexSubscribeReceivesBroadcastLocationUpdate(t *testing.T) {
	srv, ts := newTestServer(t, auth.NewVerifier("", false))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","device":"dev-1"}`)))

	// Give the server a moment to register the subscriber before broadcasting.
	time.Sleep(50 * time.Millisecond)
	srv.hub.Broadcast(`{"type":"location_update"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	// The first frame is the subscriber-connected log the server broadcasts
	// on subscribe.
	_, announce, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(announce), "subscriber connected")

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "location_update")
}

func TestDuplexRejectsBinaryFrames(t *testing.T) {
	_, ts := newTestServer(t, auth.NewVerifier("", false))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var errEnvelope struct {
		Type  string `json:"type"`
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(msg, &errEnvelope))
	require.Equal(t, "websocket_message_error", errEnvelope.Error.Type)
}

func TestHandleLocationRESTRejectsWithoutBearerToken(t *testing.T) {
	_, ts := newTestServer(t, auth.NewVerifier("secret", true))
	resp, err := http.Post(ts.URL+"/api/location", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body restResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.False(t, body.OK)
	require.Contains(t, body.Error.Reason, "invalid")
}

func TestHandleLocationRESTAcceptsValidRequest(t *testing.T) {
	_, ts := newTestServer(t, auth.NewVerifier("secret", true))
	body := []byte(`{"device":"dev-1","state":"moving","line_id":1,"coords":{"latitude":35.0,"longitude":139.0},"timestamp":1000}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/location", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded restResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.True(t, decoded.OK)
	require.NotEmpty(t, decoded.ID)
}

func TestHandleLocationRESTWrongTokenYields401AndCorrectTokenYields200(t *testing.T) {
	_, ts := newTestServer(t, auth.NewVerifier("secret", true))
	body := []byte(`{"device":"dev-1","state":"moving","line_id":1,"coords":{"latitude":35.0,"longitude":139.0},"timestamp":1000}`)

	wrongReq, err := http.NewRequest(http.MethodPost, ts.URL+"/api/location", bytes.NewReader(body))
	require.NoError(t, err)
	wrongReq.Header.Set("Authorization", "Bearer wrong")
	wrongReq.Header.Set("Content-Type", "application/json")
	wrongResp, err := http.DefaultClient.Do(wrongReq)
	require.NoError(t, err)
	defer wrongResp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, wrongResp.StatusCode)
	var wrongBody restResponse
	require.NoError(t, json.NewDecoder(wrongResp.Body).Decode(&wrongBody))
	require.False(t, wrongBody.OK)
	require.Contains(t, wrongBody.Error.Reason, "invalid")

	correctReq, err := http.NewRequest(http.MethodPost, ts.URL+"/api/location", bytes.NewReader(body))
	require.NoError(t, err)
	correctReq.Header.Set("Authorization", "Bearer secret")
	correctReq.Header.Set("Content-Type", "application/json")
	correctResp, err := http.DefaultClient.Do(correctReq)
	require.NoError(t, err)
	defer correctResp.Body.Close()
	require.Equal(t, http.StatusOK, correctResp.StatusCode)
	var correctBody restResponse
	require.NoError(t, json.NewDecoder(correctResp.Body).Decode(&correctBody))
	require.True(t, correctBody.OK)
	require.NotEmpty(t, correctBody.ID)
}

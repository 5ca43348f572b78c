package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/outdial/internal/bridge"
	"github.com/ent0n29/outdial/internal/calls"
	"github.com/ent0n29/outdial/internal/callstore"
	"github.com/ent0n29/outdial/internal/config"
	"github.com/ent0n29/outdial/internal/dispatch"
	"github.com/ent0n29/outdial/internal/observability"
	"github.com/ent0n29/outdial/internal/twilio"
)

type fakeProvider struct {
	originateSID string
	originateErr error
}

func (f *fakeProvider) Originate(ctx context.Context, req twilio.OriginateRequest) (string, error) {
	if f.originateErr != nil {
		return "", f.originateErr
	}
	return f.originateSID, nil
}

func (f *fakeProvider) Terminate(ctx context.Context, providerCallID string) error {
	return nil
}

func newTestServer(t *testing.T, provider *fakeProvider) (*Server, *callstore.Store) {
	t.Helper()
	cfg := config.Config{
		PublicURL:          "https://bridge.example.com",
		DefaultCallTimeout: time.Minute,
	}
	store := callstore.NewStore()
	metrics := observability.NewMetrics("test")
	callService := calls.NewService(store, provider, metrics, cfg.PublicURL, cfg.DefaultCallTimeout)
	registry := dispatch.NewRegistry()
	runner := dispatch.NewRunner(registry, 4)
	b := bridge.New(store, registry, runner, nil, metrics, bridge.Config{})
	return New(cfg, store, callService, b, metrics), store
}

func doJSON(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeProvider{originateSID: "CA1"})
	rr := doJSON(t, srv.Router(), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestPlaceCallAndStatus(t *testing.T) {
	srv, _ := newTestServer(t, &fakeProvider{originateSID: "CA100"})
	router := srv.Router()

	rr := doJSON(t, router, http.MethodPost, "/v1/calls",
		`{"to":"+15550001111","from":"+15550002222","goal":"order pizza"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		CallID string `json:"call_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.CallID == "" {
		t.Fatalf("call_id missing in response")
	}

	rr = doJSON(t, router, http.MethodGet, "/v1/calls/"+created.CallID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var snap struct {
		State string `json:"state"`
		To    string `json:"to"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != "dialing" || snap.To != "+15550001111" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPlaceCallValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeProvider{originateSID: "CA1"})
	rr := doJSON(t, srv.Router(), http.MethodPost, "/v1/calls", `{"to":"+15550001111"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestPlaceCallOriginateFailure(t *testing.T) {
	srv, _ := newTestServer(t, &fakeProvider{originateErr: errors.New("provider down")})
	rr := doJSON(t, srv.Router(), http.MethodPost, "/v1/calls",
		`{"to":"+15550001111","from":"+15550002222","goal":"order pizza"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	var body struct {
		CallID string `json:"call_id"`
		Code   string `json:"code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.CallID == "" || body.Code != "originate_failed" {
		t.Fatalf("body = %+v", body)
	}
}

func TestCancelCall(t *testing.T) {
	srv, _ := newTestServer(t, &fakeProvider{originateSID: "CA100"})
	router := srv.Router()

	rr := doJSON(t, router, http.MethodPost, "/v1/calls",
		`{"to":"+15550001111","from":"+15550002222","goal":"order pizza"}`)
	var created struct {
		CallID string `json:"call_id"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &created)

	rr = doJSON(t, router, http.MethodPost, "/v1/calls/"+created.CallID+"/cancel", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, router, http.MethodPost, "/v1/calls/"+created.CallID+"/cancel", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rr.Code)
	}

	rr = doJSON(t, router, http.MethodPost, "/v1/calls/unknown/cancel", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown cancel status = %d, want 404", rr.Code)
	}
}

func TestTranscriptLifecycle(t *testing.T) {
	srv, store := newTestServer(t, &fakeProvider{originateSID: "CA100"})
	router := srv.Router()

	rr := doJSON(t, router, http.MethodPost, "/v1/calls",
		`{"to":"+15550001111","from":"+15550002222","goal":"order pizza"}`)
	var created struct {
		CallID string `json:"call_id"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &created)

	rr = doJSON(t, router, http.MethodGet, "/v1/calls/"+created.CallID+"/transcript", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("empty transcript status = %d, want 202", rr.Code)
	}

	_ = store.Apply(created.CallID, callstore.Update{State: callstore.StateConnected})
	_ = store.AppendTranscript(created.CallID, "assistant", "hello")

	rr = doJSON(t, router, http.MethodGet, "/v1/calls/"+created.CallID+"/transcript", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("transcript status = %d, want 200", rr.Code)
	}
	var view struct {
		Transcript []struct {
			Role string `json:"role"`
		} `json:"transcript"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if len(view.Transcript) != 1 || view.Transcript[0].Role != "assistant" {
		t.Fatalf("transcript = %+v", view.Transcript)
	}
}

func TestStatusWebhookAdvancesCall(t *testing.T) {
	srv, store := newTestServer(t, &fakeProvider{originateSID: "CA100"})
	router := srv.Router()

	rr := doJSON(t, router, http.MethodPost, "/v1/calls",
		`{"to":"+15550001111","from":"+15550002222","goal":"order pizza"}`)
	var created struct {
		CallID string `json:"call_id"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &created)

	form := url.Values{}
	form.Set("CallSid", "CA100")
	form.Set("CallStatus", "in-progress")
	req := httptest.NewRequest(http.MethodPost, "/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	wr := httptest.NewRecorder()
	router.ServeHTTP(wr, req)
	if wr.Code != http.StatusNoContent {
		t.Fatalf("webhook status = %d, want 204", wr.Code)
	}

	rec, _ := store.Get(created.CallID)
	if rec.State != callstore.StateConnected {
		t.Fatalf("state = %q, want connected", rec.State)
	}
}

func TestTwiMLPointsAtMediaStream(t *testing.T) {
	srv, _ := newTestServer(t, &fakeProvider{originateSID: "CA1"})
	rr := doJSON(t, srv.Router(), http.MethodPost, "/twiml", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("Content-Type = %q, want text/xml", ct)
	}
	if !strings.Contains(rr.Body.String(), `<Stream url="wss://bridge.example.com/call" />`) {
		t.Fatalf("twiml = %s", rr.Body.String())
	}
}

func TestWebsocketURL(t *testing.T) {
	if got := websocketURL("https://x.example.com/", "/call"); got != "wss://x.example.com/call" {
		t.Fatalf("websocketURL(https) = %q", got)
	}
	if got := websocketURL("http://localhost:8081", "/call"); got != "ws://localhost:8081/call" {
		t.Fatalf("websocketURL(http) = %q", got)
	}
}

func TestTelephonyWebsocketBindsCall(t *testing.T) {
	srv, store := newTestServer(t, &fakeProvider{originateSID: "CA100"})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := store.Create(callstore.CreateParams{To: "+15550001111", Goal: "chat"})
	_ = store.Apply(id, callstore.Update{State: callstore.StateDialing})
	store.SetActiveCall(id)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/call"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"MZ1"}}`)); err != nil {
		t.Fatalf("ws write error = %v", err)
	}

	waitForState(t, store, id, callstore.StateConnected)

	_ = ws.Close()
	waitForState(t, store, id, callstore.StateCompleted)
}

func waitForState(t *testing.T, store *callstore.Store, id string, want callstore.CallState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, err := store.Get(id); err == nil && rec.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := store.Get(id)
	t.Fatalf("call state = %q, want %q", rec.State, want)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/outdial/internal/bridge"
	"github.com/ent0n29/outdial/internal/calls"
	"github.com/ent0n29/outdial/internal/callstore"
	"github.com/ent0n29/outdial/internal/config"
	"github.com/ent0n29/outdial/internal/observability"
	"github.com/ent0n29/outdial/internal/twilio"
)

type Server struct {
	cfg      config.Config
	store    *callstore.Store
	calls    *calls.Service
	bridge   *bridge.Bridge
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store *callstore.Store, callService *calls.Service, b *bridge.Bridge, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		calls:   callService,
		bridge:  b,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony providers and non-browser observers omit Origin.
				// Browser observers must come from the same origin unless
				// explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/v1/calls", s.handlePlaceCall)
	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleCallStatus)
	r.Post("/v1/calls/{id}/cancel", s.handleCancelCall)
	r.Get("/v1/calls/{id}/transcript", s.handleCallTranscript)

	r.Post("/twiml", s.handleTwiML)
	r.Post("/status", s.handleStatusWebhook)

	r.Get("/call", s.handleTelephonyWS)
	r.Get("/logs", s.handleObserverWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type placeCallRequest struct {
	To           string          `json:"to"`
	From         string          `json:"from"`
	Goal         string          `json:"goal"`
	Instructions string          `json:"instructions,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	TimeoutSec   int             `json:"timeout_sec,omitempty"`
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	callID, err := s.calls.PlaceCall(r.Context(), calls.PlaceRequest{
		To:           req.To,
		From:         req.From,
		Goal:         req.Goal,
		Instructions: req.Instructions,
		Context:      req.Context,
		TimeoutSec:   req.TimeoutSec,
	})
	if err != nil {
		if callID == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		// Record exists but origination failed; surface both.
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"call_id": callID,
			"error":   err.Error(),
			"code":    "originate_failed",
		})
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"call_id": callID})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"calls": s.store.List()})
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.calls.Status(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.calls.CancelCall(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, callstore.ErrNotFound):
			respondError(w, http.StatusNotFound, "call_not_found", err.Error())
		case errors.Is(err, callstore.ErrTerminal):
			respondError(w, http.StatusConflict, "call_terminal", err.Error())
		default:
			respondError(w, http.StatusBadGateway, "cancel_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"call_id": id, "canceled": true})
}

func (s *Server) handleCallTranscript(w http.ResponseWriter, r *http.Request) {
	view, err := s.calls.Transcript(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, callstore.ErrNotFound):
		respondError(w, http.StatusNotFound, "call_not_found", err.Error())
	case errors.Is(err, calls.ErrTranscriptNotReady):
		respondJSON(w, http.StatusAccepted, map[string]any{
			"call_id": view.CallID,
			"state":   view.State,
			"error":   err.Error(),
		})
	case err != nil:
		respondError(w, http.StatusInternalServerError, "transcript_failed", err.Error())
	default:
		respondJSON(w, http.StatusOK, view)
	}
}

// handleTwiML answers Twilio's call-connected webhook with instructions to
// open the media stream back to this service.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	wsURL := websocketURL(s.cfg.PublicURL, "/call")
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>
`, wsURL)
}

func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := twilio.ParseStatusWebhook(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_webhook", err.Error())
		return
	}
	s.calls.HandleProviderStatus(hook)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTelephonyWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := bridge.NewWSConn(ws)
	s.bridge.AttachTelephonyLeg(conn)
	defer s.bridge.TelephonyClosed(conn)

	ws.SetReadLimit(2 << 20)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.bridge.HandleTelephonyEvent(data)
	}
}

func (s *Server) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := bridge.NewWSConn(ws)
	s.bridge.AttachObserverLeg(conn)
	defer s.bridge.ObserverClosed(conn)

	ws.SetReadLimit(2 << 20)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.bridge.HandleObserverEvent(data)
	}
}

// websocketURL rewrites the public http(s) base URL into its ws(s) form.
func websocketURL(publicURL, path string) string {
	base := strings.TrimRight(publicURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

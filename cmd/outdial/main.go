package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/outdial/internal/archive"
	"github.com/ent0n29/outdial/internal/bridge"
	"github.com/ent0n29/outdial/internal/calls"
	"github.com/ent0n29/outdial/internal/callstore"
	"github.com/ent0n29/outdial/internal/config"
	"github.com/ent0n29/outdial/internal/dispatch"
	"github.com/ent0n29/outdial/internal/httpapi"
	"github.com/ent0n29/outdial/internal/observability"
	"github.com/ent0n29/outdial/internal/realtime"
	"github.com/ent0n29/outdial/internal/twilio"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.PublicURL == "" {
		log.Fatalf("PUBLIC_URL must be set so the telephony provider can reach this service")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archiver, err := archive.NewArchiver(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("archive init failed: %v", err)
	}
	defer archiver.Close()

	store := callstore.NewStore()
	store.SetTerminalHook(func(rec callstore.CallRecord) {
		go func() {
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archiver.SaveCall(saveCtx, rec); err != nil {
				log.Printf("archive call %s: %v", rec.ID, err)
			}
		}()
	})

	provider := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	callService := calls.NewService(store, provider, metrics, cfg.PublicURL, cfg.DefaultCallTimeout)

	registry := dispatch.NewRegistry()
	registerBuiltins(registry, store, provider)
	runner := dispatch.NewRunner(registry, cfg.DispatchMaxInFlight)

	dialer := realtime.NewDialer(cfg.OpenAIAPIKey, cfg.OpenAIRealtimeModel)
	sessionBridge := bridge.New(store, registry, runner, dialer, metrics, bridge.Config{Voice: cfg.AgentVoice})

	api := httpapi.New(cfg, store, callService, sessionBridge, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// registerBuiltins wires the tool handlers the agent may call mid-conversation.
func registerBuiltins(registry *dispatch.Registry, store *callstore.Store, provider *twilio.Client) {
	must := func(err error) {
		if err != nil {
			log.Fatalf("register handler: %v", err)
		}
	}

	must(registry.Register(dispatch.Handler{
		Name:        "record_call_result",
		Description: "Record the outcome of the call once the goal is resolved.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"status": {"type": "string", "enum": ["confirmed", "failed", "human_escalation", "no_answer", "voicemail"]},
				"summary": {"type": "string"},
				"entities": {"type": "object"}
			},
			"required": ["status", "summary"]
		}`),
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			var result callstore.CallResult
			if err := json.Unmarshal(args, &result); err != nil {
				return "", err
			}
			active, ok := store.GetActiveCall()
			if !ok {
				return "", errors.New("no active call")
			}
			if err := store.Apply(active.ID, callstore.Update{Result: &result}); err != nil {
				return "", err
			}
			return `{"ok": true}`, nil
		},
	}))

	must(registry.Register(dispatch.Handler{
		Name:        "end_call",
		Description: "Hang up the phone call after saying goodbye.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			active, ok := store.GetActiveCall()
			if !ok || active.ProviderCallID == "" {
				return "", errors.New("no active call to end")
			}
			if err := provider.Terminate(ctx, active.ProviderCallID); err != nil {
				return "", err
			}
			return `{"ok": true}`, nil
		},
	}))

	must(registry.Register(dispatch.Handler{
		Name:        "get_current_time",
		Description: "Get the current date and time in UTC.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		Fn: func(ctx context.Context, args json.RawMessage) (string, error) {
			body, _ := json.Marshal(map[string]string{"now": time.Now().UTC().Format(time.RFC3339)})
			return string(body), nil
		},
	}))
}

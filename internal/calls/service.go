package calls

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/outdial/internal/callstore"
	"github.com/ent0n29/outdial/internal/observability"
	"github.com/ent0n29/outdial/internal/twilio"
)

// Provider abstracts the telephony provider used to originate and terminate calls.
type Provider interface {
	Originate(ctx context.Context, req twilio.OriginateRequest) (string, error)
	Terminate(ctx context.Context, providerCallID string) error
}

// statusMap translates provider status-callback values onto store states.
var statusMap = map[string]callstore.CallState{
	"initiated":   callstore.StateDialing,
	"ringing":     callstore.StateDialing,
	"in-progress": callstore.StateConnected,
	"completed":   callstore.StateCompleted,
	"failed":      callstore.StateFailed,
	"busy":        callstore.StateNoAnswer,
	"no-answer":   callstore.StateNoAnswer,
}

// Service originates outbound calls and keeps the store in sync with what
// the provider reports about them.
type Service struct {
	store          *callstore.Store
	provider       Provider
	metrics        *observability.Metrics
	publicURL      string
	defaultTimeout time.Duration
	// afterFunc is time.AfterFunc unless a test swaps it out.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

func NewService(store *callstore.Store, provider Provider, metrics *observability.Metrics, publicURL string, defaultTimeout time.Duration) *Service {
	if defaultTimeout <= 0 {
		defaultTimeout = 3 * time.Minute
	}
	return &Service{
		store:          store,
		provider:       provider,
		metrics:        metrics,
		publicURL:      strings.TrimRight(publicURL, "/"),
		defaultTimeout: defaultTimeout,
		afterFunc:      time.AfterFunc,
	}
}

// PlaceRequest is the caller-supplied briefing for one outbound call.
type PlaceRequest struct {
	To           string
	From         string
	Goal         string
	Instructions string
	Context      []byte
	TimeoutSec   int
}

// PlaceCall creates a record, marks it active for the session bridge, and
// asks the provider to originate. The returned id is valid even when
// origination fails (the record is then in the failed state).
func (s *Service) PlaceCall(ctx context.Context, req PlaceRequest) (string, error) {
	if req.To == "" || req.From == "" || req.Goal == "" {
		return "", errors.New("to, from and goal are required")
	}
	timeout := s.defaultTimeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	callID := s.store.Create(callstore.CreateParams{
		To:           req.To,
		From:         req.From,
		Goal:         req.Goal,
		Instructions: req.Instructions,
		Context:      req.Context,
	})
	s.store.SetActiveCall(callID)
	if err := s.store.Apply(callID, callstore.Update{State: callstore.StateDialing}); err != nil {
		return "", err
	}

	providerCallID, err := s.provider.Originate(ctx, twilio.OriginateRequest{
		To:                req.To,
		From:              req.From,
		CallbackURL:       s.publicURL + "/twiml",
		StatusCallbackURL: s.publicURL + "/status",
		TimeoutSec:        int(timeout / time.Second),
	})
	if err != nil {
		_ = s.store.Apply(callID, callstore.Update{
			State: callstore.StateFailed,
			Error: err.Error(),
		})
		s.store.SetActiveCall("")
		s.metrics.CallsPlaced.WithLabelValues("originate_error").Inc()
		return callID, fmt.Errorf("originate call: %w", err)
	}
	if err := s.store.LinkProviderCallID(callID, providerCallID); err != nil {
		return callID, err
	}
	s.metrics.CallsPlaced.WithLabelValues("ok").Inc()

	// Hard deadline: if the call has not reached a terminal state when the
	// timer fires, force a cancel. CancelCall is a no-op on terminal records.
	s.afterFunc(timeout, func() {
		if err := s.CancelCall(context.Background(), callID); err != nil && !errors.Is(err, callstore.ErrTerminal) {
			log.Printf("auto-cancel call %s failed: %v", callID, err)
		}
	})

	return callID, nil
}

// CancelCall moves a non-terminal call to canceled, terminating the provider
// leg first when one exists. Provider failures leave the state unchanged.
func (s *Service) CancelCall(ctx context.Context, callID string) error {
	rec, err := s.store.Get(callID)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return fmt.Errorf("%w: %s", callstore.ErrTerminal, rec.State)
	}

	if rec.ProviderCallID != "" {
		if err := s.provider.Terminate(ctx, rec.ProviderCallID); err != nil {
			return fmt.Errorf("terminate call: %w", err)
		}
	}
	return s.store.Apply(callID, callstore.Update{State: callstore.StateCanceled})
}

// HandleProviderStatus maps a status-callback event onto a store transition.
// Unknown statuses and unknown calls are ignored; late events racing a
// terminal transition are dropped rather than surfaced.
func (s *Service) HandleProviderStatus(hook twilio.StatusWebhook) {
	rec, err := s.store.LookupByProviderCallID(hook.CallSID)
	if err != nil {
		return
	}

	state, ok := statusMap[hook.CallStatus]
	if !ok {
		return
	}
	// Answering-machine detection: a machine pickup ends the attempt as voicemail.
	if strings.HasPrefix(hook.AnsweredBy, "machine") {
		state = callstore.StateVoicemail
	}
	if state == rec.State {
		return
	}

	if err := s.store.Apply(rec.ID, callstore.Update{State: state}); err != nil {
		if errors.Is(err, callstore.ErrTerminal) || errors.Is(err, callstore.ErrIllegalTransition) {
			return
		}
		log.Printf("status webhook for call %s: %v", rec.ID, err)
	}
}

// StatusSnapshot is the control-surface view of one call.
type StatusSnapshot struct {
	CallID      string                      `json:"call_id"`
	State       callstore.CallState         `json:"state"`
	To          string                      `json:"to,omitempty"`
	From        string                      `json:"from,omitempty"`
	DurationSec int64                       `json:"duration_sec"`
	Result      *callstore.CallResult       `json:"result,omitempty"`
	Error       string                      `json:"error,omitempty"`
	Transcript  []callstore.TranscriptEntry `json:"transcript,omitempty"`
}

// Status returns the current state of a call; terminal calls include the
// full result and transcript.
func (s *Service) Status(callID string) (StatusSnapshot, error) {
	rec, err := s.store.Get(callID)
	if err != nil {
		return StatusSnapshot{}, err
	}

	snap := StatusSnapshot{
		CallID: rec.ID,
		State:  rec.State,
	}
	if rec.State.IsTerminal() {
		snap.DurationSec = durationSec(rec.StartedAt, rec.EndedAt)
		snap.Result = rec.Result
		snap.Error = rec.Error
		snap.Transcript = rec.Transcript
		return snap, nil
	}
	snap.DurationSec = durationSec(rec.StartedAt, time.Now().UTC())
	snap.To = rec.To
	snap.From = rec.From
	return snap, nil
}

// TranscriptView is the transcript payload for the control surface.
type TranscriptView struct {
	CallID      string                      `json:"call_id"`
	State       callstore.CallState         `json:"state"`
	DurationSec int64                       `json:"duration_sec"`
	Transcript  []callstore.TranscriptEntry `json:"transcript"`
	Result      *callstore.CallResult       `json:"result,omitempty"`
}

var ErrTranscriptNotReady = errors.New("no transcript available yet")

func (s *Service) Transcript(callID string) (TranscriptView, error) {
	rec, err := s.store.Get(callID)
	if err != nil {
		return TranscriptView{}, err
	}
	if len(rec.Transcript) == 0 {
		return TranscriptView{CallID: rec.ID, State: rec.State}, ErrTranscriptNotReady
	}

	end := rec.EndedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return TranscriptView{
		CallID:      rec.ID,
		State:       rec.State,
		DurationSec: durationSec(rec.StartedAt, end),
		Transcript:  rec.Transcript,
		Result:      rec.Result,
	}, nil
}

func durationSec(from, to time.Time) int64 {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int64(to.Sub(from).Round(time.Second) / time.Second)
}

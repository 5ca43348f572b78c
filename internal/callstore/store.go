package callstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CallState tracks a call attempt through its lifecycle.
type CallState string

const (
	StateQueued    CallState = "queued"
	StateDialing   CallState = "dialing"
	StateConnected CallState = "connected"
	StateCompleted CallState = "completed"
	StateFailed    CallState = "failed"
	StateCanceled  CallState = "canceled"
	StateNoAnswer  CallState = "no_answer"
	StateVoicemail CallState = "voicemail"
)

var (
	ErrNotFound          = errors.New("call not found")
	ErrIllegalTransition = errors.New("illegal call state transition")
	ErrTerminal          = errors.New("call already in a terminal state")
)

// transitions is the legal state machine. Absent source states permit nothing.
var transitions = map[CallState][]CallState{
	StateQueued:    {StateDialing, StateCanceled, StateFailed},
	StateDialing:   {StateConnected, StateCompleted, StateFailed, StateNoAnswer, StateVoicemail, StateCanceled},
	StateConnected: {StateCompleted, StateFailed, StateVoicemail, StateCanceled},
}

// IsTerminal reports whether no further transitions may leave the state.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateNoAnswer, StateVoicemail:
		return true
	}
	return false
}

func (s CallState) canTransitionTo(next CallState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TranscriptEntry is one completed utterance from either side of the call.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// CallResult is the terminal summary reported by the agent.
type CallResult struct {
	Status   string          `json:"status"`
	Summary  string          `json:"summary"`
	Entities json.RawMessage `json:"entities,omitempty"`
}

// CallRecord is the full ledger entry for one call attempt.
type CallRecord struct {
	ID             string            `json:"id"`
	ProviderCallID string            `json:"provider_call_id,omitempty"`
	State          CallState         `json:"state"`
	To             string            `json:"to"`
	From           string            `json:"from"`
	Goal           string            `json:"goal"`
	Instructions   string            `json:"instructions,omitempty"`
	Context        json.RawMessage   `json:"context,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	ConnectedAt    time.Time         `json:"connected_at,omitzero"`
	EndedAt        time.Time         `json:"ended_at,omitzero"`
	Transcript     []TranscriptEntry `json:"transcript"`
	Result         *CallResult       `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// CreateParams carries the caller-supplied briefing for a new call.
type CreateParams struct {
	To           string
	From         string
	Goal         string
	Instructions string
	Context      json.RawMessage
}

// Update is a partial-field merge applied atomically to one record. A zero
// field is left untouched. State changes are validated against the
// transition table; timestamps are set at most once.
type Update struct {
	State  CallState
	Result *CallResult
	Error  string
}

// Store is the in-memory registry of call records. All mutations are atomic
// per record; a single mutex guards the maps and every record they hold.
type Store struct {
	mu           sync.RWMutex
	calls        map[string]*CallRecord
	byProviderID map[string]string
	activeCallID string
	onTerminal   func(CallRecord)
}

func NewStore() *Store {
	return &Store{
		calls:        make(map[string]*CallRecord),
		byProviderID: make(map[string]string),
	}
}

// SetTerminalHook registers a callback fired (outside the lock) whenever a
// record reaches a terminal state. Used for best-effort archiving.
func (s *Store) SetTerminalHook(hook func(CallRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = hook
}

// Create allocates a new queued record and returns its id.
func (s *Store) Create(params CreateParams) string {
	rec := &CallRecord{
		ID:           uuid.NewString(),
		State:        StateQueued,
		To:           params.To,
		From:         params.From,
		Goal:         params.Goal,
		Instructions: params.Instructions,
		Context:      params.Context,
		StartedAt:    time.Now().UTC(),
		Transcript:   []TranscriptEntry{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rec.ID] = rec
	return rec.ID
}

func (s *Store) Get(callID string) (CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Apply merges an Update into the record, enforcing the state machine.
func (s *Store) Apply(callID string, up Update) error {
	var terminal *CallRecord

	s.mu.Lock()
	rec, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	if up.State != "" && up.State != rec.State {
		if rec.State.IsTerminal() {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s -> %s: %s", ErrTerminal, rec.State, up.State, callID)
		}
		if !rec.State.canTransitionTo(up.State) {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, rec.State, up.State)
		}
		rec.State = up.State
		now := time.Now().UTC()
		switch {
		case up.State == StateConnected:
			if rec.ConnectedAt.IsZero() {
				rec.ConnectedAt = now
			}
		case up.State.IsTerminal():
			if rec.EndedAt.IsZero() {
				rec.EndedAt = now
			}
		}
	}
	if up.Result != nil && rec.Result == nil {
		result := *up.Result
		rec.Result = &result
	}
	if up.Error != "" && rec.Error == "" {
		rec.Error = up.Error
	}

	hook := s.onTerminal
	if hook != nil && up.State != "" && rec.State.IsTerminal() {
		c := cloneRecord(rec)
		terminal = &c
	}
	s.mu.Unlock()

	if terminal != nil {
		hook(*terminal)
	}
	return nil
}

// LinkProviderCallID records the provider's id for the call and indexes it.
func (s *Store) LinkProviderCallID(callID, providerCallID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	rec.ProviderCallID = providerCallID
	s.byProviderID[providerCallID] = callID
	return nil
}

// LookupByProviderCallID resolves a provider call id to the internal record.
func (s *Store) LookupByProviderCallID(providerCallID string) (CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	callID, ok := s.byProviderID[providerCallID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	rec, ok := s.calls[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// AppendTranscript adds one completed utterance. Appends to terminal records
// are rejected: the ledger freezes with the call.
func (s *Store) AppendTranscript(callID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	if rec.State.IsTerminal() {
		return fmt.Errorf("%w: transcript append: %s", ErrTerminal, callID)
	}
	rec.Transcript = append(rec.Transcript, TranscriptEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// SetActiveCall marks the one call the session bridge should bind to next.
// An empty id clears the slot.
func (s *Store) SetActiveCall(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCallID = callID
}

// GetActiveCall returns the currently marked active call, if any.
func (s *Store) GetActiveCall() (CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeCallID == "" {
		return CallRecord{}, false
	}
	rec, ok := s.calls[s.activeCallID]
	if !ok {
		return CallRecord{}, false
	}
	return cloneRecord(rec), true
}

// List returns snapshots of every record, newest first not guaranteed.
func (s *Store) List() []CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CallRecord, 0, len(s.calls))
	for _, rec := range s.calls {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// ListByState returns snapshots of records currently in the given state.
func (s *Store) ListByState(state CallState) []CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CallRecord
	for _, rec := range s.calls {
		if rec.State == state {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func cloneRecord(rec *CallRecord) CallRecord {
	c := *rec
	c.Transcript = append([]TranscriptEntry(nil), rec.Transcript...)
	if rec.Result != nil {
		result := *rec.Result
		c.Result = &result
	}
	return c
}

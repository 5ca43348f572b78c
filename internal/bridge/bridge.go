package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/ent0n29/outdial/internal/callstore"
	"github.com/ent0n29/outdial/internal/dispatch"
	"github.com/ent0n29/outdial/internal/observability"
	"github.com/ent0n29/outdial/internal/protocol"
)

// Conn is one live leg connection. Implementations must serialize writes.
type Conn interface {
	WriteJSON(v any) error
	WriteRaw(data []byte) error
	Close() error
}

// ModelHandler receives model-leg traffic. The dialer starts its read pump
// only after the connection exists, so ModelClosed always names the conn.
type ModelHandler interface {
	HandleModelEvent(raw []byte)
	ModelClosed(conn Conn)
}

// ModelDialer opens the realtime model leg.
type ModelDialer interface {
	Dial(ctx context.Context, h ModelHandler) (Conn, error)
}

// Config carries the fixed parts of the model greeting.
type Config struct {
	Voice string
}

// Bridge relays events among the telephony, model and observer legs of the
// one active call, and keeps the audio-timing state needed for barge-in
// truncation. All event handling is serialized behind a single mutex: events
// arrive concurrently from three connections, but the session state only
// ever sees whole updates.
type Bridge struct {
	store   *callstore.Store
	runner  *dispatch.Runner
	tools   *dispatch.Registry
	metrics *observability.Metrics
	dialer  ModelDialer
	cfg     Config

	mu           sync.Mutex
	telephony    Conn
	observer     Conn
	model        Conn
	modelDialing bool

	callID       string
	streamID     string
	activeConfig map[string]any

	lastAssistantItem string
	responseStartTS   int64
	anchored          bool
	latestMediaTS     int64
}

func New(store *callstore.Store, tools *dispatch.Registry, runner *dispatch.Runner, dialer ModelDialer, metrics *observability.Metrics, cfg Config) *Bridge {
	if cfg.Voice == "" {
		cfg.Voice = "ash"
	}
	return &Bridge{
		store:   store,
		runner:  runner,
		tools:   tools,
		metrics: metrics,
		dialer:  dialer,
		cfg:     cfg,
	}
}

// AttachTelephonyLeg installs a new telephony connection, closing any prior
// one, and binds the session to the currently marked active call.
func (b *Bridge) AttachTelephonyLeg(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.telephony != nil {
		_ = b.telephony.Close()
	}
	b.telephony = conn
	b.metrics.LegEvents.WithLabelValues("telephony", "attached").Inc()
	b.metrics.ActiveSession.Set(1)

	if active, ok := b.store.GetActiveCall(); ok {
		b.callID = active.ID
		if err := b.store.Apply(active.ID, callstore.Update{State: callstore.StateConnected}); err != nil &&
			!errors.Is(err, callstore.ErrTerminal) {
			log.Printf("mark call %s connected: %v", active.ID, err)
		}
	}
}

// TelephonyClosed finalizes the bound call and cascades teardown. It is a
// no-op when conn is not the installed telephony leg (a replaced connection
// closing late must not tear down its successor's session).
func (b *Bridge) TelephonyClosed(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.telephony != conn {
		return
	}
	b.metrics.LegEvents.WithLabelValues("telephony", "closed").Inc()

	if b.callID != "" {
		if rec, err := b.store.Get(b.callID); err == nil && rec.State == callstore.StateConnected {
			if err := b.store.Apply(b.callID, callstore.Update{State: callstore.StateCompleted}); err != nil {
				log.Printf("complete call %s: %v", b.callID, err)
			}
		}
		b.store.SetActiveCall("")
	}

	b.telephony = nil
	b.callID = ""
	if b.model != nil {
		_ = b.model.Close()
		b.model = nil
	}
	b.streamID = ""
	b.resetTimingLocked()
	if b.observer == nil {
		b.resetSessionLocked()
	}
}

// AttachObserverLeg installs a new observer connection, closing any prior one.
func (b *Bridge) AttachObserverLeg(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.observer != nil {
		_ = b.observer.Close()
	}
	b.observer = conn
	b.metrics.LegEvents.WithLabelValues("observer", "attached").Inc()
}

// ObserverClosed clears the observer slot; the session resets once no leg remains.
func (b *Bridge) ObserverClosed(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.observer != conn {
		return
	}
	b.observer = nil
	b.metrics.LegEvents.WithLabelValues("observer", "closed").Inc()
	if b.telephony == nil && b.model == nil {
		b.resetSessionLocked()
	}
}

// HandleTelephonyEvent processes one inbound frame from the telephony leg.
// Unparseable frames are dropped, never fatal.
func (b *Bridge) HandleTelephonyEvent(raw []byte) {
	msg, err := protocol.ParseStreamEvent(raw)
	if err != nil {
		b.metrics.DroppedFrames.WithLabelValues("telephony").Inc()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch m := msg.(type) {
	case protocol.StreamStart:
		b.streamID = m.StreamSID
		b.resetTimingLocked()
		b.metrics.LegEvents.WithLabelValues("telephony", "stream_start").Inc()
		b.tryOpenModelLocked()
	case protocol.StreamMedia:
		b.latestMediaTS = m.Timestamp
		if b.model != nil {
			b.send(b.model, protocol.NewInputAudioAppend(m.Payload))
		}
	case protocol.StreamDTMF:
		// Acknowledged, not forwarded.
		log.Printf("dtmf digit received: %s", m.Digit)
	case protocol.StreamMark:
		// Playback checkpoint echo; nothing to do.
	case protocol.StreamClose:
		b.metrics.LegEvents.WithLabelValues("telephony", "stream_close").Inc()
		b.closeAllLocked()
	}
}

// HandleObserverEvent forwards an observer frame to the model leg and
// captures session-configuration updates for later model (re)connections.
func (b *Bridge) HandleObserverEvent(raw []byte) {
	var env struct {
		Type    string         `json:"type"`
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		b.metrics.DroppedFrames.WithLabelValues("observer").Inc()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model != nil {
		if err := b.model.WriteRaw(raw); err != nil {
			log.Printf("forward observer frame to model: %v", err)
		}
	}
	if env.Type == "session.update" {
		b.activeConfig = env.Session
	}
}

// HandleModelEvent processes one inbound frame from the model leg. Every
// parseable frame is forwarded verbatim to the observer leg first.
func (b *Bridge) HandleModelEvent(raw []byte) {
	evt, err := protocol.ParseModelEvent(raw)
	if err != nil {
		b.metrics.DroppedFrames.WithLabelValues("model").Inc()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.observer != nil {
		if err := b.observer.WriteRaw(evt.Raw); err != nil {
			log.Printf("forward model frame to observer: %v", err)
		}
	}

	switch evt.Type {
	case protocol.ModelSpeechStarted:
		b.truncateLocked()
	case protocol.ModelInputTranscriptDone:
		b.appendTranscriptLocked("user", evt.Transcript)
	case protocol.ModelAudioTranscriptDone:
		b.appendTranscriptLocked("assistant", evt.Transcript)
	case protocol.ModelAudioDelta:
		b.handleAudioDeltaLocked(evt)
	case protocol.ModelOutputItemDone:
		if evt.IsFunctionCall() {
			b.dispatchFunctionCallLocked(*evt.Item)
		}
	}
}

// ModelClosed clears the model slot; the session resets once no leg remains.
func (b *Bridge) ModelClosed(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model != conn {
		return
	}
	b.model = nil
	b.metrics.LegEvents.WithLabelValues("model", "closed").Inc()
	if b.telephony == nil && b.observer == nil {
		b.resetSessionLocked()
	}
}

func (b *Bridge) handleAudioDeltaLocked(evt protocol.ModelEvent) {
	if b.telephony == nil || b.streamID == "" {
		return
	}
	if !b.anchored {
		// First assistant audio since the last reset: anchor the playback
		// position so later truncation offsets measure what the caller heard.
		b.anchored = true
		b.responseStartTS = b.latestMediaTS
	}
	if evt.ItemID != "" {
		b.lastAssistantItem = evt.ItemID
	}
	b.send(b.telephony, protocol.NewMediaOut(b.streamID, evt.Delta))
	b.send(b.telephony, protocol.NewMarkOut(b.streamID))
}

// truncateLocked handles barge-in: the caller started speaking while
// assistant audio was still playing. No-op until an utterance is anchored.
func (b *Bridge) truncateLocked() {
	if b.lastAssistantItem == "" || !b.anchored {
		return
	}

	elapsed := b.latestMediaTS - b.responseStartTS
	if elapsed < 0 {
		elapsed = 0
	}

	if b.model != nil {
		b.send(b.model, protocol.NewItemTruncate(b.lastAssistantItem, elapsed))
	}
	if b.telephony != nil && b.streamID != "" {
		b.send(b.telephony, protocol.NewClearOut(b.streamID))
	}
	b.metrics.Truncations.Inc()

	b.lastAssistantItem = ""
	b.responseStartTS = 0
	b.anchored = false
}

func (b *Bridge) appendTranscriptLocked(role, content string) {
	if b.callID == "" || content == "" {
		return
	}
	if err := b.store.AppendTranscript(b.callID, role, content); err != nil {
		log.Printf("append %s transcript for call %s: %v", role, b.callID, err)
		return
	}
	b.metrics.TranscriptEntries.WithLabelValues(role).Inc()
}

func (b *Bridge) dispatchFunctionCallLocked(item protocol.ModelItem) {
	err := b.runner.Run(context.Background(), item.Name, item.Arguments, func(output string, invokeErr error) {
		outcome := "ok"
		if invokeErr != nil {
			outcome = "error"
			log.Printf("function call %s failed: %v", item.Name, invokeErr)
		}
		b.metrics.FunctionCalls.WithLabelValues(item.Name, outcome).Inc()

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.model == nil {
			return
		}
		b.send(b.model, protocol.NewFunctionOutputItem(item.CallID, output))
		b.send(b.model, protocol.NewResponseCreate())
	})
	if err != nil {
		// Queue saturated: report back into the conversation rather than
		// dropping the call id on the floor.
		log.Printf("function call %s rejected: %v", item.Name, err)
		b.metrics.FunctionCalls.WithLabelValues(item.Name, "rejected").Inc()
		if b.model != nil {
			body, _ := json.Marshal(map[string]string{"error": fmt.Sprintf("function %s unavailable: %v", item.Name, err)})
			b.send(b.model, protocol.NewFunctionOutputItem(item.CallID, string(body)))
			b.send(b.model, protocol.NewResponseCreate())
		}
	}
}

func (b *Bridge) tryOpenModelLocked() {
	if b.telephony == nil || b.streamID == "" || b.model != nil || b.modelDialing || b.dialer == nil {
		return
	}
	b.modelDialing = true
	go b.openModel()
}

func (b *Bridge) openModel() {
	conn, err := b.dialer.Dial(context.Background(), b)

	b.mu.Lock()
	b.modelDialing = false
	if err != nil {
		b.mu.Unlock()
		log.Printf("model leg dial failed: %v", err)
		return
	}
	if b.telephony == nil || b.streamID == "" {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.model = conn
	b.metrics.LegEvents.WithLabelValues("model", "attached").Inc()
	greeting := b.greetingLocked()
	b.mu.Unlock()

	if err := conn.WriteJSON(greeting); err != nil {
		log.Printf("send model greeting: %v", err)
	}
}

// greetingLocked composes the initial session configuration: fixed defaults,
// overlaid with the call briefing, overlaid with any observer-supplied config.
func (b *Bridge) greetingLocked() protocol.SessionUpdate {
	session := map[string]any{
		"modalities":                []string{"text", "audio"},
		"turn_detection":            map[string]any{"type": "server_vad"},
		"voice":                     b.cfg.Voice,
		"input_audio_transcription": map[string]any{"model": "whisper-1"},
		"input_audio_format":        "g711_ulaw",
		"output_audio_format":       "g711_ulaw",
		"instructions":              b.instructionsLocked(),
	}
	if b.tools != nil {
		if schemas := b.tools.Schemas(); len(schemas) > 0 {
			session["tools"] = schemas
		}
	}
	for k, v := range b.activeConfig {
		session[k] = v
	}
	return protocol.NewSessionUpdate(session)
}

func (b *Bridge) instructionsLocked() string {
	if b.callID == "" {
		return "You are a helpful AI assistant making a phone call."
	}
	rec, err := b.store.Get(b.callID)
	if err != nil {
		return "You are a helpful AI assistant making a phone call."
	}

	var sb strings.Builder
	sb.WriteString("You are an AI assistant making a phone call.\n\n")
	sb.WriteString("Goal: " + rec.Goal + "\n")
	if rec.Instructions != "" {
		sb.WriteString("\n" + rec.Instructions + "\n")
	}
	sb.WriteString("\nContext:\n")
	if len(rec.Context) > 0 {
		sb.Write(rec.Context)
		sb.WriteString("\n")
	} else {
		sb.WriteString("None provided\n")
	}
	sb.WriteString(`
Important:
- Stay focused on achieving the goal
- Be conversational and natural
- If you need to end the call, say goodbye appropriately
- Remember you are on a phone call, so the person cannot see visual information`)
	return sb.String()
}

// closeAllLocked force-closes every leg. Record finalization and slot
// clearing happen in the per-leg close callbacks as readers drain.
func (b *Bridge) closeAllLocked() {
	if b.telephony != nil {
		_ = b.telephony.Close()
	}
	if b.model != nil {
		_ = b.model.Close()
	}
	if b.observer != nil {
		_ = b.observer.Close()
	}
	b.streamID = ""
	b.resetTimingLocked()
	b.activeConfig = nil
}

func (b *Bridge) resetTimingLocked() {
	b.lastAssistantItem = ""
	b.responseStartTS = 0
	b.anchored = false
	b.latestMediaTS = 0
}

// resetSessionLocked returns the bridge to the empty state once no leg
// remains. activeConfig is session-scoped: it never leaks into the next call.
func (b *Bridge) resetSessionLocked() {
	b.streamID = ""
	b.callID = ""
	b.activeConfig = nil
	b.resetTimingLocked()
	b.metrics.ActiveSession.Set(0)
}

func (b *Bridge) send(conn Conn, v any) {
	if err := conn.WriteJSON(v); err != nil {
		log.Printf("leg write failed: %v", err)
	}
}

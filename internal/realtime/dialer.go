package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/outdial/internal/bridge"
)

const defaultEndpoint = "wss://api.openai.com/v1/realtime"

// Dialer opens websocket connections to the realtime speech model.
type Dialer struct {
	apiKey   string
	model    string
	endpoint string
}

func NewDialer(apiKey, model string) *Dialer {
	return &Dialer{
		apiKey:   apiKey,
		model:    model,
		endpoint: defaultEndpoint,
	}
}

// WithEndpoint overrides the realtime endpoint, primarily for tests.
func (d *Dialer) WithEndpoint(endpoint string) *Dialer {
	d.endpoint = endpoint
	return d
}

// Dial connects the model leg and starts its read pump. The pump delivers
// frames in connection order and reports the close exactly once.
func (d *Dialer) Dial(ctx context.Context, h bridge.ModelHandler) (bridge.Conn, error) {
	if d.apiKey == "" {
		return nil, errors.New("realtime API key not configured")
	}

	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("realtime endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", d.model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime model: %w", err)
	}

	conn := bridge.NewWSConn(ws)
	go func() {
		defer h.ModelClosed(conn)
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			h.HandleModelEvent(data)
		}
	}()

	return conn, nil
}

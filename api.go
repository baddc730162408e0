package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/voicewire/realtime-go/events"
	"github.com/voicewire/realtime-go/internal/websocket"
)

// Transport is what the orchestrator needs from the wire: sending typed
// commands and a subscription surface delivering parsed server events in
// receipt order.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Send(eventType string, payload any) error
	On(name string, fn Handler) (off func())
	WaitForNext(ctx context.Context, name string) (any, error)
}

// API maintains the duplex connection and republishes every event on its bus:
// inbound frames as "server.<type>", outbound commands as "client.<type>".
// The connection terminating dispatches "close".
type API struct {
	*EventHandler
	config *clientConfig
	logger *slog.Logger

	mu sync.Mutex
	ws *websocket.Client
}

var _ Transport = (*API)(nil)

func NewAPI(opts ...Option) *API {
	config := newClientConfig(opts...)
	return newAPI(config)
}

func newAPI(config *clientConfig) *API {
	return &API{
		EventHandler: NewEventHandler(),
		config:       config,
		logger:       config.logger,
	}
}

func (a *API) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ws != nil
}

// Connect dials the realtime endpoint and starts delivering server events.
func (a *API) Connect(ctx context.Context) error {
	if err := a.config.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.mu.Lock()
	if a.ws != nil {
		a.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	a.mu.Unlock()

	headers := http.Header{}
	headers.Add("Authorization", fmt.Sprintf("Bearer %s", a.config.apiKey))
	headers.Add("OpenAI-Beta", "realtime=v1")
	for k, vs := range a.config.headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	ws, err := websocket.Dial(ctx, websocket.Config{
		URL:         fmt.Sprintf("%s?model=%s", a.config.url, a.config.model),
		DialTimeout: a.config.dialTimeout,
		Headers:     headers,
		Logger:      a.logger,
		OnText:      a.receive,
		OnClose: func() {
			a.mu.Lock()
			a.ws = nil
			a.mu.Unlock()
			a.Dispatch("close", nil)
		},
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	return nil
}

// Disconnect closes the connection. The "close" dispatch fires once the
// socket has wound down.
func (a *API) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close(ctx)
}

func (a *API) receive(data []byte) error {
	evt, err := events.Parse[events.ServerEvent](data)
	if err != nil {
		a.logger.Error("failed to parse server event", slog.Any("err", err))
		return nil
	}
	a.Dispatch("server."+evt.Type, evt)
	return nil
}

// Send assigns an event id, serializes the command and writes it out. The
// payload's fields are flattened into the event object.
func (a *API) Send(eventType string, payload any) error {
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected, use Connect() first")
	}

	obj := map[string]any{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("flatten %s payload: %w", eventType, err)
		}
	}
	obj["event_id"] = events.NewID("evt_")
	obj["type"] = eventType

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	ws.WriteText(data)
	a.Dispatch("client."+eventType, obj)
	return nil
}

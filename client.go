// Package realtime implements a client for the OpenAI realtime conversation
// protocol: a websocket transport, a conversation assembler that rebuilds
// ordered items from the server's event fragments, and an orchestrator
// driving session updates, audio commits, response cancellation and tool
// execution.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/voicewire/realtime-go/events"
	"github.com/voicewire/realtime-go/tool"
)

// Events the client re-announces on its own bus for application consumers.
const (
	EventConversationUpdated       = "conversation.updated"
	EventConversationItemAppended  = "conversation.item.appended"
	EventConversationItemCompleted = "conversation.item.completed"
	EventConversationInterrupted   = "conversation.interrupted"
)

// ConversationUpdate is the payload of a "conversation.updated" dispatch.
type ConversationUpdate struct {
	Item  *Item
	Delta *Delta
}

// MessageContent is one part of a user message. Audio carries raw samples and
// is base64-encoded on send.
type MessageContent struct {
	Type  string
	Text  string
	Audio []int16
}

func TextContent(text string) MessageContent {
	return MessageContent{Type: events.ContentTypeInputText, Text: text}
}

func AudioContent(samples []int16) MessageContent {
	return MessageContent{Type: events.ContentTypeInputAudio, Audio: samples}
}

// Client drives one realtime conversation: it owns the session
// configuration, the input audio staging buffer and the tool registry, and
// reacts to assembled conversation state by executing tools and requesting
// responses. Subscribe on the client's bus for the conversation.* events; raw
// transport traffic is relayed under "server.*" and "client.*".
type Client struct {
	*EventHandler
	api          Transport
	conversation *Conversation
	tools        *tool.Registry
	logger       *slog.Logger
	config       *clientConfig

	mu               sync.Mutex
	session          events.SessionUpdate
	sessionCreated   bool
	sessionCreatedCh chan struct{}
	inputAudioBuffer []int16
	toolCtx          context.Context
}

func New(opts ...Option) *Client {
	config := newClientConfig(opts...)
	api := config.transport
	if api == nil {
		api = newAPI(config)
	}
	c := &Client{
		EventHandler:     NewEventHandler(),
		api:              api,
		conversation:     NewConversation(),
		tools:            tool.NewRegistry(),
		logger:           config.logger,
		config:           config,
		session:          defaultSession(config),
		sessionCreatedCh: make(chan struct{}),
		toolCtx:          context.Background(),
	}
	c.addAPIEventHandlers()
	return c
}

func defaultSession(config *clientConfig) events.SessionUpdate {
	session := events.SessionUpdate{
		Modalities:        []string{"text", "audio"},
		Instructions:      config.instructions,
		Voice:             config.voice,
		InputAudioFormat:  events.AudioFormatPCM16,
		OutputAudioFormat: events.AudioFormatPCM16,
		Temperature:       config.temperature,
		Speed:             config.speed,
		TurnDetection:     config.turnDetection,
	}
	if config.transcriptionModel != "" {
		session.InputAudioTranscription = &events.InputAudioTranscription{Model: config.transcriptionModel}
	}
	return session
}

// Conversation returns the assembled conversation state.
func (c *Client) Conversation() *Conversation {
	return c.conversation
}

func (c *Client) IsConnected() bool {
	return c.api.IsConnected()
}

// Connect opens the transport and pushes the locally staged session
// configuration.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.api.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.toolCtx = ctx
	c.mu.Unlock()
	return c.UpdateSession(events.SessionUpdate{})
}

// Disconnect closes the transport and resets all local conversation state.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.api.Disconnect(ctx); err != nil {
		return err
	}
	c.resetState()
	return nil
}

func (c *Client) resetState() {
	c.conversation.Clear()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputAudioBuffer = nil
	if c.sessionCreated {
		c.sessionCreated = false
		c.sessionCreatedCh = make(chan struct{})
	}
}

func (c *Client) addAPIEventHandlers() {
	// Raw traffic relay and debug logging.
	c.api.On("client.*", func(payload any) {
		obj, ok := payload.(map[string]any)
		if !ok {
			return
		}
		eventType, _ := obj["type"].(string)
		c.logger.Debug("sent", slog.String("type", eventType))
		c.Dispatch("client."+eventType, payload)
	})
	c.api.On("server.*", func(payload any) {
		evt, ok := payload.(*events.ServerEvent)
		if !ok {
			return
		}
		c.logger.Debug("received", slog.String("type", evt.Type))
		c.Dispatch("server."+evt.Type, payload)
	})
	c.api.On("close", func(any) {
		c.logger.Debug("connection closed")
		c.resetState()
	})

	c.api.On("server."+events.TypeSessionCreated, func(any) {
		c.mu.Lock()
		if !c.sessionCreated {
			c.sessionCreated = true
			close(c.sessionCreatedCh)
		}
		c.mu.Unlock()
	})
	c.api.On("server."+events.TypeError, func(payload any) {
		if evt, ok := payload.(*events.ServerEvent); ok && evt.Error != nil {
			c.logger.Error("server error", slog.String("code", evt.Error.Code), slog.String("message", evt.Error.Message))
		}
	})

	c.api.On("server."+events.TypeResponseCreated, c.process)
	c.api.On("server."+events.TypeResponseDone, c.process)
	c.api.On("server."+events.TypeResponseContentPartAdded, c.processWithDispatch)
	c.api.On("server."+events.TypeResponseAudioTranscriptDelta, c.processWithDispatch)
	c.api.On("server."+events.TypeResponseAudioDelta, c.processWithDispatch)
	c.api.On("server."+events.TypeResponseTextDelta, c.processWithDispatch)
	c.api.On("server."+events.TypeResponseFunctionCallArgumentsDelta, c.processWithDispatch)
	c.api.On("server."+events.TypeConversationItemTruncated, c.processWithDispatch)
	c.api.On("server."+events.TypeConversationItemDeleted, c.processWithDispatch)
	c.api.On("server."+events.TypeConversationItemTranscriptionDone, c.processWithDispatch)

	c.api.On("server."+events.TypeResponseOutputItemAdded, func(payload any) {
		c.handleEvent(payload, true)
	})
	c.api.On("server."+events.TypeConversationItemCreated, func(payload any) {
		item, _ := c.handleEvent(payload, true)
		if item == nil {
			return
		}
		c.Dispatch(EventConversationItemAppended, item)
		if item.Status == events.ItemStatusCompleted {
			c.Dispatch(EventConversationItemCompleted, item)
		}
	})
	c.api.On("server."+events.TypeResponseOutputItemDone, func(payload any) {
		item, _ := c.handleEvent(payload, true)
		if item == nil {
			return
		}
		if item.Status == events.ItemStatusCompleted {
			c.Dispatch(EventConversationItemCompleted, item)
		}
		if item.Status == events.ItemStatusCompleted && item.Formatted.Tool != nil {
			// Run the tool off the event loop so further events keep
			// flowing while the handler executes.
			go c.callTool(*item.Formatted.Tool)
		}
	})
	c.api.On("server."+events.TypeInputAudioBufferSpeechStarted, func(payload any) {
		c.handleEvent(payload, false)
		c.Dispatch(EventConversationInterrupted, nil)
	})
	c.api.On("server."+events.TypeInputAudioBufferSpeechStopped, func(payload any) {
		evt, ok := payload.(*events.ServerEvent)
		if !ok {
			return
		}
		c.mu.Lock()
		buffer := c.inputAudioBuffer
		c.mu.Unlock()
		if _, _, err := c.conversation.ProcessEvent(evt, buffer); err != nil {
			c.logger.Error("failed to process event", slog.String("type", evt.Type), slog.Any("err", err))
		}
	})
}

func (c *Client) process(payload any) {
	c.handleEvent(payload, false)
}

func (c *Client) processWithDispatch(payload any) {
	c.handleEvent(payload, true)
}

// handleEvent feeds one server event through the assembler. When announce is
// set and the event settled on an item, a "conversation.updated" dispatch
// follows; a nil item is deliberately not announced (see ProcessEvent).
func (c *Client) handleEvent(payload any, announce bool) (*Item, *Delta) {
	evt, ok := payload.(*events.ServerEvent)
	if !ok {
		return nil, nil
	}
	item, delta, err := c.conversation.ProcessEvent(evt)
	if err != nil {
		c.logger.Error("failed to process event", slog.String("type", evt.Type), slog.Any("err", err))
		return nil, nil
	}
	if announce && item != nil {
		c.Dispatch(EventConversationUpdated, &ConversationUpdate{Item: item, Delta: delta})
	}
	return item, delta
}

// UpdateSession merges the given fields into the session configuration and,
// when connected, pushes the result to the server. Zero fields are left
// untouched. The effective tool list is the union of inline session tools and
// the registered tools; a name present in both is an error.
func (c *Client) UpdateSession(patch events.SessionUpdate) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	mergeSession(&session, patch)

	useTools, err := c.effectiveTools(session.Tools)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	session.Tools = useTools
	if session.ToolChoice == "" && len(useTools) > 0 {
		session.ToolChoice = tool.ChoiceAuto
	}

	if !c.api.IsConnected() {
		return nil
	}
	return c.api.Send(events.TypeSessionUpdate, events.SessionUpdatePayload{Session: session})
}

func mergeSession(dst *events.SessionUpdate, patch events.SessionUpdate) {
	if patch.Modalities != nil {
		dst.Modalities = patch.Modalities
	}
	if patch.Instructions != "" {
		dst.Instructions = patch.Instructions
	}
	if patch.Voice != "" {
		dst.Voice = patch.Voice
	}
	if patch.InputAudioFormat != "" {
		dst.InputAudioFormat = patch.InputAudioFormat
	}
	if patch.OutputAudioFormat != "" {
		dst.OutputAudioFormat = patch.OutputAudioFormat
	}
	if patch.InputAudioTranscription != nil {
		dst.InputAudioTranscription = patch.InputAudioTranscription
	}
	if patch.TurnDetection != nil {
		dst.TurnDetection = patch.TurnDetection
	}
	if patch.ToolChoice != "" {
		dst.ToolChoice = patch.ToolChoice
	}
	if patch.Temperature != 0 {
		dst.Temperature = patch.Temperature
	}
	if patch.MaxResponseOutputTokens != nil {
		dst.MaxResponseOutputTokens = patch.MaxResponseOutputTokens
	}
	if patch.Speed != 0 {
		dst.Speed = patch.Speed
	}
	if patch.Tools != nil {
		dst.Tools = patch.Tools
	}
}

func (c *Client) effectiveTools(inline []tool.Tool) ([]tool.Tool, error) {
	seen := map[string]bool{}
	var useTools []tool.Tool
	for _, t := range inline {
		if t.Name == "" {
			return nil, fmt.Errorf("missing tool name in session config")
		}
		if c.tools.Has(t.Name) {
			return nil, fmt.Errorf("tool %q has already been defined", t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("tool %q defined twice in session config", t.Name)
		}
		seen[t.Name] = true
		if t.Type == "" {
			t.Type = "function"
		}
		useTools = append(useTools, t)
	}
	return append(useTools, c.tools.Definitions()...), nil
}

// AddTool registers a tool and pushes the updated tool schema to the server.
func (c *Client) AddTool(def tool.Tool, handler tool.Handler) error {
	if err := c.tools.Add(def, handler); err != nil {
		return err
	}
	return c.UpdateSession(events.SessionUpdate{})
}

// RemoveTool unregisters a tool and pushes the updated tool schema.
func (c *Client) RemoveTool(name string) error {
	if err := c.tools.Remove(name); err != nil {
		return err
	}
	return c.UpdateSession(events.SessionUpdate{})
}

// SendUserMessageContent creates a user message item from the given parts and
// requests a response. Empty content skips the item but still responds.
func (c *Client) SendUserMessageContent(content ...MessageContent) error {
	if len(content) > 0 {
		parts := make([]events.ContentPart, 0, len(content))
		for _, mc := range content {
			part := events.ContentPart{Type: mc.Type, Text: mc.Text}
			if len(mc.Audio) > 0 {
				part.Audio = EncodeAudio(mc.Audio)
			}
			parts = append(parts, part)
		}
		err := c.api.Send(events.TypeConversationItemCreate, events.ItemCreatePayload{
			Item: events.Item{
				ID:      events.NewID("item_"),
				Type:    events.ItemTypeMessage,
				Role:    events.RoleUser,
				Content: parts,
			},
		})
		if err != nil {
			return err
		}
	}
	return c.CreateResponse()
}

// AppendInputAudio streams samples to the server-side input buffer and keeps
// a local copy for sample counting and for populating a synthesized user item
// when no turn detection is configured.
func (c *Client) AppendInputAudio(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	err := c.api.Send(events.TypeInputAudioBufferAppend, events.InputAudioBufferAppendPayload{
		Audio: EncodeAudio(samples),
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.inputAudioBuffer = MergeAudio(c.inputAudioBuffer, samples)
	c.mu.Unlock()
	return nil
}

// StreamInputAudio chunk-reads pcm16 audio from r and appends it until EOF or
// cancellation. Chunks hold latency worth of audio at SampleRate; pair with
// an InputBuffer to feed from a capture callback.
func (c *Client) StreamInputAudio(ctx context.Context, r io.Reader, latency time.Duration) error {
	cr := NewFixedAudioChunkReader(r, SampleRate, latency)
	buf := make([]byte, cr.ChunkSize())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := cr.Read(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.AppendInputAudio(BytesToSamples(buf[:n])); err != nil {
			return err
		}
	}
}

// ClearInputAudio drops the staged input audio locally and server-side.
func (c *Client) ClearInputAudio() error {
	if err := c.api.Send(events.TypeInputAudioBufferClear, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.inputAudioBuffer = nil
	c.mu.Unlock()
	return nil
}

// CreateResponse requests a response. Without server-side turn detection, any
// staged input audio is committed first and handed to the conversation for
// the user item the server will create.
func (c *Client) CreateResponse() error {
	c.mu.Lock()
	staged := c.inputAudioBuffer
	commit := !turnDetectionActive(c.session.TurnDetection) && len(staged) > 0
	if commit {
		c.inputAudioBuffer = nil
	}
	c.mu.Unlock()

	if commit {
		if err := c.api.Send(events.TypeInputAudioBufferCommit, nil); err != nil {
			return err
		}
		c.conversation.QueueInputAudio(staged)
	}
	return c.api.Send(events.TypeResponseCreate, nil)
}

func turnDetectionActive(td *events.TurnDetection) bool {
	return td != nil && td.Type != "" && td.Type != "none"
}

// CancelResponse cancels the in-flight response. With an item id of the
// assistant message currently playing and the number of samples already
// heard, the server-side copy is additionally truncated to what the user
// actually got. Returns the item for caller inspection.
func (c *Client) CancelResponse(id string, sampleCount int) (*Item, error) {
	if id == "" {
		return nil, c.api.Send(events.TypeResponseCancel, nil)
	}

	item, ok := c.conversation.Item(id)
	if !ok {
		return nil, fmt.Errorf("could not find item %q", id)
	}
	if item.Type != events.ItemTypeMessage {
		return nil, fmt.Errorf("can only cancel response messages with type %q", events.ItemTypeMessage)
	}
	if item.Role != events.RoleAssistant {
		return nil, fmt.Errorf("can only cancel response messages with role %q", events.RoleAssistant)
	}
	if err := c.api.Send(events.TypeResponseCancel, nil); err != nil {
		return nil, err
	}

	audioIndex := -1
	for i, part := range item.Content {
		if part.Type == events.ContentTypeAudio {
			audioIndex = i
			break
		}
	}
	if audioIndex == -1 {
		return nil, fmt.Errorf("could not find audio content part in item %q", id)
	}
	err := c.api.Send(events.TypeConversationItemTruncate, events.ItemTruncatePayload{
		ItemID:       id,
		ContentIndex: audioIndex,
		AudioEndMs:   SamplesToMs(sampleCount),
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteItem removes a known item from the conversation, locally on the
// server's confirming event.
func (c *Client) DeleteItem(id string) error {
	if _, ok := c.conversation.Item(id); !ok {
		return fmt.Errorf("could not find item %q", id)
	}
	return c.api.Send(events.TypeConversationItemDelete, events.ItemDeletePayload{ItemID: id})
}

// WaitForSessionCreated blocks until the server acknowledged the session.
func (c *Client) WaitForSessionCreated(ctx context.Context) error {
	if !c.api.IsConnected() {
		return fmt.Errorf("not connected, use Connect() first")
	}
	c.mu.Lock()
	ch := c.sessionCreatedCh
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session.created: %w", ctx.Err())
	}
}

// WaitForNextItem blocks until the next item is appended to the conversation.
func (c *Client) WaitForNextItem(ctx context.Context) (*Item, error) {
	payload, err := c.WaitForNext(ctx, EventConversationItemAppended)
	if err != nil {
		return nil, err
	}
	return payload.(*Item), nil
}

// WaitForNextCompletedItem blocks until the next item completes.
func (c *Client) WaitForNextCompletedItem(ctx context.Context) (*Item, error) {
	payload, err := c.WaitForNext(ctx, EventConversationItemCompleted)
	if err != nil {
		return nil, err
	}
	return payload.(*Item), nil
}

// callTool executes a completed function call and reports the outcome back
// into the conversation. Failures become structured error output; a new
// response is requested either way so the model can react.
func (c *Client) callTool(t FormattedTool) {
	output := c.executeTool(t)
	err := c.api.Send(events.TypeConversationItemCreate, events.ItemCreatePayload{
		Item: events.Item{
			Type:   events.ItemTypeFunctionCallOutput,
			CallID: t.CallID,
			Output: output,
		},
	})
	if err != nil {
		c.logger.Error("failed to send tool output", slog.String("tool", t.Name), slog.Any("err", err))
	}
	if err := c.api.Send(events.TypeResponseCreate, nil); err != nil {
		c.logger.Error("failed to request response after tool call", slog.String("tool", t.Name), slog.Any("err", err))
	}
}

func (c *Client) executeTool(t FormattedTool) string {
	fail := func(err error) string {
		c.logger.Warn("tool call failed", slog.String("tool", t.Name), slog.Any("err", err))
		data, _ := json.Marshal(map[string]any{"error": err.Error()})
		return string(data)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(t.Arguments), &args); err != nil {
		return fail(fmt.Errorf("invalid arguments: %w", err))
	}
	reg, ok := c.tools.Get(t.Name)
	if !ok {
		return fail(fmt.Errorf("tool %q has not been added", t.Name))
	}
	if err := reg.ValidateArguments(args); err != nil {
		return fail(err)
	}

	c.mu.Lock()
	ctx := c.toolCtx
	c.mu.Unlock()

	result, err := reg.Handler(ctx, args)
	if err != nil {
		return fail(err)
	}
	if result == nil {
		result = map[string]any{"success": true}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fail(fmt.Errorf("marshal tool result: %w", err))
	}
	c.logger.Debug("tool call succeeded", slog.String("tool", t.Name))
	return string(data)
}

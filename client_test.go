package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/voicewire/realtime-go/events"
	"github.com/voicewire/realtime-go/tool"
)

// fakeTransport records outbound commands and lets tests inject server
// events, standing in for the websocket API.
type fakeTransport struct {
	*EventHandler
	mu        sync.Mutex
	connected bool
	sent      []sentEvent
}

type sentEvent struct {
	Type    string
	Payload map[string]any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{EventHandler: NewEventHandler(), connected: true}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.Dispatch("close", nil)
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(eventType string, payload any) error {
	if !f.IsConnected() {
		return fmt.Errorf("not connected")
	}
	obj := map[string]any{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
	}
	obj["type"] = eventType
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{Type: eventType, Payload: obj})
	f.mu.Unlock()
	f.Dispatch("client."+eventType, obj)
	return nil
}

func (f *fakeTransport) receive(evt *events.ServerEvent) {
	f.Dispatch("server."+evt.Type, evt)
}

func (f *fakeTransport) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.sent))
	for i, s := range f.sent {
		types[i] = s.Type
	}
	return types
}

func (f *fakeTransport) lastSent(eventType string) (sentEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == eventType {
			return f.sent[i], true
		}
	}
	return sentEvent{}, false
}

func (f *fakeTransport) countSent(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.Type == eventType {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := New(append([]Option{WithTransport(ft), WithKey("test")}, opts...)...)
	return c, ft
}

func TestCreateResponseCommitsStagedAudio(t *testing.T) {
	c, ft := newTestClient(t)

	require.NoError(t, c.AppendInputAudio([]int16{1, 2, 3}))
	require.NoError(t, c.CreateResponse())

	require.Equal(t, []string{
		events.TypeInputAudioBufferAppend,
		events.TypeInputAudioBufferCommit,
		events.TypeResponseCreate,
	}, ft.sentTypes())

	// The buffer is drained: the next response needs no commit.
	require.NoError(t, c.CreateResponse())
	require.Equal(t, 1, ft.countSent(events.TypeInputAudioBufferCommit))
	require.Equal(t, 2, ft.countSent(events.TypeResponseCreate))
}

func TestCreateResponseWithTurnDetection(t *testing.T) {
	c, ft := newTestClient(t, WithServerVAD())

	require.NoError(t, c.AppendInputAudio([]int16{1, 2, 3}))
	require.NoError(t, c.CreateResponse())

	require.Equal(t, 0, ft.countSent(events.TypeInputAudioBufferCommit))
	require.Equal(t, 1, ft.countSent(events.TypeResponseCreate))
}

func TestAppendInputAudioEmptyIsNoop(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.AppendInputAudio(nil))
	require.Empty(t, ft.sentTypes())
}

func TestSendUserMessageContent(t *testing.T) {
	c, ft := newTestClient(t)

	require.NoError(t, c.SendUserMessageContent(TextContent("hi"), AudioContent([]int16{1, 2})))

	created, ok := ft.lastSent(events.TypeConversationItemCreate)
	require.True(t, ok)
	item := created.Payload["item"].(map[string]any)
	require.Equal(t, events.ItemTypeMessage, item["type"])
	require.Equal(t, events.RoleUser, item["role"])
	content := item["content"].([]any)
	require.Len(t, content, 2)
	audioPart := content[1].(map[string]any)
	require.Equal(t, EncodeAudio([]int16{1, 2}), audioPart["audio"])

	require.Equal(t, 1, ft.countSent(events.TypeResponseCreate))

	// Empty content skips the item create but still responds.
	require.NoError(t, c.SendUserMessageContent())
	require.Equal(t, 1, ft.countSent(events.TypeConversationItemCreate))
	require.Equal(t, 2, ft.countSent(events.TypeResponseCreate))
}

func seedAssistantAudioItem(t *testing.T, ft *fakeTransport, id string) {
	t.Helper()
	ft.receive(&events.ServerEvent{Type: events.TypeResponseCreated, Response: &events.Response{ID: "resp_1"}})
	ft.receive(&events.ServerEvent{
		Type:       events.TypeResponseOutputItemAdded,
		ResponseID: "resp_1",
		Item:       &events.Item{ID: id, Type: events.ItemTypeMessage, Role: events.RoleAssistant},
	})
	ft.receive(&events.ServerEvent{
		Type:   events.TypeResponseContentPartAdded,
		ItemID: id,
		Part:   &events.ContentPart{Type: events.ContentTypeAudio},
	})
}

func TestCancelResponseTruncates(t *testing.T) {
	c, ft := newTestClient(t)
	seedAssistantAudioItem(t, ft, "x")

	item, err := c.CancelResponse("x", SampleRate) // one second heard
	require.NoError(t, err)
	require.Equal(t, "x", item.ID)

	types := ft.sentTypes()
	require.Equal(t, []string{events.TypeResponseCancel, events.TypeConversationItemTruncate}, types)

	truncate, _ := ft.lastSent(events.TypeConversationItemTruncate)
	require.Equal(t, "x", truncate.Payload["item_id"])
	require.Equal(t, float64(0), truncate.Payload["content_index"])
	require.Equal(t, float64(1000), truncate.Payload["audio_end_ms"])
}

func TestCancelResponseBare(t *testing.T) {
	c, ft := newTestClient(t)
	item, err := c.CancelResponse("", 0)
	require.NoError(t, err)
	require.Nil(t, item)
	require.Equal(t, []string{events.TypeResponseCancel}, ft.sentTypes())
}

func TestCancelResponseRejectsWrongItems(t *testing.T) {
	c, ft := newTestClient(t)

	_, err := c.CancelResponse("missing", 0)
	require.ErrorContains(t, err, "could not find item")

	ft.receive(&events.ServerEvent{
		Type: events.TypeConversationItemCreated,
		Item: &events.Item{ID: "u1", Type: events.ItemTypeMessage, Role: events.RoleUser},
	})
	_, err = c.CancelResponse("u1", 0)
	require.ErrorContains(t, err, `role "assistant"`)
	require.Equal(t, 0, ft.countSent(events.TypeConversationItemTruncate))
}

func TestToolRegistration(t *testing.T) {
	c, _ := newTestClient(t)
	def := tool.Tool{Name: "get_weather"}
	handler := func(context.Context, map[string]any) (any, error) { return nil, nil }

	require.NoError(t, c.AddTool(def, handler))
	require.ErrorContains(t, c.AddTool(def, handler), "already added")
	require.ErrorContains(t, c.RemoveTool("nope"), "does not exist")
	require.NoError(t, c.RemoveTool("get_weather"))
	require.NoError(t, c.AddTool(def, handler))

	// Inline session tools must not shadow registered ones.
	err := c.UpdateSession(events.SessionUpdate{Tools: []tool.Tool{{Name: "get_weather"}}})
	require.ErrorContains(t, err, "already been defined")
}

func completeFunctionCall(ft *fakeTransport, name, callID string, argDeltas ...string) {
	ft.receive(&events.ServerEvent{Type: events.TypeResponseCreated, Response: &events.Response{ID: "resp_1"}})
	ft.receive(&events.ServerEvent{
		Type:       events.TypeResponseOutputItemAdded,
		ResponseID: "resp_1",
		Item:       &events.Item{ID: "fc_1", Type: events.ItemTypeFunctionCall, Name: name, CallID: callID},
	})
	for _, d := range argDeltas {
		ft.receive(&events.ServerEvent{
			Type:   events.TypeResponseFunctionCallArgumentsDelta,
			ItemID: "fc_1",
			Delta:  d,
		})
	}
	ft.receive(&events.ServerEvent{
		Type: events.TypeResponseOutputItemDone,
		Item: &events.Item{ID: "fc_1", Status: events.ItemStatusCompleted},
	})
}

func TestToolCallInvokesHandler(t *testing.T) {
	c, ft := newTestClient(t)

	var gotArgs map[string]any
	err := c.AddTool(tool.Tool{
		Name: "get_weather",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"a": map[string]any{"type": "number"}},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		gotArgs = args
		return map[string]any{"temp": 21}, nil
	})
	require.NoError(t, err)

	completeFunctionCall(ft, "get_weather", "call_1", `{"a":1`, `}`)

	require.Eventually(t, func() bool {
		return ft.countSent(events.TypeConversationItemCreate) == 1 &&
			ft.countSent(events.TypeResponseCreate) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, map[string]any{"a": float64(1)}, gotArgs)

	output, _ := ft.lastSent(events.TypeConversationItemCreate)
	item := output.Payload["item"].(map[string]any)
	require.Equal(t, events.ItemTypeFunctionCallOutput, item["type"])
	require.Equal(t, "call_1", item["call_id"])
	require.JSONEq(t, `{"temp":21}`, item["output"].(string))
}

func TestToolCallFailureStillResponds(t *testing.T) {
	c, ft := newTestClient(t)

	err := c.AddTool(tool.Tool{Name: "boom"}, func(context.Context, map[string]any) (any, error) {
		return nil, fmt.Errorf("kaput")
	})
	require.NoError(t, err)

	completeFunctionCall(ft, "boom", "call_1", `{}`)

	require.Eventually(t, func() bool {
		return ft.countSent(events.TypeResponseCreate) == 1
	}, time.Second, time.Millisecond)

	output, _ := ft.lastSent(events.TypeConversationItemCreate)
	item := output.Payload["item"].(map[string]any)
	require.JSONEq(t, `{"error":"kaput"}`, item["output"].(string))
}

func TestToolCallUnknownToolReportsError(t *testing.T) {
	c, ft := newTestClient(t)
	_ = c

	completeFunctionCall(ft, "nonexistent", "call_1", `{}`)

	require.Eventually(t, func() bool {
		return ft.countSent(events.TypeConversationItemCreate) == 1
	}, time.Second, time.Millisecond)

	output, _ := ft.lastSent(events.TypeConversationItemCreate)
	item := output.Payload["item"].(map[string]any)
	require.Contains(t, item["output"].(string), "has not been added")
	require.Equal(t, 1, ft.countSent(events.TypeResponseCreate))
}

func TestSpeechStartedAnnouncesInterruption(t *testing.T) {
	c, ft := newTestClient(t)

	interrupted := false
	c.On(EventConversationInterrupted, func(any) { interrupted = true })

	ft.receive(&events.ServerEvent{
		Type:   events.TypeInputAudioBufferSpeechStarted,
		ItemID: "u1",
	})
	require.True(t, interrupted)
	// No cancel is sent on the client's behalf.
	require.Empty(t, ft.sentTypes())
}

func TestConversationUpdatedSuppressedForNilItem(t *testing.T) {
	c, ft := newTestClient(t)

	updates := 0
	c.On(EventConversationUpdated, func(any) { updates++ })

	// Transcription racing item creation settles no item and must not
	// announce an update.
	ft.receive(&events.ServerEvent{
		Type:       events.TypeConversationItemTranscriptionDone,
		ItemID:     "ghost",
		Transcript: "hello",
	})
	require.Equal(t, 0, updates)
}

func TestItemLifecycleAnnouncements(t *testing.T) {
	c, ft := newTestClient(t)

	var appended, completed []*Item
	c.On(EventConversationItemAppended, func(p any) { appended = append(appended, p.(*Item)) })
	c.On(EventConversationItemCompleted, func(p any) { completed = append(completed, p.(*Item)) })

	seedAssistantAudioItem(t, ft, "x")
	ft.receive(&events.ServerEvent{
		Type: events.TypeConversationItemCreated,
		Item: &events.Item{ID: "x", Type: events.ItemTypeMessage, Role: events.RoleAssistant},
	})
	ft.receive(&events.ServerEvent{
		Type:   events.TypeResponseAudioDelta,
		ItemID: "x",
		Delta:  EncodeAudio([]int16{1, 2, 3}),
	})
	ft.receive(&events.ServerEvent{
		Type: events.TypeResponseOutputItemDone,
		Item: &events.Item{ID: "x", Status: events.ItemStatusCompleted},
	})

	require.Len(t, appended, 1)
	require.Equal(t, "x", appended[0].ID)
	require.Len(t, completed, 1)
	require.Equal(t, []int16{1, 2, 3}, completed[0].Formatted.Audio)
}

func TestWaitForNextItem(t *testing.T) {
	c, ft := newTestClient(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ft.receive(&events.ServerEvent{
			Type: events.TypeConversationItemCreated,
			Item: &events.Item{ID: "u1", Type: events.ItemTypeMessage, Role: events.RoleUser},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := c.WaitForNextItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", item.ID)

	// User items complete on creation.
	go func() {
		time.Sleep(10 * time.Millisecond)
		ft.receive(&events.ServerEvent{
			Type: events.TypeConversationItemCreated,
			Item: &events.Item{ID: "u2", Type: events.ItemTypeMessage, Role: events.RoleUser},
		})
	}()
	item, err = c.WaitForNextCompletedItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "u2", item.ID)
}

func TestWaitForSessionCreated(t *testing.T) {
	c, ft := newTestClient(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		ft.receive(&events.ServerEvent{Type: events.TypeSessionCreated, Session: &events.Session{ID: "sess_1"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitForSessionCreated(ctx))

	// Fails fast when the transport is down.
	require.NoError(t, c.Disconnect(context.Background()))
	require.ErrorContains(t, c.WaitForSessionCreated(ctx), "not connected")
}

func TestUpdateSessionMergesPatch(t *testing.T) {
	c, ft := newTestClient(t, WithInstructions("be helpful"))

	require.NoError(t, c.UpdateSession(events.SessionUpdate{Voice: "ash"}))

	sent, ok := ft.lastSent(events.TypeSessionUpdate)
	require.True(t, ok)
	session := sent.Payload["session"].(map[string]any)
	require.Equal(t, "ash", session["voice"])
	require.Equal(t, "be helpful", session["instructions"])

	// A later patch leaves unrelated fields untouched.
	require.NoError(t, c.UpdateSession(events.SessionUpdate{Temperature: 0.9}))
	sent, _ = ft.lastSent(events.TypeSessionUpdate)
	session = sent.Payload["session"].(map[string]any)
	require.Equal(t, "ash", session["voice"])
	require.Equal(t, 0.9, session["temperature"])
}

func TestDisconnectClearsState(t *testing.T) {
	c, ft := newTestClient(t)

	ft.receive(&events.ServerEvent{
		Type: events.TypeConversationItemCreated,
		Item: &events.Item{ID: "u1", Type: events.ItemTypeMessage, Role: events.RoleUser},
	})
	require.NoError(t, c.AppendInputAudio([]int16{1, 2}))

	require.NoError(t, c.Disconnect(context.Background()))
	require.Empty(t, c.Conversation().Items())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.CreateResponse())
	// The staged audio did not survive the disconnect: no commit.
	require.Equal(t, 0, ft.countSent(events.TypeInputAudioBufferCommit))
}

func TestDeleteItemRequiresKnownItem(t *testing.T) {
	c, ft := newTestClient(t)

	require.ErrorContains(t, c.DeleteItem("missing"), "could not find item")

	ft.receive(&events.ServerEvent{
		Type: events.TypeConversationItemCreated,
		Item: &events.Item{ID: "u1", Type: events.ItemTypeMessage, Role: events.RoleUser},
	})
	require.NoError(t, c.DeleteItem("u1"))

	sent, ok := ft.lastSent(events.TypeConversationItemDelete)
	require.True(t, ok)
	require.Equal(t, "u1", sent.Payload["item_id"])
}

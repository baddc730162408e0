package realtime

import (
	"fmt"
	"sync"

	"github.com/voicewire/realtime-go/events"
)

// ContentPart is one locally accumulated entry of a message item's content.
type ContentPart struct {
	Type       string
	Text       string
	Transcript string
	Audio      []int16
}

// FormattedTool is the synthesized descriptor of a function call, with
// arguments accumulated as raw JSON text until the call completes.
type FormattedTool struct {
	Type      string
	Name      string
	CallID    string
	Arguments string
}

// Formatted is the denormalized view of an item, kept consistent with the
// accumulated content for fast consumption.
type Formatted struct {
	Text       string
	Transcript string
	Audio      []int16
	Tool       *FormattedTool
	Output     string
}

// Item is one conversation item: a message, a function call or a function
// call output.
type Item struct {
	ID        string
	Type      string
	Role      string
	Status    string
	Content   []*ContentPart
	CallID    string
	Name      string
	Arguments string
	Output    string
	Formatted Formatted
}

// Delta is the incremental change ProcessEvent applied to an item.
type Delta struct {
	Text       string
	Transcript string
	Audio      []int16
	Arguments  string
}

// ResponseState is the in-flight bookkeeping for one response: its terminal
// status and the ids of the items it produced.
type ResponseState struct {
	ID            string
	Status        string
	StatusDetails *events.StatusDetails
	Usage         *events.Usage
	OutputItemIDs []string
}

type speechSegment struct {
	audioStartMs int
	audioEndMs   int
	audio        []int16
}

// Conversation assembles the ordered item collection from the server event
// stream. It owns all item state; consumers read through Item and Items and
// request mutation only through ProcessEvent.
type Conversation struct {
	mu                sync.Mutex
	items             []*Item
	lookup            map[string]*Item
	responses         map[string]*ResponseState
	queuedAudio       [][]int16
	queuedSpeech      map[string]*speechSegment
	queuedTranscripts map[string]string
}

func NewConversation() *Conversation {
	c := &Conversation{}
	c.reset()
	return c
}

func (c *Conversation) reset() {
	c.items = nil
	c.lookup = map[string]*Item{}
	c.responses = map[string]*ResponseState{}
	c.queuedAudio = nil
	c.queuedSpeech = map[string]*speechSegment{}
	c.queuedTranscripts = map[string]string{}
}

// Clear empties the collection, used on disconnect.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Item returns the item with the given id.
func (c *Conversation) Item(id string) (*Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.lookup[id]
	return item, ok
}

// Items returns the ordered item sequence.
func (c *Conversation) Items() []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]*Item, len(c.items))
	copy(items, c.items)
	return items
}

// Response returns the bookkeeping for a response id.
func (c *Conversation) Response(id string) (*ResponseState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.responses[id]
	return r, ok
}

// QueueInputAudio stages committed input audio for the next audio-carrying
// user item. Buffers are consumed strictly FIFO, one per item.
func (c *Conversation) QueueInputAudio(samples []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queuedAudio = append(c.queuedAudio, samples)
}

// ProcessEvent applies one server event to the conversation and returns the
// affected item together with the delta that was applied, either of which may
// be nil. A nil item means the event left no settled item state behind (for
// example a transcription that raced its item's creation) and should be
// ignored by the caller, not treated as an error. Unknown event types are an
// error.
func (c *Conversation) ProcessEvent(evt *events.ServerEvent, extra ...any) (*Item, *Delta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Type {
	case events.TypeResponseCreated:
		return c.processResponseCreated(evt)
	case events.TypeResponseDone:
		return c.processResponseDone(evt)
	case events.TypeResponseOutputItemAdded:
		return c.processOutputItemAdded(evt)
	case events.TypeResponseOutputItemDone:
		return c.processOutputItemDone(evt)
	case events.TypeResponseContentPartAdded:
		return c.processContentPartAdded(evt)
	case events.TypeResponseAudioTranscriptDelta:
		return c.processTranscriptDelta(evt)
	case events.TypeResponseTextDelta:
		return c.processTextDelta(evt)
	case events.TypeResponseAudioDelta:
		return c.processAudioDelta(evt)
	case events.TypeResponseFunctionCallArgumentsDelta:
		return c.processArgumentsDelta(evt)
	case events.TypeConversationItemCreated:
		return c.processItemCreated(evt)
	case events.TypeConversationItemTruncated:
		return c.processItemTruncated(evt)
	case events.TypeConversationItemDeleted:
		return c.processItemDeleted(evt)
	case events.TypeConversationItemTranscriptionDone:
		return c.processTranscriptionCompleted(evt)
	case events.TypeInputAudioBufferSpeechStarted:
		return c.processSpeechStarted(evt)
	case events.TypeInputAudioBufferSpeechStopped:
		return c.processSpeechStopped(evt, extra...)
	default:
		return nil, nil, fmt.Errorf("missing conversation event processor for %q", evt.Type)
	}
}

func (c *Conversation) processResponseCreated(evt *events.ServerEvent) (*Item, *Delta, error) {
	if evt.Response == nil {
		return nil, nil, fmt.Errorf("%s: missing response", evt.Type)
	}
	if _, ok := c.responses[evt.Response.ID]; !ok {
		c.responses[evt.Response.ID] = &ResponseState{
			ID:     evt.Response.ID,
			Status: events.ResponseStatusInProgress,
		}
	}
	return nil, nil, nil
}

func (c *Conversation) processResponseDone(evt *events.ServerEvent) (*Item, *Delta, error) {
	if evt.Response == nil {
		return nil, nil, fmt.Errorf("%s: missing response", evt.Type)
	}
	resp, ok := c.responses[evt.Response.ID]
	if !ok {
		resp = &ResponseState{ID: evt.Response.ID}
		c.responses[evt.Response.ID] = resp
	}
	resp.Status = evt.Response.Status
	resp.StatusDetails = evt.Response.StatusDetails
	resp.Usage = evt.Response.Usage
	return nil, nil, nil
}

func (c *Conversation) processOutputItemAdded(evt *events.ServerEvent) (*Item, *Delta, error) {
	if evt.Item == nil {
		return nil, nil, fmt.Errorf("%s: missing item", evt.Type)
	}
	resp, ok := c.responses[evt.ResponseID]
	if !ok {
		return nil, nil, fmt.Errorf("%s: response %q not found", evt.Type, evt.ResponseID)
	}
	item, err := c.upsertItem(evt.Item, evt.PreviousItemID)
	if err != nil {
		return nil, nil, err
	}
	resp.OutputItemIDs = append(resp.OutputItemIDs, item.ID)
	return item, nil, nil
}

func (c *Conversation) processOutputItemDone(evt *events.ServerEvent) (*Item, *Delta, error) {
	if evt.Item == nil || evt.Item.Status == "" {
		return nil, nil, fmt.Errorf("%s: missing item or status", evt.Type)
	}
	item, ok := c.lookup[evt.Item.ID]
	if !ok {
		return nil, nil, fmt.Errorf("%s: item %q not found", evt.Type, evt.Item.ID)
	}
	item.Status = evt.Item.Status
	if evt.Item.Arguments != "" {
		item.Arguments = evt.Item.Arguments
	}
	if item.Type == events.ItemTypeFunctionCall {
		item.Formatted.Tool = &FormattedTool{
			Type:      "function",
			Name:      item.Name,
			CallID:    item.CallID,
			Arguments: item.Arguments,
		}
	}
	return item, nil, nil
}

func (c *Conversation) processContentPartAdded(evt *events.ServerEvent) (*Item, *Delta, error) {
	if evt.Part == nil {
		return nil, nil, fmt.Errorf("%s: missing part", evt.Type)
	}
	item, ok := c.lookup[evt.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%s: item %q not found", evt.Type, evt.ItemID)
	}
	part := &ContentPart{
		Type:       evt.Part.Type,
		Text:       evt.Part.Text,
		Transcript: evt.Part.Transcript,
	}
	if evt.Part.Audio != "" {
		audio, err := DecodeAudio(evt.Part.Audio)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", evt.Type, err)
		}
		part.Audio = audio
	}
	item.Content = append(item.Content, part)
	return item, nil, nil
}

func (c *Conversation) processTranscriptDelta(evt *events.ServerEvent) (*Item, *Delta, error) {
	item, part, err := c.findPart(evt)
	if err != nil {
		return nil, nil, err
	}
	part.Transcript += evt.Delta
	item.Formatted.Transcript += evt.Delta
	return item, &Delta{Transcript: evt.Delta}, nil
}

func (c *Conversation) processTextDelta(evt *events.ServerEvent) (*Item, *Delta, error) {
	item, part, err := c.findPart(evt)
	if err != nil {
		return nil, nil, err
	}
	part.Text += evt.Delta
	item.Formatted.Text += evt.Delta
	return item, &Delta{Text: evt.Delta}, nil
}

func (c *Conversation) processAudioDelta(evt *events.ServerEvent) (*Item, *Delta, error) {
	item, part, err := c.findPart(evt)
	if err != nil {
		return nil, nil, err
	}
	samples, err := DecodeAudio(evt.Delta)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", evt.Type, err)
	}
	part.Audio = MergeAudio(part.Audio, samples)
	item.Formatted.Audio = MergeAudio(item.Formatted.Audio, samples)
	return item, &Delta{Audio: samples}, nil
}

func (c *Conversation) processArgumentsDelta(evt *events.ServerEvent) (*Item, *Delta, error) {
	item, ok := c.lookup[evt.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%s: item %q not found", evt.Type, evt.ItemID)
	}
	item.Arguments += evt.Delta
	if item.Formatted.Tool == nil {
		item.Formatted.Tool = &FormattedTool{
			Type:   "function",
			Name:   item.Name,
			CallID: item.CallID,
		}
	}
	item.Formatted.Tool.Arguments += evt.Delta
	return item, &Delta{Arguments: evt.Delta}, nil
}

func (c *Conversation) processItemCreated(evt *events.ServerEvent) (*Item, *Delta, error) {
	if evt.Item == nil {
		return nil, nil, fmt.Errorf("%s: missing item", evt.Type)
	}
	item, err := c.upsertItem(evt.Item, evt.PreviousItemID)
	if err != nil {
		return nil, nil, err
	}
	return item, nil, nil
}

func (c *Conversation) processItemTruncated(evt *events.ServerEvent) (*Item, *Delta, error) {
	item, ok := c.lookup[evt.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%s: item %q not found", evt.Type, evt.ItemID)
	}
	end := MsToSamples(evt.AudioEndMs)
	if end > len(item.Formatted.Audio) {
		end = len(item.Formatted.Audio)
	}
	item.Formatted.Audio = item.Formatted.Audio[:end]
	item.Formatted.Transcript = ""
	if evt.ContentIndex >= 0 && evt.ContentIndex < len(item.Content) {
		part := item.Content[evt.ContentIndex]
		if end <= len(part.Audio) {
			part.Audio = part.Audio[:end]
		}
		part.Transcript = ""
	}
	return item, nil, nil
}

func (c *Conversation) processItemDeleted(evt *events.ServerEvent) (*Item, *Delta, error) {
	item, ok := c.lookup[evt.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%s: item %q not found", evt.Type, evt.ItemID)
	}
	delete(c.lookup, evt.ItemID)
	for i, it := range c.items {
		if it.ID == evt.ItemID {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	return item, nil, nil
}

func (c *Conversation) processTranscriptionCompleted(evt *events.ServerEvent) (*Item, *Delta, error) {
	item, ok := c.lookup[evt.ItemID]
	if !ok {
		// Transcription can race item creation; hold the transcript until
		// the item arrives instead of dropping it.
		c.queuedTranscripts[evt.ItemID] = evt.Transcript
		return nil, nil, nil
	}
	if evt.ContentIndex >= 0 && evt.ContentIndex < len(item.Content) {
		item.Content[evt.ContentIndex].Transcript = evt.Transcript
	}
	item.Formatted.Transcript = evt.Transcript
	return item, &Delta{Transcript: evt.Transcript}, nil
}

func (c *Conversation) processSpeechStarted(evt *events.ServerEvent) (*Item, *Delta, error) {
	c.queuedSpeech[evt.ItemID] = &speechSegment{audioStartMs: evt.AudioStartMs}
	return nil, nil, nil
}

func (c *Conversation) processSpeechStopped(evt *events.ServerEvent, extra ...any) (*Item, *Delta, error) {
	seg, ok := c.queuedSpeech[evt.ItemID]
	if !ok {
		seg = &speechSegment{audioStartMs: evt.AudioEndMs}
		c.queuedSpeech[evt.ItemID] = seg
	}
	seg.audioEndMs = evt.AudioEndMs

	// When the caller supplies the locally buffered input audio, carve out
	// the spoken segment so the item created for this speech carries it.
	if len(extra) > 0 {
		buffer, ok := extra[0].([]int16)
		if !ok {
			return nil, nil, fmt.Errorf("%s: expected []int16 input audio buffer", evt.Type)
		}
		start := min(MsToSamples(seg.audioStartMs), len(buffer))
		end := min(MsToSamples(seg.audioEndMs), len(buffer))
		if start > end {
			start = end
		}
		seg.audio = append([]int16(nil), buffer[start:end]...)
	}
	return nil, nil, nil
}

func (c *Conversation) findPart(evt *events.ServerEvent) (*Item, *ContentPart, error) {
	item, ok := c.lookup[evt.ItemID]
	if !ok {
		return nil, nil, fmt.Errorf("%s: item %q not found", evt.Type, evt.ItemID)
	}
	if evt.ContentIndex < 0 || evt.ContentIndex >= len(item.Content) {
		return nil, nil, fmt.Errorf("%s: content index %d out of range for item %q", evt.Type, evt.ContentIndex, evt.ItemID)
	}
	return item, item.Content[evt.ContentIndex], nil
}

// upsertItem inserts a local item built from the wire item, or merges the
// wire fields into the already-known item. Both response.output_item.added
// and conversation.item.created funnel through here, whichever arrives first.
func (c *Conversation) upsertItem(wire *events.Item, previousID string) (*Item, error) {
	if wire.ID == "" {
		return nil, fmt.Errorf("item without id")
	}
	item, known := c.lookup[wire.ID]
	if known {
		mergeWireItem(item, wire)
	} else {
		var err error
		item, err = newLocalItem(wire)
		if err != nil {
			return nil, err
		}
		c.insertItem(item, previousID)
	}
	c.applyQueued(item)
	return item, nil
}

func (c *Conversation) insertItem(item *Item, previousID string) {
	c.lookup[item.ID] = item
	if previousID != "" {
		for i, existing := range c.items {
			if existing.ID == previousID {
				c.items = append(c.items[:i+1], append([]*Item{item}, c.items[i+1:]...)...)
				return
			}
		}
	}
	c.items = append(c.items, item)
}

// applyQueued drains staged state that arrived ahead of the item: carved
// speech audio, a raced transcript, and FIFO-queued committed input audio.
func (c *Conversation) applyQueued(item *Item) {
	if seg, ok := c.queuedSpeech[item.ID]; ok {
		if len(item.Formatted.Audio) == 0 {
			item.Formatted.Audio = seg.audio
		}
		delete(c.queuedSpeech, item.ID)
	}
	if transcript, ok := c.queuedTranscripts[item.ID]; ok {
		item.Formatted.Transcript = transcript
		for _, part := range item.Content {
			if part.Type == events.ContentTypeInputAudio {
				part.Transcript = transcript
				break
			}
		}
		delete(c.queuedTranscripts, item.ID)
	}
	if item.Type == events.ItemTypeMessage && item.Role == events.RoleUser &&
		len(item.Formatted.Audio) == 0 && len(c.queuedAudio) > 0 && hasAudioContent(item) {
		item.Formatted.Audio = c.queuedAudio[0]
		c.queuedAudio = c.queuedAudio[1:]
	}
}

func hasAudioContent(item *Item) bool {
	for _, part := range item.Content {
		if part.Type == events.ContentTypeInputAudio || part.Type == events.ContentTypeAudio {
			return true
		}
	}
	return false
}

func newLocalItem(wire *events.Item) (*Item, error) {
	item := &Item{
		ID:        wire.ID,
		Type:      wire.Type,
		Role:      wire.Role,
		Status:    wire.Status,
		CallID:    wire.CallID,
		Name:      wire.Name,
		Arguments: wire.Arguments,
		Output:    wire.Output,
	}
	for _, p := range wire.Content {
		part := &ContentPart{Type: p.Type, Text: p.Text, Transcript: p.Transcript}
		if p.Audio != "" {
			audio, err := DecodeAudio(p.Audio)
			if err != nil {
				return nil, fmt.Errorf("item %q: %w", wire.ID, err)
			}
			part.Audio = audio
		}
		item.Content = append(item.Content, part)
		if p.Type == events.ContentTypeText || p.Type == events.ContentTypeInputText {
			item.Formatted.Text += p.Text
		}
	}

	switch item.Type {
	case events.ItemTypeMessage:
		if item.Status == "" {
			if item.Role == events.RoleUser {
				item.Status = events.ItemStatusCompleted
			} else {
				item.Status = events.ItemStatusInProgress
			}
		}
	case events.ItemTypeFunctionCall:
		item.Formatted.Tool = &FormattedTool{
			Type:      "function",
			Name:      item.Name,
			CallID:    item.CallID,
			Arguments: item.Arguments,
		}
		if item.Status == "" {
			item.Status = events.ItemStatusInProgress
		}
	case events.ItemTypeFunctionCallOutput:
		item.Status = events.ItemStatusCompleted
		item.Formatted.Output = item.Output
	}
	return item, nil
}

func mergeWireItem(item *Item, wire *events.Item) {
	if wire.Status != "" {
		item.Status = wire.Status
	}
	if wire.Role != "" && item.Role == "" {
		item.Role = wire.Role
	}
	if wire.CallID != "" {
		item.CallID = wire.CallID
	}
	if wire.Name != "" {
		item.Name = wire.Name
	}
	if wire.Arguments != "" {
		item.Arguments = wire.Arguments
	}
	if wire.Output != "" {
		item.Output = wire.Output
		item.Formatted.Output = wire.Output
	}
}

package events

// Client event types sent to the server.
const (
	TypeSessionUpdate            = "session.update"
	TypeInputAudioBufferAppend   = "input_audio_buffer.append"
	TypeInputAudioBufferCommit   = "input_audio_buffer.commit"
	TypeInputAudioBufferClear    = "input_audio_buffer.clear"
	TypeResponseCreate           = "response.create"
	TypeResponseCancel           = "response.cancel"
	TypeConversationItemCreate   = "conversation.item.create"
	TypeConversationItemDelete   = "conversation.item.delete"
	TypeConversationItemTruncate = "conversation.item.truncate"
)

// SessionUpdatePayload is the body of a session.update command.
type SessionUpdatePayload struct {
	Session SessionUpdate `json:"session"`
}

// InputAudioBufferAppendPayload streams base64 pcm16 audio to the server-side
// input buffer.
type InputAudioBufferAppendPayload struct {
	Audio string `json:"audio"`
}

// ItemCreatePayload creates a conversation item out of band of a response.
type ItemCreatePayload struct {
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           Item   `json:"item"`
}

type ItemDeletePayload struct {
	ItemID string `json:"item_id"`
}

// ItemTruncatePayload drops already-sent audio past AudioEndMs from an
// assistant message, typically after an interruption.
type ItemTruncatePayload struct {
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

type ResponseCancelPayload struct {
	ResponseID string `json:"response_id,omitempty"`
}

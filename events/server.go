package events

import "fmt"

// Server event types consumed by the conversation assembler and the client.
const (
	TypeError                               = "error"
	TypeSessionCreated                      = "session.created"
	TypeSessionUpdated                      = "session.updated"
	TypeResponseCreated                     = "response.created"
	TypeResponseDone                        = "response.done"
	TypeResponseOutputItemAdded             = "response.output_item.added"
	TypeResponseOutputItemDone              = "response.output_item.done"
	TypeResponseContentPartAdded            = "response.content_part.added"
	TypeResponseAudioTranscriptDelta        = "response.audio_transcript.delta"
	TypeResponseAudioDelta                  = "response.audio.delta"
	TypeResponseTextDelta                   = "response.text.delta"
	TypeResponseFunctionCallArgumentsDelta  = "response.function_call_arguments.delta"
	TypeConversationItemCreated             = "conversation.item.created"
	TypeConversationItemTruncated           = "conversation.item.truncated"
	TypeConversationItemDeleted             = "conversation.item.deleted"
	TypeConversationItemTranscriptionDone   = "conversation.item.input_audio_transcription.completed"
	TypeConversationItemTranscriptionFailed = "conversation.item.input_audio_transcription.failed"
	TypeInputAudioBufferSpeechStarted       = "input_audio_buffer.speech_started"
	TypeInputAudioBufferSpeechStopped       = "input_audio_buffer.speech_stopped"
	TypeInputAudioBufferCommitted           = "input_audio_buffer.committed"
)

// ServerEvent is the superset of every event the server emits. Which fields
// are populated depends on Type; handlers pick what they need.
type ServerEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`

	ResponseID     string `json:"response_id,omitempty"`
	ItemID         string `json:"item_id,omitempty"`
	OutputIndex    int    `json:"output_index,omitempty"`
	ContentIndex   int    `json:"content_index,omitempty"`
	PreviousItemID string `json:"previous_item_id,omitempty"`

	// Delta carries an incremental text, transcript, audio (base64) or
	// arguments fragment, depending on Type.
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	AudioStartMs int `json:"audio_start_ms,omitempty"`
	AudioEndMs   int `json:"audio_end_ms,omitempty"`

	Item     *Item        `json:"item,omitempty"`
	Part     *ContentPart `json:"part,omitempty"`
	Response *Response    `json:"response,omitempty"`
	Session  *Session     `json:"session,omitempty"`
	Error    *ErrorDetail `json:"error,omitempty"`
}

// ErrorEvent is the payload of a server "error" event.
type ErrorEvent struct {
	BaseEvent
	ErrorDetail ErrorDetail `json:"error"`
}

func (e *ErrorEvent) Error() string {
	return e.ErrorDetail.Error()
}

// ErrorDetail holds the details of a server-reported error.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

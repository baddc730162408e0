package events

// Item types.
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

// Item roles (message items only).
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Item statuses.
const (
	ItemStatusInProgress = "in_progress"
	ItemStatusCompleted  = "completed"
	ItemStatusIncomplete = "incomplete"
)

// Content part types.
const (
	ContentTypeInputText  = "input_text"
	ContentTypeInputAudio = "input_audio"
	ContentTypeText       = "text"
	ContentTypeAudio      = "audio"
)

// Item is one conversation item as it appears on the wire: a message, a
// function call or a function call output.
type Item struct {
	ID        string        `json:"id,omitempty"`
	Object    string        `json:"object,omitempty"`
	Type      string        `json:"type"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ContentPart is one entry of a message item's content. Audio is base64
// encoded pcm16.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Response describes one generation cycle of the remote model.
type Response struct {
	ID            string         `json:"id"`
	Object        string         `json:"object,omitempty"`
	Status        string         `json:"status,omitempty"`
	StatusDetails *StatusDetails `json:"status_details,omitempty"`
	Output        []Item         `json:"output,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
}

// Response statuses.
const (
	ResponseStatusInProgress = "in_progress"
	ResponseStatusCompleted  = "completed"
	ResponseStatusCancelled  = "cancelled"
	ResponseStatusIncomplete = "incomplete"
	ResponseStatusFailed     = "failed"
)

type StatusDetails struct {
	Type   string       `json:"type,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

type Usage struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

package grpc

import "time"

type Empty struct{}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	User      string    `json:"user"`
	Partner   string    `json:"partner"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Message struct {
	Sender     string `json:"sender"`
	Kind       string `json:"kind"`
	Text       string `json:"text,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Timestamp  string `json:"timestamp"`
	TS         int64  `json:"ts"`
	Read       bool   `json:"read"`
}

type ConversationResponse struct {
	Key      string    `json:"key"`
	Messages []Message `json:"messages"`
	// Reset is set when the stored conversation was unreadable and has been
	// moved aside.
	Reset bool `json:"reset,omitempty"`
}

type SendTextRequest struct {
	Text string `json:"text"`
}

type SendVoiceRequest struct {
	// Audio is a mono 16-bit 48kHz PCM WAV file.
	Audio []byte `json:"audio"`
}

type MessageResponse struct {
	Message Message `json:"message"`
}

type GetAttachmentRequest struct {
	Ref string `json:"ref"`
}

type AttachmentResponse struct {
	Ref  string `json:"ref"`
	Data []byte `json:"data"`
}

type HistoryEntryRequest struct {
	EntryID string `json:"entry_id"`
}

type HistoryEntryResponse struct {
	EntryID string `json:"entry_id,omitempty"`
}

type ListHistoryResponse struct {
	EntryIDs []string `json:"entry_ids"`
}

type SearchHistoryRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type SearchHit struct {
	EntryID   string `json:"entry_id"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Preview   string `json:"preview"`
}

type SearchHistoryResponse struct {
	Hits  []SearchHit `json:"hits"`
	Total int         `json:"total"`
}

type ConversationEvent struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

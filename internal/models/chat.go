package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindVoice MessageKind = "voice"
)

// PairSeparator joins the two sorted user ids of a conversation key.
const PairSeparator = "_"

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]{0,63}$`)

// legacyVoicePattern matches voice notes stored by older clients inside the text body.
var legacyVoicePattern = regexp.MustCompile(`^\[Voice Message\]\(([^)]+)\)$`)

type Message struct {
	Sender     string      `json:"sender"`
	Kind       MessageKind `json:"kind"`
	Text       string      `json:"text"`
	Attachment string      `json:"attachment,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	Timestamp  string      `json:"timestamp"`
	TS         int64       `json:"ts"`
	Read       bool        `json:"read"`
}

type Conversation struct {
	Key      string
	Messages []Message
	Version  string

	// Quarantined names the location a corrupt document was moved to
	// when this conversation was recovered as empty.
	Quarantined string
}

type ArchiveEntry struct {
	ID       string
	Messages []Message
}

type SearchHit struct {
	EntryID   string
	Timestamp string
	Sender    string
	Text      string
	Preview   string
}

type SearchResult struct {
	Hits  []SearchHit
	Total int
}

type Session struct {
	Token     string
	User      string
	Partner   string
	ExpiresAt time.Time
}

// Normalize fills Kind for documents written before messages were tagged.
func (m *Message) Normalize() {
	if m.Kind != "" {
		return
	}
	if match := legacyVoicePattern.FindStringSubmatch(m.Text); match != nil {
		m.Kind = KindVoice
		m.Attachment = match[1]
		m.Text = ""
		return
	}
	m.Kind = KindText
}

func (m Message) IsVoice() bool {
	return m.Kind == KindVoice
}

func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid user id %q", ErrInvalidArgument, id)
	}
	return nil
}

// PairKey returns the storage key for the unordered pair {u1, u2}.
func PairKey(u1, u2 string) (string, error) {
	if err := ValidateUserID(u1); err != nil {
		return "", err
	}
	if err := ValidateUserID(u2); err != nil {
		return "", err
	}
	if u1 == u2 {
		return "", fmt.Errorf("%w: cannot chat with yourself", ErrInvalidArgument)
	}

	users := []string{u1, u2}
	sort.Strings(users)
	return strings.Join(users, PairSeparator), nil
}

func CloneMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

package bus

import (
	"strings"
	"time"
)

// BlockKind tags a normalized content block. The relay core only ever sees
// these four kinds; channels are responsible for reducing raw platform
// payloads (media, captions, voice notes) into them.
type BlockKind string

const (
	BlockText            BlockKind = "text"
	BlockVoiceTranscript BlockKind = "voice_transcript"
	BlockImageRef        BlockKind = "image_ref"
	BlockFileRef         BlockKind = "file_ref"
)

// ContentBlock is one normalized unit of user input. Text and
// VoiceTranscript carry their content in Text; ImageRef and FileRef carry a
// URL or opaque reference in Ref, never raw bytes.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`
	Text string    `json:"text,omitempty"`
	Ref  string    `json:"ref,omitempty"`
	Name string    `json:"name,omitempty"`
}

// PlainText flattens the textual blocks into a single prompt string.
// References are rendered as bracketed placeholders so the backend still
// sees that something was attached.
func PlainText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Kind {
		case BlockText, BlockVoiceTranscript:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case BlockImageRef:
			parts = append(parts, "[image: "+b.Ref+"]")
		case BlockFileRef:
			name := b.Name
			if name == "" {
				name = b.Ref
			}
			parts = append(parts, "[file: "+name+"]")
		}
	}
	return strings.Join(parts, "\n\n")
}

// HasText reports whether any block carries actual user text.
func HasText(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if (b.Kind == BlockText || b.Kind == BlockVoiceTranscript) && b.Text != "" {
			return true
		}
	}
	return false
}

// InboundMessage is a normalized message entering the relay core.
type InboundMessage struct {
	Channel    string
	SenderID   string
	SenderName string
	ChatID     string
	Blocks     []ContentBlock
	Timestamp  time.Time
	Metadata   map[string]string
}

// NoticeKind distinguishes regular answers from control notices so channels
// can render them differently if they want to.
type NoticeKind string

const (
	NoticeNone        NoticeKind = ""
	NoticeRateLimited NoticeKind = "rate_limited"
	NoticeError       NoticeKind = "error"
)

// OutboundMessage is a response or notice leaving the relay core.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Notice  NoticeKind
}

// MessageHandler processes inbound messages for a named channel.
type MessageHandler func(msg InboundMessage)

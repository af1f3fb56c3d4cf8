package core

import (
	"slices"
	"time"
)

// Kind classifies an inbound line.
type Kind int

const (
	KindSystem Kind = iota
	KindPing
	KindPublic
	KindPrivate
	KindNotice
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPublic:
		return "public"
	case KindPrivate:
		return "private"
	case KindNotice:
		return "notice"
	default:
		return "system"
	}
}

// Message is one parsed inbound (or synthesized) chat event. Treat it as a
// value: WithText returns a modified copy rather than editing in place.
type Message struct {
	Kind        Kind
	SenderID    string // platform user id, may be empty
	Username    string // login name
	DisplayName string
	Text        string
	IsModerator bool
	Privileges  []string // sorted capability tags
	Raw         string
	Received    time.Time
}

// IsChat reports whether the message is something a command can arrive on.
func (m Message) IsChat() bool {
	return m.Kind == KindPublic || m.Kind == KindPrivate
}

// HasPrivilege reports whether tag is among the sender's capability tags.
func (m Message) HasPrivilege(tag string) bool {
	_, found := slices.BinarySearch(m.Privileges, tag)
	return found
}

// WithText returns a copy of m carrying text. The privilege slice is cloned
// so the copy never aliases the original.
func (m Message) WithText(text string) Message {
	out := m
	out.Text = text
	out.Privileges = slices.Clone(m.Privileges)
	return out
}

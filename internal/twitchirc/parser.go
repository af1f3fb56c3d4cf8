package twitchirc

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/you/gnasty-bot/internal/core"
)

// Parser turns raw IRC lines into core messages for one channel.
type Parser struct {
	channel string
	nick    string

	mu   sync.Mutex
	mods map[string]struct{}
}

func NewParser(channel, nick string) *Parser {
	return &Parser{
		channel: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#")),
		nick:    strings.ToLower(strings.TrimSpace(nick)),
		mods:    make(map[string]struct{}),
	}
}

// Parse never fails: anything it does not recognise becomes KindSystem.
func (p *Parser) Parse(raw string) core.Message {
	line := strings.TrimRight(raw, "\r\n")
	base := core.Message{Kind: core.KindSystem, Text: line, Raw: line, Received: time.Now().UTC()}

	if line == "PING" || strings.HasPrefix(line, "PING ") {
		base.Kind = core.KindPing
		base.Text = ""
		return base
	}

	parsed, ok := parseSafely(line)
	if !ok {
		return base
	}

	switch m := parsed.(type) {
	case *twitch.PrivateMessage:
		if !strings.EqualFold(strings.TrimPrefix(m.Channel, "#"), p.channel) {
			return base
		}
		msg := p.fromUser(base, m.User, m.Tags, m.Message)
		msg.Kind = core.KindPublic
		if msg.IsModerator {
			p.remember(msg.Username)
		}
		return msg
	case *twitch.WhisperMessage:
		if m.Target != "" && p.nick != "" && !strings.EqualFold(m.Target, p.nick) {
			return base
		}
		msg := p.fromUser(base, m.User, m.Tags, m.Message)
		msg.Kind = core.KindPrivate
		if !msg.IsModerator && p.known(msg.Username) {
			msg.IsModerator = true
		}
		return msg
	case *twitch.NoticeMessage:
		base.Kind = core.KindNotice
		return base
	default:
		return base
	}
}

func parseSafely(line string) (msg twitch.Message, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("twitchirc: parse panic", "err", r, "sample", sanitizeAndTruncate(line, summarySampleMaxLen))
			msg, ok = nil, false
		}
	}()
	msg = twitch.ParseMessage(line)
	return msg, msg != nil
}

func (p *Parser) fromUser(base core.Message, u twitch.User, tags map[string]string, text string) core.Message {
	login := strings.ToLower(u.Name)
	display := strings.TrimSpace(u.DisplayName)
	if display == "" {
		display = capitalize(login)
	}

	privileges := make([]string, 0, len(u.Badges)+1)
	for badge := range u.Badges {
		if badge != "" {
			privileges = append(privileges, badge)
		}
	}
	mod := tags["user-type"] == "mod"
	if mod {
		if _, ok := u.Badges["moderator"]; !ok {
			privileges = append(privileges, "moderator")
		}
	}
	if _, ok := u.Badges["moderator"]; ok {
		mod = true
	}
	if _, ok := u.Badges["broadcaster"]; ok {
		mod = true
	}
	if login != "" && login == p.channel {
		mod = true
	}
	sort.Strings(privileges)

	base.SenderID = u.ID
	base.Username = login
	base.DisplayName = display
	base.Text = text
	base.IsModerator = mod
	base.Privileges = privileges
	return base
}

func (p *Parser) remember(login string) {
	p.mu.Lock()
	p.mods[login] = struct{}{}
	p.mu.Unlock()
}

func (p *Parser) known(login string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.mods[login]
	return ok
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// pingPayload returns what a PONG must echo back for a PING line.
func pingPayload(line string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, "PING"))
}

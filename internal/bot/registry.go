// Package bot routes chat messages to built-in and data-defined commands
// and implements the built-in feature set.
package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/you/gnasty-bot/internal/core"
	"github.com/you/gnasty-bot/internal/mirror"
	"github.com/you/gnasty-bot/internal/playerqueue"
	"github.com/you/gnasty-bot/internal/store"
	"github.com/you/gnasty-bot/internal/telemetry"
)

// Flags control who may run a built-in and where.
type Flags uint8

const (
	ModOnly Flags = 1 << iota
	// WhisperAllowed lets non-moderators run the command privately.
	WhisperAllowed
	// BroadcastDisallowed stops non-moderators running it in public chat.
	BroadcastDisallowed
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Handler runs one built-in. Returning an error rolls the transaction back
// and tells the sender something went wrong.
type Handler func(ctx context.Context, inv *Invocation) error

type Builtin struct {
	Name  string
	Flags Flags
	Help  string
	Run   Handler
}

// visible reports whether msg may invoke b on the channel it arrived on.
func (b Builtin) visible(msg core.Message) bool {
	if msg.IsModerator {
		return true
	}
	switch msg.Kind {
	case core.KindPublic:
		return !b.Flags.Has(BroadcastDisallowed)
	case core.KindPrivate:
		return b.Flags.Has(WhisperAllowed)
	}
	return false
}

func (b Builtin) permitted(msg core.Message) bool {
	return !b.Flags.Has(ModOnly) || msg.IsModerator
}

// Registry is the static built-in command table.
type Registry struct {
	byName map[string]Builtin
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Builtin)}
}

// Add registers builtins. Names are stored lower-cased without the "!".
func (r *Registry) Add(builtins ...Builtin) error {
	for _, b := range builtins {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(b.Name), "!"))
		if name == "" || b.Run == nil {
			return fmt.Errorf("bot: invalid builtin %q", b.Name)
		}
		if _, dup := r.byName[name]; dup {
			return fmt.Errorf("bot: duplicate builtin %q", name)
		}
		b.Name = name
		r.byName[name] = b
	}
	return nil
}

func (r *Registry) Lookup(name string) (Builtin, bool) {
	b, ok := r.byName[strings.ToLower(name)]
	return b, ok
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// VisibleTo lists the built-ins msg could run where it was sent, sorted.
func (r *Registry) VisibleTo(msg core.Message) []Builtin {
	var out []Builtin
	for _, name := range r.Names() {
		b := r.byName[name]
		if b.permitted(msg) && b.visible(msg) {
			out = append(out, b)
		}
	}
	return out
}

// Outbox is the delivery surface handlers write to.
type Outbox interface {
	Public(text string)
	Private(to, text string)
	Reply(msg core.Message, text string)
	Defer(name string, args map[string]any)
	Announce(ctx context.Context, text string) error
	StopSpeaking()
	StartSpeaking()
}

// Timers runs the repeating auto quote broadcasts.
type Timers interface {
	Start(id int64, text string, period time.Duration)
	Stop(id int64) bool
	StopAll()
	Running() []int64
}

// DeathFiles are optional text files mirroring the death counters for
// stream overlays.
type DeathFiles struct {
	Current string
	Total   string
}

const DefaultConfirmWindow = 45 * time.Second

// Deps is everything the dispatcher and built-ins touch.
type Deps struct {
	Store    store.Store
	Out      Outbox
	Players  *playerqueue.Queue
	Snapshot playerqueue.Snapshotter
	Timers   Timers
	Mirror   mirror.Mirror
	Metrics  *telemetry.Metrics

	// Channel is the broadcaster login, used in a few replies.
	Channel       string
	ConfirmWindow time.Duration
	DeathFiles    DeathFiles
	// Rand returns a value in [0, n).
	Rand func(n int) int
}

// Invocation is one built-in call in flight.
type Invocation struct {
	Msg  core.Message
	Name string
	Args []string
	Tx   store.Tx
	Out  Outbox

	afterCommit []func()
	onRollback  []func()
}

// User is the sender's display name.
func (inv *Invocation) User() string { return inv.Msg.DisplayName }

// Reply answers on the channel the command arrived on.
func (inv *Invocation) Reply(text string) { inv.Out.Reply(inv.Msg, text) }

// Arg returns the i-th argument or "".
func (inv *Invocation) Arg(i int) string {
	if i < 0 || i >= len(inv.Args) {
		return ""
	}
	return inv.Args[i]
}

// Rest joins the arguments from i on.
func (inv *Invocation) Rest(i int) string {
	if i >= len(inv.Args) {
		return ""
	}
	return strings.Join(inv.Args[i:], " ")
}

// AfterCommit queues fn to run once the transaction has committed.
func (inv *Invocation) AfterCommit(fn func()) {
	inv.afterCommit = append(inv.afterCommit, fn)
}

// OnRollback queues fn to undo in-memory state when the transaction does not
// commit. Hooks run newest first.
func (inv *Invocation) OnRollback(fn func()) {
	inv.onRollback = append(inv.onRollback, fn)
}

func (inv *Invocation) undo() {
	for i := len(inv.onRollback) - 1; i >= 0; i-- {
		inv.onRollback[i]()
	}
	inv.onRollback = nil
}

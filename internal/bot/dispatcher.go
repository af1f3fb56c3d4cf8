package bot

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/you/gnasty-bot/internal/core"
	"github.com/you/gnasty-bot/internal/mirror"
	"github.com/you/gnasty-bot/internal/telemetry"
)

const (
	scoldLine    = "You see? This is why we can't have nice things."
	abuseCommand = "ban_roulette"
)

// Bot is the command dispatcher plus the state its built-ins keep between
// messages.
type Bot struct {
	deps    Deps
	reg     *Registry
	pending *confirmations
}

// New builds the built-in table. Deps.Store and Deps.Out are required.
func New(deps Deps) (*Bot, error) {
	if deps.Store == nil || deps.Out == nil {
		return nil, fmt.Errorf("bot: store and outbox are required")
	}
	if deps.Mirror == nil {
		deps.Mirror = mirror.Noop{}
	}
	if deps.ConfirmWindow <= 0 {
		deps.ConfirmWindow = DefaultConfirmWindow
	}
	if deps.Rand == nil {
		deps.Rand = rand.IntN
	}
	b := &Bot{deps: deps, reg: NewRegistry(), pending: newConfirmations()}

	groups := [][]Builtin{
		b.quoteCommands(),
		b.deathCommands(),
		b.autoQuoteCommands(),
		b.customCommands(),
		b.moderationCommands(),
		b.helpCommands(),
	}
	if deps.Players != nil {
		groups = append(groups, b.playerCommands())
	}
	for _, g := range groups {
		if err := b.reg.Add(g...); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Bot) Registry() *Registry { return b.reg }

// Close cancels pending confirmation timers.
func (b *Bot) Close() { b.pending.stopAll() }

// Dispatch handles one inbound message. It never panics and never returns
// an error: failures become chat replies and log lines.
func (b *Bot) Dispatch(ctx context.Context, msg core.Message) {
	if !msg.IsChat() {
		return
	}
	text := strings.TrimSpace(msg.Text)

	if strings.Contains(text, "PING") {
		if strings.HasPrefix(text, "/") || strings.HasPrefix(text, "!") {
			b.punish(ctx, msg)
			return
		}
		b.deps.Out.Public(strings.ReplaceAll(text, "PING", "PONG"))
		return
	}

	name, args, ok := parseCommand(text)
	if !ok {
		return
	}

	ctx, corr := telemetry.WithCorrelation(ctx)
	log := slog.With("correlation_id", corr, "command", name, "user", msg.DisplayName, "kind", msg.Kind.String())

	if cmd, ok := b.reg.Lookup(name); ok {
		b.runBuiltin(ctx, log, cmd, msg, args)
		return
	}
	b.runDynamic(ctx, log, msg, name)
}

// punish handles a chat line dressed up as a protocol PING.
func (b *Bot) punish(ctx context.Context, msg core.Message) {
	b.deps.Out.Public(scoldLine)
	cmd, ok := b.reg.Lookup(abuseCommand)
	if !ok {
		return
	}
	synth := msg.WithText("!" + abuseCommand + " " + msg.DisplayName)
	synth.Kind = core.KindPublic
	synth.IsModerator = true
	ctx, corr := telemetry.WithCorrelation(ctx)
	log := slog.With("correlation_id", corr, "command", abuseCommand, "user", msg.DisplayName, "kind", "abuse")
	log.Info("bot: ping abuse", "text", msg.Text)
	b.runBuiltin(ctx, log, cmd, synth, []string{msg.DisplayName})
}

// parseCommand splits "!name args..." and lower-cases the name.
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil, false
	}
	first := fields[0]
	if len(first) < 2 || first[0] != '!' {
		return "", nil, false
	}
	return strings.ToLower(first[1:]), fields[1:], true
}

func (b *Bot) runBuiltin(ctx context.Context, log *slog.Logger, cmd Builtin, msg core.Message, args []string) {
	if !cmd.permitted(msg) {
		b.deps.Out.Reply(msg, fmt.Sprintf("Sorry %s, that's a mod only command", msg.DisplayName))
		b.deps.Metrics.IncCommand("builtin", "denied")
		return
	}
	if !cmd.visible(msg) {
		log.Debug("bot: builtin not available here")
		b.deps.Metrics.IncCommand("builtin", "hidden")
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "command "+cmd.Name,
		attribute.String("command", cmd.Name),
		attribute.String("variant", "builtin"),
	)
	inv := &Invocation{Msg: msg, Name: cmd.Name, Args: args, Out: b.deps.Out}
	err := b.inTx(ctx, inv, cmd.Run)
	telemetry.EndSpan(span, err)

	if err != nil {
		log.Error("bot: command failed", "err", err)
		b.deps.Out.Reply(msg, fmt.Sprintf("Sorry %s, something went wrong. Please try again later.", msg.DisplayName))
		b.deps.Metrics.IncCommand("builtin", "error")
		return
	}
	for _, fn := range inv.afterCommit {
		fn()
	}
	log.Debug("bot: command done")
	b.deps.Metrics.IncCommand("builtin", "ok")
}

// inTx runs fn inside a fresh transaction, committing only when fn
// succeeds and converting panics into errors. OnRollback hooks run whenever
// the transaction does not commit.
func (b *Bot) inTx(ctx context.Context, inv *Invocation, fn Handler) (err error) {
	tx, err := b.deps.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	inv.Tx = tx

	err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, inv)
	}()
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("bot: rollback failed", "err", rbErr)
		}
		inv.undo()
		return err
	}
	if err := tx.Commit(); err != nil {
		inv.undo()
		return err
	}
	return nil
}

func (b *Bot) runDynamic(ctx context.Context, log *slog.Logger, msg core.Message, name string) {
	ctx, span := telemetry.StartSpan(ctx, "command "+name,
		attribute.String("command", name),
		attribute.String("variant", "dynamic"),
	)
	outcome := "ok"
	inv := &Invocation{Msg: msg, Name: name, Out: b.deps.Out}
	err := b.inTx(ctx, inv, func(ctx context.Context, inv *Invocation) error {
		rec, found, err := inv.Tx.FindCommand(ctx, name)
		if err != nil {
			return err
		}
		switch {
		case !found:
			outcome = "unknown"
		case !allowedUser(rec.PermittedUsers, msg.DisplayName):
			outcome = "denied"
		case !msg.IsModerator && msg.Kind != core.KindPublic:
			outcome = "hidden"
		default:
			inv.Out.Reply(msg.WithText(rec.Response), rec.Response)
		}
		return nil
	})
	telemetry.EndSpan(span, err)

	if err != nil {
		log.Error("bot: dynamic command lookup failed", "err", err)
		b.deps.Out.Reply(msg, fmt.Sprintf("Sorry %s, something went wrong. Please try again later.", msg.DisplayName))
		outcome = "error"
	}
	if outcome == "unknown" {
		return
	}
	b.deps.Metrics.IncCommand("dynamic", outcome)
}

func allowedUser(permitted []string, user string) bool {
	if len(permitted) == 0 {
		return true
	}
	for _, p := range permitted {
		if strings.EqualFold(p, user) {
			return true
		}
	}
	return false
}

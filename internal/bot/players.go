package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you/gnasty-bot/internal/core"
	"github.com/you/gnasty-bot/internal/mirror"
	"github.com/you/gnasty-bot/internal/playerqueue"
	"github.com/you/gnasty-bot/internal/store"
)

// JobReplaceUnconfirmed cycles in the next player when a called player did
// not !confirm in time. Args: {"player": string}.
const JobReplaceUnconfirmed = "replace_unconfirmed"

type pendingPlayer struct {
	whisper string
	timer   *time.Timer
}

// confirmations tracks cycled players who still have to !confirm.
type confirmations struct {
	mu          sync.Mutex
	byPlayer    map[string]*pendingPlayer
	credentials string
}

func newConfirmations() *confirmations {
	return &confirmations{byPlayer: make(map[string]*pendingPlayer)}
}

// await records player and calls expire after window unless the player
// confirms or is dropped first.
func (c *confirmations) await(player, whisper string, window time.Duration, expire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byPlayer[player]; ok {
		old.timer.Stop()
	}
	c.byPlayer[player] = &pendingPlayer{whisper: whisper, timer: time.AfterFunc(window, expire)}
}

// confirm returns the whisper waiting for player and forgets it.
func (c *confirmations) confirm(player string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byPlayer[player]
	if !ok {
		return "", false
	}
	p.timer.Stop()
	delete(c.byPlayer, player)
	return p.whisper, true
}

// expire reports whether player was still unconfirmed, and forgets it.
func (c *confirmations) expire(player string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byPlayer[player]
	delete(c.byPlayer, player)
	return ok
}

func (c *confirmations) drop(player string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byPlayer[player]; ok {
		p.timer.Stop()
		delete(c.byPlayer, player)
	}
}

func (c *confirmations) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, p := range c.byPlayer {
		p.timer.Stop()
		delete(c.byPlayer, name)
	}
}

func (c *confirmations) setCredentials(s string) {
	c.mu.Lock()
	c.credentials = s
	c.mu.Unlock()
}

func (c *confirmations) lastCredentials() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credentials
}

func (b *Bot) playerCommands() []Builtin {
	return []Builtin{
		{Name: "join", Flags: WhisperAllowed, Help: "joins the player queue", Run: b.join},
		{Name: "leave", Flags: WhisperAllowed, Help: "leaves the player queue", Run: b.leave},
		{Name: "spot", Flags: WhisperAllowed, Help: "shows your place in the player queue", Run: b.spot},
		{Name: "confirm", Flags: WhisperAllowed | BroadcastDisallowed, Help: "confirms you're here after being called", Run: b.confirm},
		{Name: "show_player_queue", Help: "links the player queue", Run: b.showPlayerQueue},
		{Name: "cycle", Flags: ModOnly | WhisperAllowed, Help: "!cycle [credentials] calls the next room of players", Run: b.cycle},
		{Name: "cycle_one", Flags: ModOnly | WhisperAllowed, Help: "!cycle_one [credentials] calls the next player", Run: b.cycleOne},
		{Name: "reset_queue", Flags: ModOnly, Help: "empties the queue and resets play counts", Run: b.resetQueue},
		{Name: "set_cycle_number", Flags: ModOnly, Help: "!set_cycle_number <n>", Run: b.setCycleNumber},
		{Name: "promote", Flags: ModOnly, Help: "!promote <player>", Run: b.promote},
		{Name: "demote", Flags: ModOnly, Help: "!demote <player>", Run: b.demote},
	}
}

// RegisterJobs binds the bot's own deferred jobs.
func (b *Bot) RegisterJobs(r mirror.Registrar) {
	r.Register(JobReplaceUnconfirmed, b.replaceUnconfirmed)
	r.Register(JobGuessesPublished, b.guessesPublished)
}

func (b *Bot) join(ctx context.Context, inv *Invocation) error {
	name := inv.User()
	user, _, err := inv.Tx.FindUser(ctx, name)
	if err != nil {
		return err
	}
	user.Name = name
	if err := inv.Tx.UpsertUser(ctx, user); err != nil {
		return err
	}
	if err := b.deps.Players.Push(name, user.TimesPlayed); err != nil {
		if errors.Is(err, playerqueue.ErrDuplicate) {
			inv.Reply(fmt.Sprintf("%s, you're already in the queue and can't join again.", name))
			return nil
		}
		return err
	}
	inv.OnRollback(func() { _ = b.deps.Players.Remove(name) })
	inv.AfterCommit(func() {
		b.pending.drop(name)
		inv.Reply(fmt.Sprintf("%s, you've joined the queue.", name))
	})
	deferSync(inv, mirror.JobSyncPlayerQueue)
	return nil
}

func (b *Bot) leave(_ context.Context, inv *Invocation) error {
	name := inv.User()
	at := b.deps.Players.Position(name) - 1
	entry, _ := b.deps.Players.Lookup(name)
	if err := b.deps.Players.Remove(name); err != nil {
		if errors.Is(err, playerqueue.ErrNotFound) {
			inv.Reply(fmt.Sprintf("%s, you're not in the queue and must join before leaving.", name))
			return nil
		}
		return err
	}
	inv.OnRollback(func() { b.deps.Players.Place(entry, at) })
	inv.Reply(fmt.Sprintf("%s, you've left the queue.", name))
	deferSync(inv, mirror.JobSyncPlayerQueue)
	return nil
}

func (b *Bot) spot(_ context.Context, inv *Invocation) error {
	name := inv.User()
	pos := b.deps.Players.Position(name)
	if pos == 0 {
		inv.Reply(fmt.Sprintf("%s, you're not in the queue. Feel free to join it.", name))
		return nil
	}
	inv.Reply(fmt.Sprintf("%s is number %d in the queue. This may change as other players join.", name, pos))
	return nil
}

func (b *Bot) confirm(_ context.Context, inv *Invocation) error {
	name := inv.User()
	whisper, ok := b.pending.confirm(name)
	if !ok {
		inv.Reply(fmt.Sprintf("Sorry %s, you don't have a game waiting for you to confirm.", name))
		return nil
	}
	inv.Out.Private(name, whisper)
	return nil
}

func (b *Bot) showPlayerQueue(_ context.Context, inv *Invocation) error {
	b.replyLink(inv, mirror.ViewPlayerQueue, "queue")
	return nil
}

func (b *Bot) cycle(ctx context.Context, inv *Invocation) error {
	creds := inv.Rest(0)

	entries := b.deps.Players.PopEntries(b.deps.Players.CycleSize())
	if len(entries) == 0 {
		inv.Out.Public("Sorry, there are no more players in the queue")
		return nil
	}
	inv.OnRollback(func() { b.deps.Players.Restore(entries) })

	players := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := markPlayed(ctx, inv.Tx, e.Player); err != nil {
			return err
		}
		players = append(players, e.Player)
	}
	left := b.deps.Players.Len()
	inv.AfterCommit(func() {
		b.pending.setCredentials(creds)
		for _, p := range players {
			b.awaitConfirm(p, creds)
		}
		inv.Out.Public(fmt.Sprintf("%s it is your turn to play! Please whisper the bot !confirm to confirm that you're here.", strings.Join(players, " ")))
		inv.Out.Public(fmt.Sprintf("There are %d people left in the queue", left))
		inv.Out.Defer(mirror.JobSyncPlayerQueue, nil)
	})
	return nil
}

func (b *Bot) cycleOne(ctx context.Context, inv *Invocation) error {
	creds := inv.Rest(0)
	if creds == "" {
		creds = b.pending.lastCredentials()
	}

	entries := b.deps.Players.PopEntries(1)
	if len(entries) == 0 {
		inv.Out.Public("Sorry, there are no more players in the queue")
		return nil
	}
	inv.OnRollback(func() { b.deps.Players.Restore(entries) })

	player := entries[0].Player
	if err := markPlayed(ctx, inv.Tx, player); err != nil {
		return err
	}
	left := b.deps.Players.Len()
	inv.AfterCommit(func() {
		b.awaitConfirm(player, creds)
		inv.Out.Public(fmt.Sprintf("%s it is your turn to play. Whisper !confirm to the bot", player))
		inv.Out.Public(fmt.Sprintf("There are %d people left in the queue.", left))
		inv.Out.Defer(mirror.JobSyncPlayerQueue, nil)
	})
	return nil
}

func markPlayed(ctx context.Context, tx store.Tx, player string) error {
	user, _, err := tx.FindUser(ctx, player)
	if err != nil {
		return err
	}
	user.Name = player
	user.TimesPlayed++
	return tx.UpsertUser(ctx, user)
}

func (b *Bot) awaitConfirm(player, creds string) {
	whisper := fmt.Sprintf("%s, you may now join %s to play.", player, b.deps.Channel)
	if creds != "" {
		whisper = fmt.Sprintf("%s, you may now join %s to play. The credentials you need are: %s", player, b.deps.Channel, creds)
	}
	b.pending.await(player, whisper, b.deps.ConfirmWindow, func() {
		b.deps.Out.Defer(JobReplaceUnconfirmed, map[string]any{"player": player})
	})
}

// replaceUnconfirmed runs on the deferred worker once a confirmation
// window closes.
func (b *Bot) replaceUnconfirmed(ctx context.Context, args map[string]any) error {
	player, _ := args["player"].(string)
	if !b.pending.expire(player) {
		return nil
	}
	slog.Info("bot: player did not confirm, cycling the next one", "player", player)

	inv := &Invocation{
		Msg:  core.Message{Kind: core.KindPublic, DisplayName: b.deps.Channel, IsModerator: true},
		Name: "cycle_one",
		Out:  b.deps.Out,
	}
	if err := b.inTx(ctx, inv, b.cycleOne); err != nil {
		return err
	}
	for _, fn := range inv.afterCommit {
		fn()
	}
	return nil
}

func (b *Bot) resetQueue(ctx context.Context, inv *Invocation) error {
	if err := inv.Tx.ResetTimesPlayed(ctx); err != nil {
		return err
	}
	held := b.deps.Players.Reset()
	inv.OnRollback(func() { b.deps.Players.Restore(held) })
	inv.AfterCommit(func() {
		b.pending.stopAll()
		if b.deps.Snapshot != nil {
			if err := b.deps.Snapshot.Remove(); err != nil {
				slog.Warn("bot: player queue snapshot remove failed", "err", err)
			}
		}
		inv.Out.Defer(mirror.JobSyncPlayerQueue, nil)
		inv.Reply("The queue has been emptied and all players start fresh.")
	})
	return nil
}

func (b *Bot) setCycleNumber(_ context.Context, inv *Invocation) error {
	n, err := strconv.Atoi(inv.Arg(0))
	if !isDigits(inv.Arg(0)) || err != nil || n <= 0 {
		inv.Reply("Make sure the command is followed by an integer greater than 0.")
		return nil
	}
	b.deps.Players.SetCycleSize(n)
	inv.Reply(fmt.Sprintf("The new room size is %d.", n))
	return nil
}

func (b *Bot) promote(ctx context.Context, inv *Invocation) error {
	return b.shiftPlayer(ctx, inv, -1)
}

func (b *Bot) demote(ctx context.Context, inv *Invocation) error {
	return b.shiftPlayer(ctx, inv, +1)
}

// shiftPlayer moves a queued player one priority step and keeps their
// stored play count in line with it.
func (b *Bot) shiftPlayer(ctx context.Context, inv *Invocation, delta int) error {
	target := inv.Arg(0)
	entry, ok := b.deps.Players.Lookup(target)
	if !ok {
		inv.Reply(fmt.Sprintf("%s is not in the player queue.", target))
		return nil
	}
	at := b.deps.Players.Position(entry.Player) - 1

	var err error
	if delta < 0 {
		err = b.deps.Players.Promote(entry.Player)
	} else {
		err = b.deps.Players.Demote(entry.Player)
	}
	switch {
	case errors.Is(err, playerqueue.ErrCannotPromote):
		inv.Reply(fmt.Sprintf("%s cannot be promoted in the queue.", entry.Player))
		return nil
	case errors.Is(err, playerqueue.ErrNotFound):
		inv.Reply(fmt.Sprintf("%s is not in the player queue.", target))
		return nil
	case err != nil:
		return err
	}
	inv.OnRollback(func() { b.deps.Players.Place(entry, at) })

	user, _, err := inv.Tx.FindUser(ctx, entry.Player)
	if err != nil {
		return err
	}
	user.Name = entry.Player
	user.TimesPlayed = entry.Priority + delta
	if err := inv.Tx.UpsertUser(ctx, user); err != nil {
		return err
	}
	deferSync(inv, mirror.JobSyncPlayerQueue)
	return nil
}

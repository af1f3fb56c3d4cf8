package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/you/gnasty-bot/internal/mirror"
	"github.com/you/gnasty-bot/internal/store"
)

func (b *Bot) autoQuoteCommands() []Builtin {
	return []Builtin{
		{Name: "auto_quote", Flags: ModOnly, Help: "!auto_quote add <secs> <text> | edit <n> <secs> <text> | delete <n>", Run: b.autoQuote},
		{Name: "add_auto_quote", Flags: ModOnly, Help: "!add_auto_quote <secs> <text>", Run: b.addAutoQuote},
		{Name: "edit_auto_quote", Flags: ModOnly, Help: "!edit_auto_quote <n> <secs> <text>", Run: b.editAutoQuote},
		{Name: "delete_auto_quote", Flags: ModOnly, Help: "!delete_auto_quote <n>", Run: b.deleteAutoQuote},
		{Name: "start_auto_quote", Flags: ModOnly, Help: "!start_auto_quote <n>", Run: b.setAutoQuoteActive(true)},
		{Name: "stop_auto_quote", Flags: ModOnly, Help: "!stop_auto_quote <n>", Run: b.setAutoQuoteActive(false)},
		{Name: "start_auto_quotes", Flags: ModOnly, Help: "starts every active auto quote", Run: b.startAutoQuotes},
		{Name: "stop_auto_quotes", Flags: ModOnly, Help: "stops every running auto quote", Run: b.stopAutoQuotes},
		{Name: "show_auto_quotes", Help: "links the auto quote list", Run: b.showAutoQuotes},
	}
}

// StartAutoQuotes starts a timer for every active auto quote. Run it once
// at boot.
func (b *Bot) StartAutoQuotes(ctx context.Context) error {
	tx, err := b.deps.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()
	aqs, err := tx.ListAutoQuotes(ctx)
	if err != nil {
		return err
	}
	b.runTimers(aqs)
	return nil
}

func (b *Bot) runTimers(aqs []store.AutoQuote) {
	if b.deps.Timers == nil {
		return
	}
	started := 0
	for _, aq := range aqs {
		if aq.Active {
			b.deps.Timers.Start(aq.ID, aq.Text, periodOf(aq))
			started++
		}
	}
	slog.Info("bot: auto quotes started", "count", started)
}

func periodOf(aq store.AutoQuote) time.Duration {
	return time.Duration(aq.Period) * time.Second
}

func (b *Bot) autoQuote(ctx context.Context, inv *Invocation) error {
	sub := &Invocation{Msg: inv.Msg, Name: inv.Name, Tx: inv.Tx, Out: inv.Out}
	if len(inv.Args) > 1 {
		sub.Args = inv.Args[1:]
	}
	var err error
	switch strings.ToLower(inv.Arg(0)) {
	case "add":
		err = b.addAutoQuote(ctx, sub)
	case "edit":
		err = b.editAutoQuote(ctx, sub)
	case "delete":
		err = b.deleteAutoQuote(ctx, sub)
	default:
		inv.Reply("Sorry, auto_quote must be followed by add, edit, or delete.")
		return nil
	}
	inv.afterCommit = append(inv.afterCommit, sub.afterCommit...)
	return err
}

func parsePeriod(s string) (int, bool) {
	if !isDigits(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	return n, err == nil && n > 0
}

func (b *Bot) addAutoQuote(ctx context.Context, inv *Invocation) error {
	period, ok := parsePeriod(inv.Arg(0))
	text := inv.Rest(1)
	if !ok || text == "" {
		inv.Reply("Sorry, the command isn't formatted properly.")
		return nil
	}
	aq, err := inv.Tx.AddAutoQuote(ctx, text, period)
	if err != nil {
		return err
	}
	all, err := inv.Tx.ListAutoQuotes(ctx)
	if err != nil {
		return err
	}
	inv.Reply(fmt.Sprintf("Auto quote added as auto quote #%d.", len(all)))
	inv.AfterCommit(func() {
		if b.deps.Timers != nil {
			b.deps.Timers.Start(aq.ID, aq.Text, periodOf(aq))
		}
		inv.Out.Defer(mirror.JobSyncAutoQuotes, nil)
	})
	return nil
}

// nthAutoQuote resolves a 1-based position in id order.
func nthAutoQuote(ctx context.Context, tx store.Tx, arg string) (store.AutoQuote, bool, error) {
	n, ok := quoteNumber(arg)
	if !ok {
		return store.AutoQuote{}, false, nil
	}
	aqs, err := tx.ListAutoQuotes(ctx)
	if err != nil {
		return store.AutoQuote{}, false, err
	}
	if n > len(aqs) {
		return store.AutoQuote{}, false, nil
	}
	return aqs[n-1], true, nil
}

func (b *Bot) editAutoQuote(ctx context.Context, inv *Invocation) error {
	period, ok := parsePeriod(inv.Arg(1))
	text := inv.Rest(2)
	if !isDigits(inv.Arg(0)) || !ok || text == "" {
		inv.Reply("Sorry, that command wasn't properly formatted.")
		return nil
	}
	aq, found, err := nthAutoQuote(ctx, inv.Tx, inv.Arg(0))
	if err != nil {
		return err
	}
	if !found {
		inv.Reply("That auto quote does not exist.")
		return nil
	}
	aq.Text, aq.Period = text, period
	if err := inv.Tx.UpdateAutoQuote(ctx, aq); err != nil {
		return err
	}
	inv.Reply("Auto quote has been edited.")
	inv.AfterCommit(func() {
		if b.deps.Timers != nil && aq.Active {
			b.deps.Timers.Start(aq.ID, aq.Text, periodOf(aq))
		}
		inv.Out.Defer(mirror.JobSyncAutoQuotes, nil)
	})
	return nil
}

func (b *Bot) deleteAutoQuote(ctx context.Context, inv *Invocation) error {
	if !isDigits(inv.Arg(0)) {
		inv.Reply("Sorry, you must provide the number of the auto quote to delete.")
		return nil
	}
	aq, found, err := nthAutoQuote(ctx, inv.Tx, inv.Arg(0))
	if err != nil {
		return err
	}
	if !found {
		inv.Reply("That auto quote does not exist.")
		return nil
	}
	if err := inv.Tx.DeleteAutoQuote(ctx, aq.ID); err != nil {
		return err
	}
	inv.Reply("Auto quote deleted.")
	inv.AfterCommit(func() {
		if b.deps.Timers != nil {
			b.deps.Timers.Stop(aq.ID)
		}
		inv.Out.Defer(mirror.JobSyncAutoQuotes, nil)
	})
	return nil
}

func (b *Bot) setAutoQuoteActive(active bool) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		aq, found, err := nthAutoQuote(ctx, inv.Tx, inv.Arg(0))
		if err != nil {
			return err
		}
		if !found {
			inv.Reply("That auto quote does not exist.")
			return nil
		}
		aq.Active = active
		if err := inv.Tx.UpdateAutoQuote(ctx, aq); err != nil {
			return err
		}
		inv.AfterCommit(func() {
			if b.deps.Timers != nil {
				if active {
					b.deps.Timers.Start(aq.ID, aq.Text, periodOf(aq))
				} else {
					b.deps.Timers.Stop(aq.ID)
				}
			}
			inv.Out.Defer(mirror.JobSyncAutoQuotes, nil)
		})
		return nil
	}
}

func (b *Bot) startAutoQuotes(ctx context.Context, inv *Invocation) error {
	aqs, err := inv.Tx.ListAutoQuotes(ctx)
	if err != nil {
		return err
	}
	inv.AfterCommit(func() { b.runTimers(aqs) })
	return nil
}

func (b *Bot) stopAutoQuotes(_ context.Context, _ *Invocation) error {
	if b.deps.Timers != nil {
		b.deps.Timers.StopAll()
	}
	return nil
}

func (b *Bot) showAutoQuotes(_ context.Context, inv *Invocation) error {
	b.replyLink(inv, mirror.ViewAutoQuotes, "auto quotes")
	return nil
}

package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/you/gnasty-bot/internal/mirror"
	"github.com/you/gnasty-bot/internal/store"
)

func (b *Bot) quoteCommands() []Builtin {
	return []Builtin{
		{Name: "quote", Help: "!quote [n] shows a quote; !quote add|edit|delete manages them", Run: b.quote},
		{Name: "add_quote", Help: "!add_quote <text>", Run: b.addQuote},
		{Name: "edit_quote", Flags: ModOnly, Help: "!edit_quote <n> <text>", Run: b.editQuote},
		{Name: "delete_quote", Flags: ModOnly, Help: "!delete_quote <n>", Run: b.deleteQuote},
		{Name: "show_quotes", Help: "links the quote list", Run: b.showQuotes},
	}
}

func (b *Bot) quote(ctx context.Context, inv *Invocation) error {
	if len(inv.Args) == 0 {
		quotes, err := inv.Tx.ListQuotes(ctx)
		if err != nil {
			return err
		}
		if len(quotes) == 0 {
			inv.Reply("No quotes currently exist.")
			return nil
		}
		i := b.deps.Rand(len(quotes))
		inv.Reply(fmt.Sprintf("#%d %s", i+1, quotes[i].Text))
		return nil
	}

	if isDigits(inv.Arg(0)) {
		n, _ := strconv.Atoi(inv.Arg(0))
		return b.showQuote(ctx, inv, n)
	}

	switch strings.ToLower(inv.Arg(0)) {
	case "add":
		return b.storeQuote(ctx, inv, inv.Rest(1))
	case "edit":
		if !inv.Msg.IsModerator {
			return nil
		}
		n, ok := quoteNumber(inv.Arg(1))
		if !ok {
			inv.Reply("You must use a digit to specify a quote.")
			return nil
		}
		return b.changeQuote(ctx, inv, n, inv.Rest(2))
	case "delete":
		if !inv.Msg.IsModerator {
			return nil
		}
		n, ok := quoteNumber(inv.Arg(1))
		if !ok {
			inv.Reply("You must use a digit to specify a quote.")
			return nil
		}
		return b.removeQuote(ctx, inv, n)
	}
	return nil
}

func (b *Bot) showQuote(ctx context.Context, inv *Invocation, n int) error {
	quotes, err := inv.Tx.ListQuotes(ctx)
	if err != nil {
		return err
	}
	if n < 1 || n > len(quotes) {
		inv.Reply(fmt.Sprintf("Invalid quote id - there are only %d quotes.", len(quotes)))
		return nil
	}
	inv.Reply(fmt.Sprintf("#%d %s", n, quotes[n-1].Text))
	return nil
}

func (b *Bot) addQuote(ctx context.Context, inv *Invocation) error {
	return b.storeQuote(ctx, inv, inv.Rest(0))
}

func (b *Bot) storeQuote(ctx context.Context, inv *Invocation, text string) error {
	if text == "" {
		inv.Reply(fmt.Sprintf("Sorry %s, there's no quote there to add.", inv.User()))
		return nil
	}
	count, err := inv.Tx.AddQuote(ctx, text)
	if err != nil {
		return err
	}
	inv.Reply(fmt.Sprintf("Quote added as quote #%d.", count))
	deferSync(inv, mirror.JobSyncQuotes)
	return nil
}

func (b *Bot) editQuote(ctx context.Context, inv *Invocation) error {
	n, ok := quoteNumber(inv.Arg(0))
	if !ok {
		inv.Reply("You must use a digit to specify a quote.")
		return nil
	}
	return b.changeQuote(ctx, inv, n, inv.Rest(1))
}

func (b *Bot) changeQuote(ctx context.Context, inv *Invocation, n int, text string) error {
	q, ok, err := nthQuote(ctx, inv.Tx, n)
	if err != nil {
		return err
	}
	if !ok {
		inv.Reply("That quote does not exist.")
		return nil
	}
	if err := inv.Tx.UpdateQuote(ctx, q.ID, text); err != nil {
		return err
	}
	inv.Reply("Quote has been edited.")
	deferSync(inv, mirror.JobSyncQuotes)
	return nil
}

func (b *Bot) deleteQuote(ctx context.Context, inv *Invocation) error {
	n, ok := quoteNumber(inv.Arg(0))
	if !ok {
		inv.Reply("You must use a digit to specify a quote.")
		return nil
	}
	return b.removeQuote(ctx, inv, n)
}

func (b *Bot) removeQuote(ctx context.Context, inv *Invocation, n int) error {
	q, ok, err := nthQuote(ctx, inv.Tx, n)
	if err != nil {
		return err
	}
	if !ok {
		inv.Reply("That quote does not exist.")
		return nil
	}
	if err := inv.Tx.DeleteQuote(ctx, q.ID); err != nil {
		return err
	}
	inv.Reply("Quote deleted.")
	deferSync(inv, mirror.JobSyncQuotes)
	return nil
}

func (b *Bot) showQuotes(_ context.Context, inv *Invocation) error {
	b.replyLink(inv, mirror.ViewQuotes, "quotes")
	return nil
}

// nthQuote resolves a 1-based position in id order.
func nthQuote(ctx context.Context, tx store.Tx, n int) (store.Quote, bool, error) {
	quotes, err := tx.ListQuotes(ctx)
	if err != nil {
		return store.Quote{}, false, err
	}
	if n < 1 || n > len(quotes) {
		return store.Quote{}, false, nil
	}
	return quotes[n-1], true, nil
}

func quoteNumber(s string) (int, bool) {
	if !isDigits(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// deferSync queues a mirror job once the transaction is durable.
func deferSync(inv *Invocation, job string) {
	inv.AfterCommit(func() { inv.Out.Defer(job, nil) })
}

// replyLink points the sender at the mirrored view of what.
func (b *Bot) replyLink(inv *Invocation, view, what string) {
	link := b.deps.Mirror.Link(view)
	if link == "" {
		inv.Reply(fmt.Sprintf("Sorry %s, there's no link for the %s yet.", inv.User(), what))
		return
	}
	inv.Reply(fmt.Sprintf("View the %s at: %s", what, link))
}

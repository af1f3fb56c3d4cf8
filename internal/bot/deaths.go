package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/you/gnasty-bot/internal/mirror"
	"github.com/you/gnasty-bot/internal/store"
)

// JobGuessesPublished announces the guesses link once the sync job ahead of
// it in the deferred queue has run.
const JobGuessesPublished = "guesses_published"

func (b *Bot) deathCommands() []Builtin {
	return []Builtin{
		{Name: "set_deaths", Flags: ModOnly | WhisperAllowed, Help: "!set_deaths <n>", Run: b.setCounter(store.KeyCurrentDeaths, "set_deaths", "Current deaths")},
		{Name: "set_total_deaths", Flags: ModOnly | WhisperAllowed, Help: "!set_total_deaths <n>", Run: b.setCounter(store.KeyTotalDeaths, "set_total_deaths", "Total deaths")},
		{Name: "add_death", Flags: ModOnly | WhisperAllowed, Help: "adds one to both death counters", Run: b.bumpDeaths(+1)},
		{Name: "remove_death", Flags: ModOnly | WhisperAllowed, Help: "removes one from both death counters", Run: b.bumpDeaths(-1)},
		{Name: "clear_deaths", Flags: ModOnly, Help: "resets the current death counter", Run: b.clearDeaths},
		{Name: "deaths", Help: "shows the death counters", Run: b.deaths},
		{Name: "enable_guessing", Flags: ModOnly, Run: b.toggle(store.KeyGuessingEnabled, true, "Guessing is now enabled.")},
		{Name: "disable_guessing", Flags: ModOnly, Run: b.toggle(store.KeyGuessingEnabled, false, "Guessing is now disabled.")},
		{Name: "enable_guesstotal", Flags: ModOnly, Run: b.toggle(store.KeyGuessTotalEnabled, true, "Guessing for the total amount of deaths is now enabled.")},
		{Name: "disable_guesstotal", Flags: ModOnly, Run: b.toggle(store.KeyGuessTotalEnabled, false, "Guessing for the total amount of deaths is now disabled.")},
		{Name: "guess", Flags: WhisperAllowed, Help: "!guess <n> guesses the deaths for this stage", Run: b.guess},
		{Name: "guesstotal", Flags: WhisperAllowed, Help: "!guesstotal <n> guesses the deaths for the run", Run: b.guessTotal},
		{Name: "clear_guesses", Flags: ModOnly, Run: b.clearGuesses(false, "Guesses have been cleared.")},
		{Name: "clear_total_guesses", Flags: ModOnly, Run: b.clearGuesses(true, "Guesses for the total number of deaths have been cleared.")},
		{Name: "winner", Flags: ModOnly, Help: "announces the closest guess without going over", Run: b.winner},
		{Name: "show_guesses", Flags: ModOnly, Help: "publishes and links the guesses", Run: b.showGuesses},
	}
}

func counter(ctx context.Context, tx store.Tx, key string) (int, error) {
	v, ok, err := tx.GetValue(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("bot: %s holds %q: %w", key, v, err)
	}
	return n, nil
}

func enabled(ctx context.Context, tx store.Tx, key string) (bool, error) {
	v, _, err := tx.GetValue(ctx, key)
	return strings.EqualFold(v, "true"), err
}

func boolValue(on bool) string {
	if on {
		return "True"
	}
	return "False"
}

// setDeaths stores n under key and rewrites the matching overlay file after
// commit.
func (b *Bot) setDeaths(ctx context.Context, inv *Invocation, key string, n int) error {
	if err := inv.Tx.SetValue(ctx, key, strconv.Itoa(n)); err != nil {
		return err
	}
	path := b.deps.DeathFiles.Current
	if key == store.KeyTotalDeaths {
		path = b.deps.DeathFiles.Total
	}
	if path != "" {
		inv.AfterCommit(func() { writeDeathFile(path, n) })
	}
	return nil
}

func writeDeathFile(path string, n int) {
	if err := os.WriteFile(path, []byte(strconv.Itoa(n)), 0o644); err != nil {
		slog.Warn("bot: death file write failed", "path", path, "err", err)
	}
}

func (b *Bot) setCounter(key, command, label string) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		arg := inv.Arg(0)
		if !isDigits(arg) {
			inv.Reply(fmt.Sprintf("Sorry %s, !%s should be followed by a non-negative integer", inv.User(), command))
			return nil
		}
		n, err := strconv.Atoi(arg)
		if err != nil {
			inv.Reply(fmt.Sprintf("Sorry %s, !%s should be followed by a non-negative integer", inv.User(), command))
			return nil
		}
		if err := b.setDeaths(ctx, inv, key, n); err != nil {
			return err
		}
		inv.Reply(fmt.Sprintf("%s: %d", label, n))
		return nil
	}
}

func (b *Bot) bumpDeaths(delta int) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		current, err := counter(ctx, inv.Tx, store.KeyCurrentDeaths)
		if err != nil {
			return err
		}
		total, err := counter(ctx, inv.Tx, store.KeyTotalDeaths)
		if err != nil {
			return err
		}
		current, total = max(current+delta, 0), max(total+delta, 0)
		if err := b.setDeaths(ctx, inv, store.KeyCurrentDeaths, current); err != nil {
			return err
		}
		if err := b.setDeaths(ctx, inv, store.KeyTotalDeaths, total); err != nil {
			return err
		}
		inv.Reply(fmt.Sprintf("Current Deaths: %d, Total Deaths: %d", current, total))
		return nil
	}
}

func (b *Bot) clearDeaths(ctx context.Context, inv *Invocation) error {
	if err := b.setDeaths(ctx, inv, store.KeyCurrentDeaths, 0); err != nil {
		return err
	}
	return b.deaths(ctx, inv)
}

func (b *Bot) deaths(ctx context.Context, inv *Invocation) error {
	current, err := counter(ctx, inv.Tx, store.KeyCurrentDeaths)
	if err != nil {
		return err
	}
	total, err := counter(ctx, inv.Tx, store.KeyTotalDeaths)
	if err != nil {
		return err
	}
	inv.Out.Public(fmt.Sprintf("Current Boss Deaths: %d, Total Deaths: %d", current, total))
	return nil
}

func (b *Bot) toggle(key string, on bool, announce string) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		if err := inv.Tx.SetValue(ctx, key, boolValue(on)); err != nil {
			return err
		}
		inv.Out.Public(announce)
		return nil
	}
}

func (b *Bot) guess(ctx context.Context, inv *Invocation) error {
	on, err := enabled(ctx, inv.Tx, store.KeyGuessingEnabled)
	if err != nil {
		return err
	}
	if !on {
		inv.Reply(fmt.Sprintf("Sorry %s, guessing is disabled.", inv.User()))
		return nil
	}
	if len(inv.Args) == 0 {
		inv.Reply(fmt.Sprintf("Sorry %s, !guess must be followed by a non-negative integer.", inv.User()))
		return nil
	}
	return b.recordGuess(ctx, inv, false)
}

func (b *Bot) guessTotal(ctx context.Context, inv *Invocation) error {
	on, err := enabled(ctx, inv.Tx, store.KeyGuessTotalEnabled)
	if err != nil {
		return err
	}
	if !on {
		inv.Reply(fmt.Sprintf("Sorry %s, guessing for the total number of deaths is disabled.", inv.User()))
		return nil
	}
	if len(inv.Args) == 0 {
		inv.Reply(fmt.Sprintf("Sorry %s, you need to include a number after your guess.", inv.User()))
		return nil
	}
	return b.recordGuess(ctx, inv, true)
}

func (b *Bot) recordGuess(ctx context.Context, inv *Invocation, total bool) error {
	n, err := strconv.Atoi(inv.Arg(0))
	if !isDigits(inv.Arg(0)) || err != nil {
		inv.Reply(fmt.Sprintf("Sorry %s, that's not a non-negative integer.", inv.User()))
		return nil
	}
	user, _, err := inv.Tx.FindUser(ctx, inv.User())
	if err != nil {
		return err
	}
	user.Name = inv.User()
	if total {
		user.TotalGuess = &n
	} else {
		user.CurrentGuess = &n
	}
	if err := inv.Tx.UpsertUser(ctx, user); err != nil {
		return err
	}
	inv.Reply(fmt.Sprintf("%s your guess has been recorded.", inv.User()))
	return nil
}

func (b *Bot) clearGuesses(total bool, announce string) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		if err := inv.Tx.ClearGuesses(ctx, total); err != nil {
			return err
		}
		inv.Out.Public(announce)
		return nil
	}
}

// winner applies price-is-right rules: the highest guess that does not
// exceed the current deaths wins, ties share.
func (b *Bot) winner(ctx context.Context, inv *Invocation) error {
	deaths, err := counter(ctx, inv.Tx, store.KeyCurrentDeaths)
	if err != nil {
		return err
	}
	users, err := inv.Tx.ListUsers(ctx)
	if err != nil {
		return err
	}
	best := -1
	var winners []string
	for _, u := range users {
		if u.CurrentGuess == nil || *u.CurrentGuess > deaths {
			continue
		}
		switch g := *u.CurrentGuess; {
		case g > best:
			best, winners = g, []string{u.Name}
		case g == best:
			winners = append(winners, u.Name)
		}
	}
	inv.Reply(winnerLine(winners, b.deps.Channel))
	return nil
}

func winnerLine(winners []string, channel string) string {
	switch len(winners) {
	case 0:
		return fmt.Sprintf("You all guessed too high. You should have had more faith in %s. %s wins!", channel, channel)
	case 1:
		return fmt.Sprintf("The winner is %s.", winners[0])
	}
	last := len(winners) - 1
	return fmt.Sprintf("The winners are %s and %s!", strings.Join(winners[:last], ", "), winners[last])
}

func (b *Bot) showGuesses(_ context.Context, inv *Invocation) error {
	inv.Out.Public("Formatting the sheet with the latest information about all the guesses may take a bit. I'll let you know when it's done.")
	inv.AfterCommit(func() {
		inv.Out.Defer(mirror.JobSyncGuesses, nil)
		inv.Out.Defer(JobGuessesPublished, nil)
	})
	return nil
}

func (b *Bot) guessesPublished(_ context.Context, _ map[string]any) error {
	link := b.deps.Mirror.Link(mirror.ViewGuesses)
	if link == "" {
		return nil
	}
	b.deps.Out.Public("Hello again friends. I've updated the sheet with the latest guess information. Here's a link. " + link)
	return nil
}

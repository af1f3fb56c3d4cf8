package bot

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	rouletteChambers = 6
	rouletteTimeout  = 30
)

func (b *Bot) moderationCommands() []Builtin {
	return []Builtin{
		{Name: "stop_speaking", Flags: ModOnly | WhisperAllowed, Help: "pauses public chat output", Run: b.stopSpeaking},
		{Name: "start_speaking", Flags: ModOnly | WhisperAllowed, Help: "resumes public chat output", Run: b.startSpeaking},
		{Name: "ban_roulette", Help: "1 in 6 chance of a 30 second timeout", Run: b.banRoulette},
	}
}

func (b *Bot) stopSpeaking(ctx context.Context, inv *Invocation) error {
	if err := inv.Out.Announce(ctx, "Okay, I'll shut up for a bit. !start_speaking when you want me to speak again."); err != nil {
		slog.Warn("bot: stop_speaking announcement failed", "err", err)
	}
	inv.Out.StopSpeaking()
	return nil
}

func (b *Bot) startSpeaking(_ context.Context, inv *Invocation) error {
	inv.Out.StartSpeaking()
	return nil
}

// banRoulette lets moderators spin for anyone; everyone else may only spin
// for themselves.
func (b *Bot) banRoulette(_ context.Context, inv *Invocation) error {
	var target string
	switch {
	case inv.Msg.IsModerator:
		target = inv.Arg(0)
	case len(inv.Args) == 0:
		target = inv.User()
	}
	if target == "" {
		return nil
	}
	if b.deps.Rand(rouletteChambers) == rouletteChambers-1 {
		inv.Out.Public(fmt.Sprintf("/timeout %s %d", target, rouletteTimeout))
		inv.Out.Public(fmt.Sprintf("Bang! %s was timed out.", target))
		return nil
	}
	inv.Out.Public(fmt.Sprintf("%s is safe for now.", target))
	return nil
}

package bot

import (
	"context"
	"fmt"
	"strings"
)

func (b *Bot) helpCommands() []Builtin {
	return []Builtin{
		{Name: "help", Flags: WhisperAllowed, Help: "!help [command]", Run: b.help},
	}
}

func (b *Bot) help(_ context.Context, inv *Invocation) error {
	if name := strings.ToLower(strings.TrimPrefix(inv.Arg(0), "!")); name != "" {
		cmd, found := b.reg.Lookup(name)
		if !found || !cmd.permitted(inv.Msg) || !cmd.visible(inv.Msg) {
			inv.Reply(fmt.Sprintf("Sorry %s, there's no !%s you can use here.", inv.User(), name))
			return nil
		}
		text := cmd.Help
		if text == "" {
			text = "no description"
		}
		inv.Reply(fmt.Sprintf("!%s: %s", cmd.Name, text))
		return nil
	}

	visible := b.reg.VisibleTo(inv.Msg)
	names := make([]string, 0, len(visible))
	for _, cmd := range visible {
		names = append(names, "!"+cmd.Name)
	}
	inv.Reply("Commands you can use here: " + strings.Join(names, " "))
	return nil
}

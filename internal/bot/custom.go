package bot

import (
	"context"
	"strings"

	"github.com/you/gnasty-bot/internal/mirror"
	"github.com/you/gnasty-bot/internal/store"
)

func (b *Bot) customCommands() []Builtin {
	return []Builtin{
		{Name: "add_command", Flags: ModOnly, Help: "!add_command [users...] !call response", Run: b.addCommand},
		{Name: "edit_command", Flags: ModOnly, Help: "!edit_command !call response", Run: b.editCommand},
		{Name: "delete_command", Flags: ModOnly, Help: "!delete_command !call", Run: b.deleteCommand},
		{Name: "command", Flags: ModOnly, Help: "!command add|edit|delete ...", Run: b.command},
		{Name: "show_commands", Help: "links the command list", Run: b.showCommands},
	}
}

// callName strips the "!" from a command word, or reports it missing.
func callName(word string) (string, bool) {
	if len(word) < 2 || word[0] != '!' {
		return "", false
	}
	return strings.ToLower(word[1:]), true
}

func (b *Bot) addCommand(ctx context.Context, inv *Invocation) error {
	at := -1
	for i, arg := range inv.Args {
		if strings.HasPrefix(arg, "!") {
			at = i
			break
		}
	}
	call, ok := "", false
	if at >= 0 {
		call, ok = callName(inv.Args[at])
	}
	if !ok {
		inv.Reply("Sorry, the command needs to have an ! in it.")
		return nil
	}
	if _, builtin := b.reg.Lookup(call); builtin {
		inv.Reply("Sorry, that's a built-in command and can't be redefined.")
		return nil
	}
	response := inv.Rest(at + 1)
	if response == "" {
		inv.Reply("Sorry, the command needs a response after the !" + call + ".")
		return nil
	}

	_, exists, err := inv.Tx.FindCommand(ctx, call)
	if err != nil {
		return err
	}
	if exists {
		inv.Reply("Sorry, that command already exists. Please delete it first.")
		return nil
	}
	rec := store.CommandRecord{Call: call, Response: response, PermittedUsers: inv.Args[:at]}
	if err := inv.Tx.AddCommand(ctx, rec); err != nil {
		return err
	}
	inv.Reply("Command added.")
	deferSync(inv, mirror.JobSyncCommands)
	return nil
}

func (b *Bot) editCommand(ctx context.Context, inv *Invocation) error {
	call, ok := callName(inv.Arg(0))
	if !ok {
		inv.Reply("Sorry, the command needs to have an ! in it.")
		return nil
	}
	updated, err := inv.Tx.UpdateCommand(ctx, call, inv.Rest(1))
	if err != nil {
		return err
	}
	if !updated {
		inv.Reply("Sorry, that command does not exist.")
		return nil
	}
	inv.Reply("Command edited.")
	deferSync(inv, mirror.JobSyncCommands)
	return nil
}

func (b *Bot) deleteCommand(ctx context.Context, inv *Invocation) error {
	call, ok := callName(inv.Arg(0))
	if !ok {
		inv.Reply("Sorry, the command needs to have an ! in it.")
		return nil
	}
	deleted, err := inv.Tx.DeleteCommand(ctx, call)
	if err != nil {
		return err
	}
	if !deleted {
		inv.Reply("Sorry, that command doesn't exist.")
		return nil
	}
	inv.Reply("Command deleted.")
	deferSync(inv, mirror.JobSyncCommands)
	return nil
}

func (b *Bot) command(ctx context.Context, inv *Invocation) error {
	if len(inv.Args) == 0 {
		inv.Reply("You must follow command with either add edit or delete")
		return nil
	}
	sub := &Invocation{Msg: inv.Msg, Name: inv.Name, Args: inv.Args[1:], Tx: inv.Tx, Out: inv.Out}
	var err error
	switch strings.ToLower(inv.Arg(0)) {
	case "add":
		err = b.addCommand(ctx, sub)
	case "edit":
		err = b.editCommand(ctx, sub)
	case "delete":
		err = b.deleteCommand(ctx, sub)
	default:
		inv.Reply("Sorry, the only options are add, edit and delete")
		return nil
	}
	inv.afterCommit = append(inv.afterCommit, sub.afterCommit...)
	return err
}

func (b *Bot) showCommands(_ context.Context, inv *Invocation) error {
	b.replyLink(inv, mirror.ViewCommands, "commands")
	return nil
}

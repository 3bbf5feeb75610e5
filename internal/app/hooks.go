package app

import (
	"context"
	"fmt"

	"pushbot/internal/command"
	"pushbot/internal/producer/webhook"
)

// newHookCommand mints a webhook token and subscribes the calling chat to it.
func (a *App) newHookCommand() command.Command {
	return command.Command{
		Name:        "newhook",
		Usage:       "/newhook",
		Description: "create a webhook that posts into this chat",
		Access:      command.AccessAdmin,
		Handle: func(ctx context.Context, req *command.Request) (string, error) {
			token := webhook.NewToken()
			if err := a.subs.Subscribe(ctx, webhook.Type, token, req.Chat); err != nil {
				return "", err
			}
			return fmt.Sprintf("Webhook created.\nPOST %s\nSubscribed to %s/%s", a.hooks.URL(token), webhook.Type, token), nil
		},
	}
}

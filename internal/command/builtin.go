package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pushbot/internal/channel"
	"pushbot/internal/errs"
)

var errUsage = errors.New("usage")

type usageError struct{ usage string }

func (e usageError) Error() string { return "Usage: " + e.usage }
func (e usageError) Is(target error) bool { return target == errUsage }

func (m *Manager) builtins() []Command {
	return []Command{
		{
			Name:        "help",
			Usage:       "/help",
			Description: "show commands",
			Handle:      m.cmdHelp,
		},
		{
			Name:        "channels",
			Usage:       "/channels",
			Description: "list channel types",
			Handle:      m.cmdChannels,
		},
		{
			Name:        "sub",
			Usage:       "/sub <type> <id>",
			Description: "subscribe this chat to a channel",
			Access:      AccessAdmin,
			Handle:      m.cmdSub,
		},
		{
			Name:        "unsub",
			Usage:       "/unsub <type> <id>",
			Description: "unsubscribe this chat from a channel",
			Access:      AccessAdmin,
			Handle:      m.cmdUnsub,
		},
		{
			Name:        "subs",
			Usage:       "/subs",
			Description: "list this chat's subscriptions",
			Handle:      m.cmdSubs,
		},
		{
			Name:        "tpl",
			Usage:       "/tpl set <type> <id|*> <text> | /tpl get <type> [id] | /tpl rm <type> [id] | /tpl ls <type>",
			Description: "manage this chat's templates",
			Access:      AccessAdmin,
			Handle:      m.cmdTpl,
		},
	}
}

func (m *Manager) usage(name string) error {
	m.mu.RLock()
	u := m.cmds[name].Usage
	m.mu.RUnlock()
	return usageError{usage: strings.Replace(u, "/", m.opts.Prefix, 1)}
}

func (m *Manager) cmdHelp(_ context.Context, _ *Request) (string, error) {
	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range m.Commands() {
		b.WriteString("\n")
		b.WriteString(strings.Replace(c.Usage, "/", m.opts.Prefix, 1))
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
	}
	return b.String(), nil
}

func (m *Manager) cmdChannels(_ context.Context, req *Request) (string, error) {
	types := m.deps.Channels.List()
	if len(types) == 0 {
		return "No channel types registered.", nil
	}
	// "/channels <type>" shows the type's help
	if len(req.Args) > 0 {
		d, ok := m.deps.Channels.Get(req.Args[0])
		if !ok {
			return "", errs.ChannelTypeNotFound(req.Args[0])
		}
		return describe(d, true), nil
	}
	lines := make([]string, 0, len(types))
	for _, d := range types {
		lines = append(lines, describe(d, false))
	}
	return strings.Join(lines, "\n"), nil
}

func describe(d channel.Descriptor, full bool) string {
	s := d.ID
	if d.Title != "" {
		s += " - " + d.Title
	}
	if full {
		if d.Description != "" {
			s += "\n" + d.Description
		}
		if d.Help != "" {
			s += "\n" + d.Help
		}
	}
	return s
}

func (m *Manager) cmdSub(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) < 2 {
		return "", m.usage("sub")
	}
	typ, id := req.Args[0], req.Args[1]
	if err := m.deps.Subs.Subscribe(ctx, typ, id, req.Chat); err != nil {
		return "", err
	}
	title := id
	if info, err := m.deps.Channels.ChannelInfo(ctx, typ, id); err == nil && info != nil && info.Title != "" {
		title = info.Title
	}
	return fmt.Sprintf("Subscribed to %s (%s).", title, channel.Path(typ, id)), nil
}

func (m *Manager) cmdUnsub(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) < 2 {
		return "", m.usage("unsub")
	}
	typ, id := req.Args[0], req.Args[1]
	if err := m.deps.Subs.Unsubscribe(ctx, typ, id, req.Chat); err != nil {
		return "", err
	}
	return fmt.Sprintf("Unsubscribed from %s.", channel.Path(typ, id)), nil
}

func (m *Manager) cmdSubs(_ context.Context, req *Request) (string, error) {
	refs := m.deps.Subs.SubscriptionsOf(req.Chat)
	if len(refs) == 0 {
		return "This chat has no subscriptions.", nil
	}
	paths := make([]string, 0, len(refs))
	for _, r := range refs {
		paths = append(paths, r.Path())
	}
	sort.Strings(paths)
	return "Subscriptions:\n" + strings.Join(paths, "\n"), nil
}

func (m *Manager) cmdTpl(_ context.Context, req *Request) (string, error) {
	if len(req.Args) < 2 {
		return "", m.usage("tpl")
	}
	action, typ := strings.ToLower(req.Args[0]), req.Args[1]
	if _, ok := m.deps.Channels.Get(typ); !ok {
		return "", errs.ChannelTypeNotFound(typ)
	}
	id := ""
	if len(req.Args) > 2 {
		id = req.Args[2]
	}

	switch action {
	case "set":
		if len(req.Args) < 4 {
			return "", m.usage("tpl")
		}
		text := skipFields(req.Raw, 3)
		if m.deps.Compiler != nil {
			if err := m.deps.Compiler.Compile(text); err != nil {
				return "Template rejected: " + err.Error(), nil
			}
		}
		if id == channel.Wildcard {
			id = ""
		}
		m.deps.Templates.Set(req.Chat, typ, id, text)
		return "Template saved for " + channel.Path(typ, orWildcard(id)) + ".", nil
	case "get":
		text, ok := m.deps.Templates.Get(req.Chat, typ, id)
		if !ok {
			return "No custom template; the built-in template is used.", nil
		}
		return text, nil
	case "rm":
		if !m.deps.Templates.Remove(req.Chat, typ, id) {
			return "No custom template for " + channel.Path(typ, orWildcard(id)) + ".", nil
		}
		return "Template removed for " + channel.Path(typ, orWildcard(id)) + ".", nil
	case "ls":
		entries := m.deps.Templates.List(req.Chat)
		if len(entries) == 0 {
			return "This chat has no custom templates.", nil
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			if strings.HasPrefix(k, typ+"/") {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return strings.Join(keys, "\n"), nil
	default:
		return "", m.usage("tpl")
	}
}

func orWildcard(id string) string {
	if id == "" {
		return channel.Wildcard
	}
	return id
}

// skipFields drops the first n whitespace-separated fields of s and returns
// the rest with its inner whitespace intact.
func skipFields(s string, n int) string {
	s = strings.TrimLeft(s, " \t\n")
	for i := 0; i < n; i++ {
		j := strings.IndexAny(s, " \t\n")
		if j < 0 {
			return ""
		}
		s = strings.TrimLeft(s[j:], " \t\n")
	}
	return s
}

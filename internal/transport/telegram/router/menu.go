package router

import (
	"context"
	"sort"
	"strings"
	"time"

	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

const menuMax = 100

// buildMenus returns the command list each audience sees. Members get the
// open commands, group admins add the admin ones, and every owner's private
// chat lists what works outside groups including owner commands.
func buildMenus(reg *registry, owners []int64) map[kit.MenuScope][]kit.BotCommand {
	fits := map[kit.MenuAudience]func(c *Command) bool{
		kit.MenuPrivate:     func(c *Command) bool { return !c.GroupOnly && c.Access == AccessEveryone },
		kit.MenuGroups:      func(c *Command) bool { return c.Access == AccessEveryone },
		kit.MenuGroupAdmins: func(c *Command) bool { return c.Access != AccessOwnerOnly },
		kit.MenuChat:        func(c *Command) bool { return !c.GroupOnly },
	}
	out := map[kit.MenuScope][]kit.BotCommand{}
	for _, aud := range []kit.MenuAudience{kit.MenuPrivate, kit.MenuGroups, kit.MenuGroupAdmins} {
		out[kit.MenuScope{Audience: aud}] = menuFor(reg, fits[aud])
	}
	if len(owners) > 0 {
		ownerMenu := menuFor(reg, fits[kit.MenuChat])
		for _, id := range owners {
			out[kit.MenuScope{Audience: kit.MenuChat, ChatID: id}] = ownerMenu
		}
	}
	return out
}

func menuFor(reg *registry, fit func(c *Command) bool) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(reg.ordered))
	seen := map[string]bool{}
	for _, c := range reg.ordered {
		if !fit(c) {
			continue
		}
		name := menuName(c.Route)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.Join(strings.Fields(c.Description), " ")
		if desc == "" {
			desc = "/" + c.Route
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		out = append(out, kit.BotCommand{Command: name, Description: desc})
		if len(out) == menuMax {
			break
		}
	}
	return out
}

// publishMenus pushes every audience's menu. Owners dropped since the last
// publish get the plain private menu back.
func (m *CommandManager) publishMenus(ctx context.Context) {
	up, ok := m.tr.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	m.mu.RLock()
	reg := m.reg
	owners := append([]int64(nil), m.owners...)
	m.mu.RUnlock()

	menus := buildMenus(reg, owners)
	m.menuMu.Lock()
	defer m.menuMu.Unlock()
	current := map[int64]bool{}
	for _, id := range owners {
		current[id] = true
	}
	for id := range m.menuOwners {
		if !current[id] {
			menus[kit.MenuScope{Audience: kit.MenuChat, ChatID: id}] = menus[kit.MenuScope{Audience: kit.MenuPrivate}]
		}
	}
	m.menuOwners = current

	scopes := make([]kit.MenuScope, 0, len(menus))
	for s := range menus {
		scopes = append(scopes, s)
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].Audience != scopes[j].Audience {
			return scopes[i].Audience < scopes[j].Audience
		}
		return scopes[i].ChatID < scopes[j].ChatID
	})
	for _, s := range scopes {
		uctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := up.UpdateMenuCommands(uctx, s, menus[s])
		cancel()
		if err != nil {
			m.log.Debug("menu update failed", logx.String("audience", string(s.Audience)), logx.Int64("chat_id", s.ChatID), logx.Err(err))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

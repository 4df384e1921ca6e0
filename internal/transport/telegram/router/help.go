package router

import (
	"fmt"
	"html"
	"strings"
)

const sectionGeneral = "General"

// helpText renders HTML help. With no path it lists what the caller may
// run, grouped by section; owner commands are hidden from everyone else.
func (m *CommandManager) helpText(path []string, owner bool) string {
	m.mu.RLock()
	reg := m.reg
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpIndex(reg, owner)
	}
	c, _, g := reg.resolve(path[0], path[1:])
	switch {
	case c != nil && (owner || c.Access != AccessOwnerOnly):
		text := helpCommand(c)
		if g != nil && g.cmd == c {
			if subs := subLines(g, owner); len(subs) > 0 {
				text += "\n\n<b>Subcommands</b>\n" + strings.Join(subs, "\n")
			}
		}
		return text
	case c == nil && g != nil:
		if subs := subLines(g, owner); len(subs) > 0 {
			return fmt.Sprintf("📚 <b>Help</b> <code>/%s</code>\n", html.EscapeString(g.word)) + strings.Join(subs, "\n")
		}
	}
	return "❓ <b>Unknown command</b>\nType <code>/help</code> to list commands."
}

func helpIndex(reg *registry, owner bool) string {
	var order []string
	bySection := map[string][]string{}
	for _, c := range reg.ordered {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		sec := strings.TrimSpace(c.Section)
		if sec == "" {
			sec = sectionGeneral
		}
		if _, ok := bySection[sec]; !ok {
			order = append(order, sec)
		}
		bySection[sec] = append(bySection[sec], helpLine(c))
	}
	// General goes last; it holds /help itself.
	if _, ok := bySection[sectionGeneral]; ok {
		for i, s := range order {
			if s == sectionGeneral {
				order = append(append(order[:i:i], order[i+1:]...), sectionGeneral)
				break
			}
		}
	}

	lines := []string{"📚 <b>Commands</b>", "Type <code>/help &lt;cmd&gt;</code> for details."}
	for _, sec := range order {
		lines = append(lines, "", "<b>"+html.EscapeString(sec)+"</b>")
		lines = append(lines, bySection[sec]...)
	}
	if owner {
		lines = append(lines, "", "🛡 chat admins · 🔒 bot owners")
	} else {
		lines = append(lines, "", "🛡 chat admins only")
	}
	return strings.Join(lines, "\n")
}

func helpLine(c *Command) string {
	mark := ""
	switch c.Access {
	case AccessAdmin:
		mark = "🛡 "
	case AccessOwnerOnly:
		mark = "🔒 "
	}
	line := "• " + mark + "<code>/" + html.EscapeString(c.Route) + "</code>"
	if d := strings.TrimSpace(c.Description); d != "" {
		line += " - " + html.EscapeString(d)
	}
	return line
}

func helpCommand(c *Command) string {
	lines := []string{fmt.Sprintf("📚 <b>Help</b> <code>/%s</code>", html.EscapeString(c.Route))}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	switch c.Access {
	case AccessOwnerOnly:
		lines = append(lines, "🔒 <i>Bot owners only</i>")
	case AccessAdmin:
		lines = append(lines, "🛡 <i>Chat admins only</i>")
	}
	if c.GroupOnly {
		lines = append(lines, "👥 <i>Works in groups only</i>")
	}
	if c.Subscribed {
		lines = append(lines, "⭐ <i>Needs an active subscription</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	var also []string
	if strings.Contains(c.Route, " ") {
		also = append(also, "/"+menuName(c.Route))
	}
	for _, a := range c.Aliases {
		if n := menuName(a); n != "" {
			also = append(also, "/"+n)
		}
	}
	if len(also) > 0 {
		lines = append(lines, "", "<b>Also</b> "+html.EscapeString(strings.Join(also, " ")))
	}
	return strings.Join(lines, "\n")
}

func subLines(g *group, owner bool) []string {
	var out []string
	for _, sub := range sortedKeys(g.subs) {
		c := g.subs[sub]
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		out = append(out, helpLine(c))
	}
	return out
}

package router

import (
	"fmt"
	"strings"
)

// Routes are one word ("reminders") or a word and a subcommand
// ("schedules sweep"). Words and aliases are matched in menu form: lower
// case, with '-' and spaces folded into '_'.

type group struct {
	word string
	cmd  *Command
	subs map[string]*Command
}

type registry struct {
	groups  map[string]*group
	byName  map[string]*Command
	ordered []*Command
}

// newRegistry indexes cmds. Commands that cannot be registered are skipped
// and reported.
func newRegistry(cmds []Command) (*registry, []error) {
	r := &registry{groups: map[string]*group{}, byName: map[string]*Command{}}
	var errs []error
	for i := range cmds {
		c := cmds[i]
		words := splitRoute(c.Route)
		if c.Handle == nil || len(words) == 0 || len(words) > 2 {
			errs = append(errs, fmt.Errorf("command %q: needs a handler and one or two words", c.Route))
			continue
		}
		c.Route = strings.Join(words, " ")
		g := r.groups[words[0]]
		if g == nil {
			g = &group{word: words[0], subs: map[string]*Command{}}
			r.groups[words[0]] = g
		}
		if len(words) == 1 {
			if g.cmd != nil {
				errs = append(errs, fmt.Errorf("command %q: registered twice", c.Route))
				continue
			}
			g.cmd = &c
		} else {
			if g.subs[words[1]] != nil {
				errs = append(errs, fmt.Errorf("command %q: registered twice", c.Route))
				continue
			}
			g.subs[words[1]] = &c
		}
		r.ordered = append(r.ordered, &c)
	}
	for _, c := range r.ordered {
		if strings.Contains(c.Route, " ") {
			errs = r.claim(menuName(c.Route), c, errs)
		}
		for _, a := range c.Aliases {
			errs = r.claim(menuName(a), c, errs)
		}
	}
	return r, errs
}

func (r *registry) claim(name string, c *Command, errs []error) []error {
	if name == "" {
		return errs
	}
	if g, ok := r.groups[name]; ok {
		if g.cmd != c {
			errs = append(errs, fmt.Errorf("alias %q of %q: shadows /%s", name, c.Route, name))
		}
		return errs
	}
	if prev, ok := r.byName[name]; ok && prev != c {
		return append(errs, fmt.Errorf("alias %q of %q: already used by %q", name, c.Route, prev.Route))
	}
	r.byName[name] = c
	return errs
}

// resolve maps a command word and its arguments to a command. When word
// names a group with no bare command and no subcommand matched, the
// command is nil and the group is returned for help.
func (r *registry) resolve(word string, args []string) (*Command, []string, *group) {
	word = menuName(word)
	if g, ok := r.groups[word]; ok {
		if len(args) > 0 {
			if sub, ok := g.subs[menuName(args[0])]; ok {
				return sub, args[1:], g
			}
		}
		return g.cmd, args, g
	}
	if c, ok := r.byName[word]; ok {
		return c, args, nil
	}
	return nil, args, nil
}

func splitRoute(route string) []string {
	return strings.Fields(strings.ToLower(route))
}

// menuName folds s into a Telegram command name: [a-z0-9_], at most 32
// characters.
func menuName(s string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == ' ':
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

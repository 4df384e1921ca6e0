// Package detect turns incoming chat messages into reminder triggers using
// configured regex rules.
package detect

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Lunaria-Bot/MemAssistant/internal/delivery"
	"github.com/Lunaria-Bot/MemAssistant/internal/reminder"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

// Subject sources.
const (
	SubjectSender  = "sender"
	SubjectMention = "mention"
	SubjectMatch   = "match"
)

// Delivery modes.
const (
	DeliverChat   = "chat"
	DeliverDirect = "direct"
)

// Rule describes one trigger.
type Rule struct {
	Name string
	Kind string
	// FromUserID and FromUsername restrict the rule to one author (usually
	// the game bot). Zero values match anyone.
	FromUserID   int64
	FromUsername string
	Match        string
	Exclude      string
	Subject      string
	Deliver      string
	// OnEdit also applies the rule to edited messages.
	OnEdit   bool
	Cooldown time.Duration
}

type compiled struct {
	Rule
	match   *regexp.Regexp
	exclude *regexp.Regexp
}

// Validate reports every problem in rules, naming the offending rule.
func Validate(rules []Rule) error {
	_, err := compile(rules)
	return err
}

func compile(rules []Rule) ([]compiled, error) {
	out := make([]compiled, 0, len(rules))
	var errs []error
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = "#" + strconv.Itoa(i)
		}
		c := compiled{Rule: r}
		c.Kind = strings.TrimSpace(r.Kind)
		if c.Kind == "" {
			errs = append(errs, fmt.Errorf("detector %s: kind is required", name))
		}
		if strings.TrimSpace(r.Match) == "" {
			errs = append(errs, fmt.Errorf("detector %s: match is required", name))
		} else if re, err := regexp.Compile("(?i)" + r.Match); err != nil {
			errs = append(errs, fmt.Errorf("detector %s: match: %w", name, err))
		} else {
			c.match = re
		}
		if strings.TrimSpace(r.Exclude) != "" {
			re, err := regexp.Compile("(?i)" + r.Exclude)
			if err != nil {
				errs = append(errs, fmt.Errorf("detector %s: exclude: %w", name, err))
			}
			c.exclude = re
		}
		switch c.Subject {
		case "":
			c.Subject = SubjectSender
		case SubjectSender, SubjectMention:
		case SubjectMatch:
			if c.match != nil && c.match.NumSubexp() < 1 {
				errs = append(errs, fmt.Errorf("detector %s: subject=match needs a capture group", name))
			}
		default:
			errs = append(errs, fmt.Errorf("detector %s: unknown subject %q", name, c.Subject))
		}
		switch c.Deliver {
		case "":
			c.Deliver = DeliverChat
		case DeliverChat, DeliverDirect:
		default:
			errs = append(errs, fmt.Errorf("detector %s: unknown deliver %q", name, c.Deliver))
		}
		c.FromUsername = strings.TrimPrefix(strings.TrimSpace(r.FromUsername), "@")
		c.Name = name
		out = append(out, c)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Detector applies the current rule set. Rules can be swapped at runtime.
type Detector struct {
	log logx.Logger

	mu    sync.RWMutex
	rules []compiled
}

func New(rules []Rule, log logx.Logger) (*Detector, error) {
	d := &Detector{log: log}
	if err := d.Apply(rules); err != nil {
		return nil, err
	}
	return d, nil
}

// Apply replaces the rules. On error the old rules stay.
func (d *Detector) Apply(rules []Rule) error {
	cs, err := compile(rules)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.rules = cs
	d.mu.Unlock()
	d.log.Info("detectors applied", logx.Int("rules", len(cs)))
	return nil
}

func (d *Detector) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rules)
}

// Detect returns one trigger per matching rule. Only group chats are
// scanned.
func (d *Detector) Detect(up kit.Update) []reminder.Trigger {
	m := up.Message
	if m == nil || !m.IsGroup || m.Text == "" {
		return nil
	}
	d.mu.RLock()
	rules := d.rules
	d.mu.RUnlock()

	var out []reminder.Trigger
	for i := range rules {
		r := &rules[i]
		if up.Kind == kit.UpdateEdited && !r.OnEdit {
			continue
		}
		if !r.fromMatches(m) {
			continue
		}
		groups := r.match.FindStringSubmatch(m.Text)
		if groups == nil {
			continue
		}
		if r.exclude != nil && r.exclude.MatchString(m.Text) {
			continue
		}
		subject, name, ok := r.subject(m, groups)
		if !ok {
			d.log.Debug("detector matched without a subject", logx.String("rule", r.Name), logx.Int64("chat_id", m.ChatID))
			continue
		}
		out = append(out, reminder.Trigger{
			Scope:    m.ChatID,
			Subject:  subject,
			Kind:     r.Kind,
			Cooldown: r.Cooldown,
			Context: delivery.Target{
				ChatID:   m.ChatID,
				ThreadID: m.ThreadID,
				Direct:   r.Deliver == DeliverDirect,
				Name:     name,
			}.Encode(),
		})
	}
	return out
}

func (r *compiled) fromMatches(m *kit.Message) bool {
	if r.FromUserID != 0 && m.FromID != r.FromUserID {
		return false
	}
	if r.FromUsername != "" && !strings.EqualFold(m.FromUsername, r.FromUsername) {
		return false
	}
	return true
}

func (r *compiled) subject(m *kit.Message, groups []string) (int64, string, bool) {
	switch r.Subject {
	case SubjectMention:
		if len(m.MentionIDs) == 0 {
			return 0, "", false
		}
		return m.MentionIDs[0], "", true
	case SubjectMatch:
		id, err := strconv.ParseInt(groups[1], 10, 64)
		if err != nil || id == 0 {
			return 0, "", false
		}
		return id, "", true
	default:
		if m.FromIsBot || m.FromID == 0 {
			return 0, "", false
		}
		return m.FromID, m.FromUsername, true
	}
}

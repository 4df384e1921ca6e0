package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "github.com/Lunaria-Bot/MemAssistant/internal/runtime/supervisor"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter connects the bot to Telegram through telebot's long poller.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, the drop reporter and the stop watcher.
	sup *rtsup.Supervisor

	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash map[kit.MenuScope]uint64
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the current output channel; Start may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: convertMessage(m)})
		}
		return nil
	})
	a.bot.Handle(tele.OnEdited, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateEdited, Message: convertMessage(m)})
		}
		return nil
	})
}

func convertMessage(m *tele.Message) *kit.Message {
	msg := &kit.Message{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
		Private:  m.Private(),
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
		msg.ChatTitle = m.Chat.Title
		msg.IsGroup = m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
		msg.FromIsBot = m.Sender.IsBot
	}
	entities := m.Entities
	if len(entities) == 0 {
		entities = m.CaptionEntities
	}
	for _, e := range entities {
		if e.Type == tele.EntityTMention && e.User != nil {
			msg.MentionIDs = append(msg.MentionIDs, e.User.ID)
		}
	}
	return msg
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	reportDrops := func() {
		if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
		}
	}
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				reportDrops()
				return
			case <-ticker.C:
				reportDrops()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", atomic.LoadUint64(&a.droppedUpdates)))
	sup.Cancel()
	go a.bot.Stop()

	// Keep shutdown snappy even while getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// MemberStatus looks up userID in chatID. A user Telegram no longer knows in
// that chat is reported as MemberLeft rather than an error.
func (a *Adapter) MemberStatus(ctx context.Context, chatID, userID int64) (kit.MemberStatus, error) {
	if err := ctx.Err(); err != nil {
		return kit.MemberUnknown, err
	}
	m, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
	if err != nil {
		if errors.Is(err, tele.ErrChatNotFound) {
			return kit.MemberUnknown, fmt.Errorf("%w: %d", kit.ErrChatNotFound, chatID)
		}
		if strings.Contains(strings.ToLower(err.Error()), "user not found") {
			return kit.MemberLeft, nil
		}
		return kit.MemberUnknown, err
	}
	switch m.Role {
	case tele.Creator:
		return kit.MemberOwner, nil
	case tele.Administrator:
		return kit.MemberAdmin, nil
	case tele.Member, tele.Restricted:
		return kit.MemberRegular, nil
	case tele.Kicked:
		return kit.MemberKicked, nil
	default:
		return kit.MemberLeft, nil
	}
}

// UpdateMenuCommands publishes one audience's menu (setMyCommands with a
// scope). Telegram is only called when that audience's list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, scope kit.MenuScope, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts, err := teleScope(scope)
	if err != nil {
		return err
	}
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	sum := h.Sum64()
	if prev, ok := a.menuHash[scope]; ok && prev == sum {
		return nil
	}
	if err := a.bot.SetCommands(out, ts); err != nil {
		return fmt.Errorf("telegram setMyCommands(%s): %w", scope.Audience, err)
	}
	if a.menuHash == nil {
		a.menuHash = map[kit.MenuScope]uint64{}
	}
	a.menuHash[scope] = sum
	a.log.Info("menu commands updated", logx.String("audience", string(scope.Audience)), logx.Int64("chat_id", scope.ChatID), logx.Int("count", len(out)))
	return nil
}

func teleScope(s kit.MenuScope) (tele.CommandScope, error) {
	switch s.Audience {
	case kit.MenuPrivate:
		return tele.CommandScope{Type: tele.CommandScopeAllPrivateChats}, nil
	case kit.MenuGroups:
		return tele.CommandScope{Type: tele.CommandScopeAllGroupChats}, nil
	case kit.MenuGroupAdmins:
		return tele.CommandScope{Type: tele.CommandScopeAllChatAdmin}, nil
	case kit.MenuChat:
		if s.ChatID == 0 {
			return tele.CommandScope{}, errors.New("telegram menu: chat scope without chat id")
		}
		return tele.CommandScope{Type: tele.CommandScopeChat, ChatID: s.ChatID}, nil
	}
	return tele.CommandScope{}, fmt.Errorf("telegram menu: unknown audience %q", s.Audience)
}

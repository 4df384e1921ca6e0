package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "github.com/Lunaria-Bot/MemAssistant/internal/runtime/supervisor"
	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessAdmin allows chat administrators and bot owners.
	AccessAdmin
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "reminders" or
	// "schedules sweep".
	Route       string
	Aliases     []string
	// Section groups the command in /help, e.g. "Reminders".
	Section     string
	Description string
	Usage       string
	Access      Access
	// GroupOnly rejects the command in private chats.
	GroupOnly bool
	// Subscribed requires an active subscription in the calling chat.
	Subscribed bool

	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Private bool
	Path    []string
	Command string
	Args    []string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Sender kit.Sender
	Logger logx.Logger
	Owner  bool
}

// Reply sends HTML text to the calling chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Transport is what the router needs from the chat adapter.
type Transport interface {
	kit.Sender
	kit.MemberLookup
}

// Gate reports whether a chat holds an active subscription.
type Gate interface {
	IsEligible(ctx context.Context, scope int64) (bool, error)
}

// FallbackFunc receives every update that is not a command.
type FallbackFunc func(ctx context.Context, up kit.Update)

type CommandManager struct {
	mu  sync.RWMutex
	reg *registry

	owners   []int64
	fallback FallbackFunc

	menuMu     sync.Mutex
	menuOwners map[int64]bool

	log  logx.Logger
	tr   Transport
	gate Gate

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

// NewCommandManager returns a router. gate may be nil, in which case
// Subscribed commands are always allowed.
func NewCommandManager(log logx.Logger, tr Transport, gate Gate, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		reg:    &registry{groups: map[string]*group{}, byName: map[string]*Command{}},
		log:    log,
		tr:     tr,
		gate:   gate,
		owners: append([]int64(nil), owners...),
		jobs:   make(chan func(), 256),
	}
}

// Supervisor returns the worker pool supervisor, or nil when not running.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue tolerates the jobs channel being closed during shutdown.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners is safe to call during hot reload. Owner menus are republished
// in the background.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
	go m.publishMenus(context.Background())
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

func (m *CommandManager) SetFallback(fn FallbackFunc) {
	m.mu.Lock()
	m.fallback = fn
	m.mu.Unlock()
}

// SetRegistry replaces the command set and republishes the menus. /help
// is always added.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Section:     sectionGeneral,
		Description: "show the commands you can use",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args, req.Owner))
		},
	})

	reg, errs := newRegistry(cmds)
	for _, err := range errs {
		m.log.Warn("command not registered", logx.Err(err))
	}
	m.mu.Lock()
	m.reg = reg
	m.mu.Unlock()

	go m.publishMenus(ctx)
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if up.Kind == kit.UpdateMessage && strings.HasPrefix(text, "/") {
		m.routeCommand(root, up, text)
		return
	}

	m.mu.RLock()
	fb := m.fallback
	m.mu.RUnlock()
	if fb == nil {
		return
	}
	if !m.tryEnqueue(func() { fb(root, up) }) {
		m.log.Warn("update dropped: workers busy", logx.Int64("chat_id", msg.ChatID))
	}
}

func (m *CommandManager) routeCommand(root context.Context, up kit.Update, text string) {
	msg := up.Message
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	reg := m.reg
	m.mu.RUnlock()

	cmd, args, g := reg.resolve(word, parts[1:])
	switch {
	case cmd != nil:
		m.enqueueCommand(root, up, *cmd, args)
	case g != nil:
		owner := isOwner(msg.FromID, m.ownersSnapshot())
		_, _ = m.tr.SendText(root, chat, m.helpText([]string{g.word}, owner), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	case msg.Private:
		// Groups share the bot with other bots' commands; stay quiet there.
		_, _ = m.tr.SendText(root, chat, "Unknown command. Try /help", nil)
	}
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, raw []string) {
	msg := up.Message
	owners := m.ownersSnapshot()
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	pos, flags, bools := parseFlags(raw)

	rid := newReqID()
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		Private:   msg.Private,
		Path:      splitRoute(cmd.Route),
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Sender:    m.tr,
		Owner:     isOwner(msg.FromID, owners),
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}

	final := Chain(cmd.Handle,
		MWReplyError(),
		MWRequestLog(),
		MWRecover(),
		MWTimeout(cmd.Timeout),
		MWAccess(cmd, m.tr, m.gate),
	)
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.tr.SendText(root, chat, "Busy, try again.", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

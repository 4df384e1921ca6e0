package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateEdited  UpdateKind = "edited"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ChatTitle    string
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromIsBot    bool
	Text         string
	IsGroup      bool
	Private      bool

	// MentionIDs holds user ids referenced by text mentions, in order.
	MentionIDs []int64
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

type Notification struct {
	Channel  string // logical stream, used for dedup
	Priority int    // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// MemberStatus describes a user's standing in a chat.
type MemberStatus string

const (
	MemberOwner   MemberStatus = "creator"
	MemberAdmin   MemberStatus = "administrator"
	MemberRegular MemberStatus = "member"
	MemberLeft    MemberStatus = "left"
	MemberKicked  MemberStatus = "kicked"
	MemberUnknown MemberStatus = ""
)

// Present reports whether the user is still part of the chat.
func (s MemberStatus) Present() bool {
	return s == MemberOwner || s == MemberAdmin || s == MemberRegular
}

func (s MemberStatus) Admin() bool { return s == MemberOwner || s == MemberAdmin }

// ErrChatNotFound is returned by member lookups when the chat itself is gone
// or the bot has been removed from it.
var ErrChatNotFound = errors.New("chat not found")

// Sender is the outbound half of an Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// MemberLookup resolves a user's status in a chat.
type MemberLookup interface {
	MemberStatus(ctx context.Context, chatID, userID int64) (MemberStatus, error)
}

type Adapter interface {
	Sender
	MemberLookup

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// MenuAudience picks who sees a command menu.
type MenuAudience string

const (
	MenuPrivate     MenuAudience = "private"
	MenuGroups      MenuAudience = "groups"
	MenuGroupAdmins MenuAudience = "group_admins"
	// MenuChat targets one chat, e.g. an owner's private chat.
	MenuChat MenuAudience = "chat"
)

type MenuScope struct {
	Audience MenuAudience
	ChatID   int64
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu per audience.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, scope MenuScope, cmds []BotCommand) error
}

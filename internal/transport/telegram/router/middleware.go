package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	kit "github.com/Lunaria-Bot/MemAssistant/internal/transport"
	logx "github.com/Lunaria-Bot/MemAssistant/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// DefaultTimeout bounds a command that sets none. Handlers hit the store
// and the Telegram API, both of which can hang.
const DefaultTimeout = 20 * time.Second

// Refusal reasons carried by UserError.
const (
	ReasonGroupOnly    = "group_only"
	ReasonOwnerOnly    = "owner_only"
	ReasonAdminOnly    = "admin_only"
	ReasonSubscription = "no_subscription"
)

// UserError is shown to the caller verbatim. Other handler errors only get
// a generic reply.
type UserError struct {
	Msg string
	// Reason is set when the router refused the command before it ran.
	Reason string
}

func (e *UserError) Error() string { return e.Msg }

func Userf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

func refuse(reason, msg string) error {
	return &UserError{Msg: msg, Reason: reason}
}

// MWAccess enforces a command's group, access and subscription rules.
// Checks run on a worker, so member lookups never stall dispatch. gate may
// be nil, which lets Subscribed commands through.
func MWAccess(cmd Command, members kit.MemberLookup, gate Gate) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if cmd.GroupOnly && req.Private {
				return refuse(ReasonGroupOnly, "👥 This command only works in a group.")
			}
			switch cmd.Access {
			case AccessOwnerOnly:
				if !req.Owner {
					return refuse(ReasonOwnerOnly, "🔒 Only bot owners can use this command.")
				}
			case AccessAdmin:
				if !req.Owner {
					st, err := members.MemberStatus(ctx, req.Chat.ChatID, req.FromID)
					if err != nil {
						return fmt.Errorf("member status: %w", err)
					}
					if !st.Admin() {
						return refuse(ReasonAdminOnly, "🛡 Only chat administrators can use this command.")
					}
				}
			}
			if cmd.Subscribed && gate != nil && !req.Private {
				ok, err := gate.IsEligible(ctx, req.Chat.ChatID)
				if err != nil {
					return fmt.Errorf("subscription check: %w", err)
				}
				if !ok {
					return refuse(ReasonSubscription, "🔒 This chat has no active subscription. An admin can redeem a code with /activate.")
				}
			}
			return next(ctx, req)
		}
	}
}

// MWTimeout bounds the handler with d, or DefaultTimeout when d is zero.
func MWTimeout(d time.Duration) Middleware {
	if d <= 0 {
		d = DefaultTimeout
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// MWRecover turns a handler panic into an error for the reply and log
// layers above it.
func MWRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog records one line per command. Refusals and bad input are
// routine and stay at debug; handler failures are warnings.
func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			fields := []logx.Field{
				logx.Int("thread_id", req.Chat.ThreadID),
				logx.Bool("owner", req.Owner),
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", time.Since(start)),
			}
			var ue *UserError
			switch {
			case err == nil:
				req.Logger.Debug("command ok", fields...)
			case errors.As(err, &ue) && ue.Reason != "":
				req.Logger.Info("command refused", append(fields, logx.String("reason", ue.Reason))...)
			case errors.As(err, &ue):
				req.Logger.Debug("command rejected input", append(fields, logx.String("reply", ue.Msg))...)
			default:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			}
			return err
		}
	}
}

// MWReplyError answers the chat when the handler fails.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil || req.Sender == nil {
				return err
			}
			text := "❌ Something went wrong, try again later."
			var ue *UserError
			switch {
			case errors.As(err, &ue):
				text = ue.Msg
			case errors.Is(err, context.DeadlineExceeded):
				text = "⌛ Timed out, try again."
			}
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_, _ = req.Sender.SendText(rctx, req.Chat, text, nil)
			return err
		}
	}
}

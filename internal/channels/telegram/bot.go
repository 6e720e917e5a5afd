// Package telegram is the Telegram channel adapter. Identities are numeric
// Telegram user ids; replies go to the user's private chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/roelfdiedericks/lifeline/internal/channel"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// maxMessageLen stays below the Bot API's 4096 character limit.
const maxMessageLen = 4000

// Button endpoints for approval prompts. The callback payload is the approval id.
var (
	approveBtn = tele.Btn{Unique: "approve"}
	denyBtn    = tele.Btn{Unique: "deny"}
)

// poster is the part of *tele.Bot used for outbound messages.
type poster interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Bot implements channel.Channel over the Telegram Bot API.
type Bot struct {
	token    string
	audience channel.Audience

	mu      sync.RWMutex
	bot     *tele.Bot
	out     poster
	handler channel.Handler
	ctx     context.Context
}

// New creates the adapter. The bot connects on Start.
func New(token string, audience channel.Audience) *Bot {
	return &Bot{token: token, audience: audience}
}

// Name returns the channel identifier
func (b *Bot) Name() string { return types.ChannelTelegram }

// Start connects to the Bot API and begins long polling.
func (b *Bot) Start(ctx context.Context, h channel.Handler) error {
	if b.token == "" {
		return errors.New("telegram: bot_token is not set")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  b.token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, _ tele.Context) {
			L_warn("telegram: handler error", "error", err)
		},
	})
	if err != nil {
		return fmt.Errorf("telegram: connect: %w", err)
	}

	bot.Handle(tele.OnText, func(c tele.Context) error {
		b.onUpdate(c, c.Text())
		return nil
	})
	bot.Handle(&approveBtn, func(c tele.Context) error {
		b.onUpdate(c, "/approve "+c.Data())
		return c.Respond()
	})
	bot.Handle(&denyBtn, func(c tele.Context) error {
		b.onUpdate(c, "/deny "+c.Data())
		return c.Respond()
	})

	b.mu.Lock()
	b.bot = bot
	b.out = bot
	b.handler = h
	b.ctx = ctx
	b.mu.Unlock()

	go bot.Start()
	L_info("telegram: polling", "bot", bot.Me.Username)
	return nil
}

// Stop ends long polling.
func (b *Bot) Stop() error {
	b.mu.Lock()
	bot := b.bot
	b.bot = nil
	b.mu.Unlock()
	if bot != nil {
		bot.Stop()
	}
	return nil
}

func (b *Bot) onUpdate(c tele.Context, text string) {
	sender := c.Sender()
	if sender == nil {
		return
	}
	var chatID int64
	if chat := c.Chat(); chat != nil {
		chatID = chat.ID
	}
	b.deliver(sender.ID, chatID, text)
}

// deliver hands an update to the gateway. Authorization happens there.
func (b *Bot) deliver(senderID, chatID int64, text string) {
	b.mu.RLock()
	h, ctx := b.handler, b.ctx
	b.mu.RUnlock()
	if h == nil {
		return
	}
	h(ctx, types.InboundMessage{
		From:       types.Identity{Channel: types.ChannelTelegram, ID: strconv.FormatInt(senderID, 10)},
		Text:       text,
		ReceivedAt: time.Now(),
		ReplyTo:    strconv.FormatInt(chatID, 10),
	})
}

// Send delivers msg to the user's private chat, split to fit the API limit.
// Approval prompts carry Approve and Deny buttons on the last chunk.
func (b *Bot) Send(_ context.Context, to types.Identity, msg types.Message) error {
	b.mu.RLock()
	out := b.out
	b.mu.RUnlock()
	if out == nil {
		return errors.New("telegram: not connected")
	}
	id, err := strconv.ParseInt(to.ID, 10, 64)
	if err != nil || to.Channel != types.ChannelTelegram {
		return fmt.Errorf("telegram: invalid identity %s", to)
	}

	chunks := channel.Split(msg.Rich(), maxMessageLen)
	for i, chunk := range chunks {
		var markup *tele.ReplyMarkup
		if i == len(chunks)-1 && msg.Approval != nil {
			markup = approvalMarkup(msg.Approval.ID)
		}
		if err := sendWithHTMLFallback(out, tele.ChatID(id), chunk, markup); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast sends msg to every allowed Telegram user.
func (b *Bot) Broadcast(ctx context.Context, msg types.Message) error {
	var errs []error
	for _, id := range b.audience.Identities(types.ChannelTelegram) {
		if err := b.Send(ctx, id, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func approvalMarkup(id string) *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	m.Inline(m.Row(
		m.Data("✅ Approve", approveBtn.Unique, id),
		m.Data("❌ Deny", denyBtn.Unique, id),
	))
	return m
}

// sendWithHTMLFallback sends formatted HTML and retries as plain text when
// the API rejects the markup.
func sendWithHTMLFallback(out poster, to tele.Recipient, text string, markup *tele.ReplyMarkup) error {
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: markup}
	if html, ok := FormatHTML(text); ok {
		_, err := out.Send(to, html, opts)
		if err == nil {
			return nil
		}
		L_debug("telegram: HTML send failed, retrying as plain text", "error", err)
	}
	_, err := out.Send(to, text, &tele.SendOptions{ReplyMarkup: markup})
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// Package notify pushes task lifecycle updates to operators who are away
// from the dashboard. Delivery is outbound-only; the bot never reads chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crewline/chorus/internal/bus"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram forwards task.created and task.completed events to a fixed set of
// chats. It holds no inbound surface: commands arrive through the gateway or
// console, never through the bot.
type Telegram struct {
	token   string
	chatIDs []int64
	bus     *bus.Bus
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
}

// NewTelegram creates the notifier. Start must be called before events flow.
func NewTelegram(token string, chatIDs []int64, eventBus *bus.Bus, logger *slog.Logger) *Telegram {
	return &Telegram{
		token:   token,
		chatIDs: chatIDs,
		bus:     eventBus,
		logger:  logger,
	}
}

func (t *Telegram) Name() string {
	return "telegram"
}

// Start connects to the Bot API and forwards task events until ctx is done.
// Connection failures retry with exponential backoff; the notifier never
// takes the process down.
func (t *Telegram) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err == nil {
			t.bot = bot
			break
		}
		t.logger.Warn("telegram connect failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	t.logger.Info("telegram notifier started", "user", t.bot.Self.UserName, "chats", len(t.chatIDs))
	t.watch(ctx)
	return nil
}

func (t *Telegram) watch(ctx context.Context) {
	sub := t.bus.Subscribe("task.")
	defer t.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			text := FormatTaskEvent(ev)
			if text == "" {
				continue
			}
			t.send(text)
		}
	}
}

func (t *Telegram) send(text string) {
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

// FormatTaskEvent renders a bus event as a short notification line. Events
// that are pure state-machine noise (task.state_changed) return "".
func FormatTaskEvent(ev bus.Event) string {
	switch ev.Topic {
	case bus.TopicTaskCreated:
		p, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("New task %s for %s.", shortID(p.TaskID), p.AgentID)
	case bus.TopicTaskCompleted:
		p, ok := ev.Payload.(bus.TaskCompletedEvent)
		if !ok {
			return ""
		}
		if p.Failed {
			return fmt.Sprintf("Task %s (%s) failed: %s", shortID(p.TaskID), p.AgentID, p.Summary)
		}
		return fmt.Sprintf("Task %s (%s) done: %s", shortID(p.TaskID), p.AgentID, p.Summary)
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

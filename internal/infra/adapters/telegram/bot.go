// Package telegram bridges advisors' Telegram chats to their agents.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"advisor-agent/internal/domain/ports/adapter"
)

var _ adapter.Notifier = (*Bot)(nil)

// sender is the part of *tgbotapi.BotAPI used for outbound messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// MessageHandler answers a user's chat message.
type MessageHandler func(ctx context.Context, userID, text string) (string, error)

// Bot pushes agent notifications to linked chats and forwards chat messages
// from linked chats to the agent.
type Bot struct {
	api     *tgbotapi.BotAPI
	send    sender
	chats   map[string]int64 // user id -> chat id
	users   map[int64]string // chat id -> user id
	workers int
	log     zerolog.Logger
}

func NewBot(token string, chats map[string]int64, workers int, logger *zerolog.Logger) (*Bot, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	b := newBot(api, chats, workers, logger)
	b.api = api
	return b, nil
}

func newBot(s sender, chats map[string]int64, workers int, logger *zerolog.Logger) *Bot {
	if workers <= 0 {
		workers = 4
	}
	users := make(map[int64]string, len(chats))
	for u, c := range chats {
		users[c] = u
	}
	return &Bot{
		send:    s,
		chats:   chats,
		users:   users,
		workers: workers,
		log:     logger.With().Str("component", "telegram").Logger(),
	}
}

// Publish delivers n to the user's linked chat; users without a chat are skipped.
func (b *Bot) Publish(ctx context.Context, n adapter.Notification) error {
	chatID, ok := b.chats[n.UserID]
	if !ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.send.Send(tgbotapi.NewMessage(chatID, formatNotification(n)))
	return err
}

func formatNotification(n adapter.Notification) string {
	var title string
	switch n.Type {
	case adapter.NotifyProactiveTaskCreated:
		title = "New task from your instructions"
	case adapter.NotifyTaskCompleted:
		title = "Task completed"
	case adapter.NotifyTaskFailed:
		title = "Task failed"
	default:
		title = n.Type
	}
	if n.Message == "" {
		return title
	}
	return fmt.Sprintf("%s\n\n%s", title, n.Message)
}

// StartPolling reads updates until ctx ends, handing linked chats' messages to h
// on a fixed pool of goroutines.
func (b *Bot) StartPolling(ctx context.Context, h MessageHandler) error {
	if b.api == nil {
		return errors.New("telegram bot not connected")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	queue := make(chan tgbotapi.Update, 100)
	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for up := range queue {
				b.handleUpdate(ctx, up, h)
			}
		}()
	}

	defer func() {
		b.api.StopReceivingUpdates()
		close(queue)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case queue <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, up tgbotapi.Update, h MessageHandler) {
	if up.Message == nil {
		return
	}
	chatID := up.Message.Chat.ID
	userID, ok := b.users[chatID]
	if !ok {
		_, _ = b.send.Send(tgbotapi.NewMessage(chatID, "This chat is not linked to an advisor account."))
		return
	}
	reply, err := h(ctx, userID, strings.TrimSpace(up.Message.Text))
	if err != nil && reply == "" {
		b.log.Error().Err(err).Str("user_id", userID).Msg("agent failed to answer")
		reply = "Sorry, something went wrong. Please try again."
	}
	if _, err := b.send.Send(tgbotapi.NewMessage(chatID, reply)); err != nil {
		b.log.Warn().Err(err).Str("user_id", userID).Msg("telegram send failed")
	}
}

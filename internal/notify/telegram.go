package notify

import (
	"fmt"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// sender is the part of *tgbotapi.BotAPI used here.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends every notice as a chat message. Messages are queued and
// sent from one goroutine; when the queue is full the notice is dropped.
type Telegram struct {
	api    sender
	chatID int64
	queue  chan string
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewTelegram connects to the bot API with token and sends to chatID.
func NewTelegram(token, chatID string, logger *zap.Logger) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("telegram notifier initialized", zap.String("username", api.Self.UserName))
	return newTelegram(api, id, logger), nil
}

func newTelegram(api sender, chatID int64, logger *zap.Logger) *Telegram {
	t := &Telegram{
		api:    api,
		chatID: chatID,
		queue:  make(chan string, 64),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.loop()
	return t
}

func (t *Telegram) Notify(title, msg string, ok bool) {
	mark := "✅"
	if !ok {
		mark = "⚠️"
	}
	text := fmt.Sprintf("%s %s\n%s", mark, title, msg)
	select {
	case t.queue <- text:
	default:
		t.logger.Warn("telegram queue full, notice dropped", zap.String("title", title))
	}
}

func (t *Telegram) loop() {
	defer close(t.done)
	for text := range t.queue {
		if _, err := t.api.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
			t.logger.Error("failed to send telegram message", zap.Error(err))
		}
	}
}

// Close sends the queued notices and stops the sender.
func (t *Telegram) Close() {
	t.once.Do(func() { close(t.queue) })
	<-t.done
}

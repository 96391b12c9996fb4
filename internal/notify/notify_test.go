package notify

import (
	"errors"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockSender struct {
	sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.Lock()
	defer m.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, m.err
}

func TestTelegramSendsQueuedNotices(t *testing.T) {
	api := &mockSender{}
	tg := newTelegram(api, 42, zap.NewNop())

	tg.Notify("Bought", "R_100 barrier 7", true)
	tg.Notify("Stop-loss hit", "trading disabled", false)
	tg.Close()
	tg.Close()

	require.Len(t, api.sent, 2)
	assert.Equal(t, int64(42), api.sent[0].ChatID)
	assert.Contains(t, api.sent[0].Text, "Bought")
	assert.Contains(t, api.sent[0].Text, "R_100 barrier 7")
	assert.Contains(t, api.sent[1].Text, "⚠️")
}

func TestTelegramSendErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	api := &mockSender{err: errors.New("boom")}
	tg := newTelegram(api, 1, zap.New(core))

	tg.Notify("x", "y", true)
	tg.Close()
	assert.Equal(t, 1, logs.FilterMessage("failed to send telegram message").Len())
}

func TestNewTelegramValidates(t *testing.T) {
	_, err := NewTelegram("", "1", zap.NewNop())
	assert.Error(t, err)
	_, err = NewTelegram("token", "not-a-number", zap.NewNop())
	assert.Error(t, err)
}

func TestLogAndMulti(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := Multi{Nop{}, NewLogNotifier(zap.New(core))}

	n.Notify("Shifting market", "now R_50", true)
	n.Notify("Buy failed", "rate limit", false)

	require.Equal(t, 2, logs.Len())
	entries := logs.All()
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "Shifting market", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

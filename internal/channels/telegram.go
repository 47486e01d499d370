package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskcore/internal/task"
)

// TelegramChannel is a Channel backed by Telegram's long-polling bot API.
// Inbound messages from allow-listed chats become submitted tasks; replies
// are edited progressively into the original chat message when possible.
type TelegramChannel struct {
	token      string
	taskType   string
	allowedIDs map[int64]struct{}
	submitter  Submitter
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	mu      sync.Mutex
	chatOf  map[string]int64 // correlation_id -> chat id, for routing replies back
}

// NewTelegramChannel builds a TelegramChannel. taskType names the task type
// submitted for each inbound message; allowedIDs restricts which chat ids may
// submit tasks (empty means allow all).
func NewTelegramChannel(token, taskType string, allowedIDs []int64, submitter Submitter, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		taskType:   taskType,
		allowedIDs: allowed,
		submitter:  submitter,
		logger:     logger,
		chatOf:     make(map[string]int64),
	}
}

func (t *TelegramChannel) ID() string { return "telegram" }

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram: init: %w", err)
	}
	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram: update channel closed")
			}
			if update.Message == nil {
				continue
			}
			t.handleMessage(update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if len(t.allowedIDs) > 0 {
		if _, ok := t.allowedIDs[chatID]; !ok {
			t.logger.Warn("telegram: rejected message from disallowed chat", "chat_id", chatID)
			return
		}
	}

	tk := task.New(t.taskType, task.Normal, []byte(msg.Text))
	tk.Source = task.SourceExternal
	tk.ReplyTo = &task.ReplyAddress{
		ChannelID: t.ID(),
		Target:    fmt.Sprintf("%d", chatID),
		ThreadID:  fmt.Sprintf("%d", msg.MessageID),
	}

	t.mu.Lock()
	t.chatOf[tk.CorrelationID] = chatID
	t.mu.Unlock()

	if err := t.submitter.Submit(tk); err != nil {
		t.logger.Error("telegram: submit failed", "error", err, "chat_id", chatID)
		t.sendRaw(chatID, 0, "could not accept that task right now")
	}
}

// Send delivers an outbound reply. addr.Target is the chat id as a decimal
// string; addr.ThreadID, if set, is the message id to reply to.
func (t *TelegramChannel) Send(ctx context.Context, addr task.ReplyAddress, payload []byte) error {
	var chatID int64
	if _, err := fmt.Sscanf(addr.Target, "%d", &chatID); err != nil {
		return fmt.Errorf("telegram: invalid target %q: %w", addr.Target, err)
	}
	var replyTo int
	if addr.ThreadID != "" {
		fmt.Sscanf(addr.ThreadID, "%d", &replyTo)
	}
	return t.sendRaw(chatID, replyTo, escapeMarkdownV2(string(payload)))
}

func (t *TelegramChannel) sendRaw(chatID int64, replyToMessageID int, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: bot not started")
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if replyToMessageID != 0 {
		msg.ReplyToMessageID = replyToMessageID
	}
	_, err := t.bot.Send(msg)
	return err
}

var markdownV2Escapes = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
	"~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
)

func escapeMarkdownV2(s string) string {
	return markdownV2Escapes.Replace(s)
}

package bot

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// chatQueueDepth bounds the number of pending updates per chat. Updates
// beyond the bound are dropped rather than stalling the poll loop.
const chatQueueDepth = 16

// Bot runs the Telegram long-poll loop and feeds messages to the handler.
// Each chat gets its own worker goroutine, so a long-running command in one
// chat (a 60s /exec, a slow PATH lookup) never blocks the others, while
// messages within a chat stay ordered.
type Bot struct {
	api     *tgbotapi.BotAPI
	handler *Handler
	logger  *zap.Logger

	pollTimeout int
	allowed     map[int64]bool

	mu     sync.Mutex
	queues map[int64]chan tgbotapi.Update
	wg     sync.WaitGroup

	send func(chatID int64, text string) error
}

// New connects to the Telegram API. allowedChatIDs restricts who may talk
// to the bot; empty means anyone.
func New(token string, pollTimeout int, allowedChatIDs []int64, handler *Handler, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if pollTimeout <= 0 {
		pollTimeout = 30
	}

	var allowed map[int64]bool
	if len(allowedChatIDs) > 0 {
		allowed = make(map[int64]bool, len(allowedChatIDs))
		for _, id := range allowedChatIDs {
			allowed[id] = true
		}
	}

	b := &Bot{
		api:         api,
		handler:     handler,
		logger:      logger,
		pollTimeout: pollTimeout,
		allowed:     allowed,
		queues:      make(map[int64]chan tgbotapi.Update),
	}
	b.send = b.sendMessage
	return b, nil
}

// Run processes updates until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("bot started", zap.String("username", b.api.Self.UserName))

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		b.wg.Wait()
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.dispatch(ctx, update)
		}
	}
}

// dispatch hands the update to its chat's worker, starting one on first
// contact.
func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	chatID := update.Message.Chat.ID
	if b.allowed != nil && !b.allowed[chatID] {
		b.logger.Warn("message from disallowed chat", zap.Int64("chat_id", chatID))
		return
	}

	b.mu.Lock()
	q, ok := b.queues[chatID]
	if !ok {
		q = make(chan tgbotapi.Update, chatQueueDepth)
		b.queues[chatID] = q
		b.wg.Add(1)
		go b.chatWorker(ctx, q)
	}
	b.mu.Unlock()

	select {
	case q <- update:
	default:
		b.logger.Warn("chat queue full, dropping update", zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) chatWorker(ctx context.Context, q <-chan tgbotapi.Update) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-q:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	chatID := update.Message.Chat.ID

	username := ""
	if update.Message.From != nil {
		username = update.Message.From.UserName
	}

	reply := b.handler.HandleMessage(ctx, chatID, username, update.Message.Text)
	if reply == "" {
		return
	}

	if err := b.send(chatID, reply); err != nil {
		b.logger.Error("failed to send reply",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) error {
	_, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

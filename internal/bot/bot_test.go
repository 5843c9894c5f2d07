package bot

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentReply struct {
	chatID int64
	text   string
}

// newDispatchBot wires a Bot around the real handler with the Telegram
// transport stubbed out, so the per-chat dispatch path can be exercised
// without a live API connection.
func newDispatchBot(t *testing.T) (*Bot, chan sentReply, context.Context, string) {
	t.Helper()

	h, root := newTestHandler(t)
	replies := make(chan sentReply, 32)

	b := &Bot{
		handler: h,
		logger:  zap.NewNop(),
		queues:  make(map[int64]chan tgbotapi.Update),
	}
	b.send = func(chatID int64, text string) error {
		replies <- sentReply{chatID: chatID, text: text}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		b.wg.Wait()
	})
	return b, replies, ctx, root
}

func makeUpdate(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: text,
			Chat: &tgbotapi.Chat{ID: chatID},
			From: &tgbotapi.User{UserName: "alice"},
		},
	}
}

func awaitReply(t *testing.T, replies chan sentReply, chatID int64, within time.Duration) sentReply {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case r := <-replies:
			if r.chatID == chatID {
				return r
			}
		case <-deadline:
			t.Fatalf("no reply for chat %d within %s", chatID, within)
		}
	}
}

func TestDispatchDoesNotStallOtherChats(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX utilities")
	}
	b, replies, ctx, _ := newDispatchBot(t)

	// A slow command in one chat must not delay another chat's reply.
	b.dispatch(ctx, makeUpdate(1, `/exec sh -c "sleep 0.7"`))
	b.dispatch(ctx, makeUpdate(2, "/help"))

	start := time.Now()
	r := awaitReply(t, replies, 2, 500*time.Millisecond)
	assert.Contains(t, r.text, "/newserver")
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	r = awaitReply(t, replies, 1, 5*time.Second)
	assert.Contains(t, r.text, "Exit 0")
}

func TestDispatchKeepsPerChatOrder(t *testing.T) {
	b, replies, ctx, root := newDispatchBot(t)

	sub := filepath.Join(root, "app")
	require.NoError(t, os.Mkdir(sub, 0755))

	b.dispatch(ctx, makeUpdate(7, "/pwd"))
	b.dispatch(ctx, makeUpdate(7, "/cd app"))
	b.dispatch(ctx, makeUpdate(7, "/pwd"))

	first := awaitReply(t, replies, 7, 5*time.Second)
	assert.NotContains(t, first.text, sub)
	awaitReply(t, replies, 7, 5*time.Second)
	last := awaitReply(t, replies, 7, 5*time.Second)
	assert.Contains(t, last.text, sub)
}

func TestDispatchFiltersChats(t *testing.T) {
	b, replies, ctx, _ := newDispatchBot(t)
	b.allowed = map[int64]bool{1: true}

	b.dispatch(ctx, makeUpdate(2, "/help"))
	b.dispatch(ctx, tgbotapi.Update{})
	b.dispatch(ctx, makeUpdate(1, "/help"))

	r := awaitReply(t, replies, 1, 5*time.Second)
	assert.Contains(t, r.text, "/newserver")

	select {
	case r := <-replies:
		t.Fatalf("unexpected reply for chat %d: %q", r.chatID, r.text)
	case <-time.After(100 * time.Millisecond):
	}
}

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/mwcore/internal/mwerr"
)

// TelegramTransport is a non-bridge external transport: a component mapped
// through it delivers one framed JSON message per outbound chat message and
// receives one framed message per inbound chat message, letting an external
// Telegram chat act as a remote component without speaking the wire
// protocol directly.
type TelegramTransport struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger

	mu         sync.Mutex
	chatForHandle map[int]int64
	handleForChat map[int64]int
	nextHandle    atomic.Int64

	onData       func(handle int, data []byte)
	onConnect    func(handle int)
	onDisconnect func(handle int)

	cancel context.CancelFunc
}

// NewTelegramTransport creates a transport backed by a bot token.
func NewTelegramTransport(token string, logger *slog.Logger) (*TelegramTransport, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramTransport{
		bot:           bot,
		logger:        logger,
		chatForHandle: make(map[int]int64),
		handleForChat: make(map[int64]int),
	}, nil
}

// Connect maps address (a decimal chat id) to a connection handle. Since
// Telegram chats are peer-initiated, this only registers the handle; the
// first inbound message from that chat id is what actually activates it.
func (t *TelegramTransport) Connect(_ context.Context, address string) (int, error) {
	var chatID int64
	if _, err := fmt.Sscanf(address, "%d", &chatID); err != nil {
		return 0, fmt.Errorf("%w: chat id must be numeric: %v", mwerr.ErrInvalidArgument, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handleForChat[chatID]; ok {
		return h, nil
	}
	handle := int(t.nextHandle.Add(1))
	t.chatForHandle[handle] = chatID
	t.handleForChat[chatID] = handle
	return handle, nil
}

// Run starts the long-poll update loop, dispatching every inbound text
// message as a frame delivered through onData, keyed by the sender's
// chat id.
func (t *TelegramTransport) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			chatID := update.Message.Chat.ID
			t.mu.Lock()
			handle, known := t.handleForChat[chatID]
			if !known {
				handle = int(t.nextHandle.Add(1))
				t.chatForHandle[handle] = chatID
				t.handleForChat[chatID] = handle
			}
			t.mu.Unlock()
			if !known && t.onConnect != nil {
				t.onConnect(handle)
			}
			if t.onData != nil {
				t.onData(handle, []byte(update.Message.Text))
			}
		}
	}
}

// Send delivers data as a plain-text chat message to the chat mapped to
// handle. Non-JSON callers of this transport should send preformatted
// text; JSON frames are sent verbatim and rendered as-is by Telegram.
func (t *TelegramTransport) Send(handle int, data []byte) error {
	t.mu.Lock()
	chatID, ok := t.chatForHandle[handle]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no chat mapped to handle %d", mwerr.ErrNotFound, handle)
	}
	msg := tgbotapi.NewMessage(chatID, string(data))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", mwerr.ErrTransport, err)
	}
	return nil
}

func (t *TelegramTransport) SetOnData(fn func(handle int, data []byte)) { t.onData = fn }
func (t *TelegramTransport) SetOnConnect(fn func(handle int))           { t.onConnect = fn }
func (t *TelegramTransport) SetOnDisconnect(fn func(handle int))        { t.onDisconnect = fn }

// Close stops the update loop. Telegram gives no per-chat disconnect
// signal, so onDisconnect is never invoked by this transport.
func (t *TelegramTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Package telegram is the operator channel: goals arrive as chat messages,
// approval URLs and task results go back to the chat they came from.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/droidpilot/internal/agent"
	"github.com/user/droidpilot/internal/dispatch"
	"github.com/user/droidpilot/internal/trace"
	"github.com/user/droidpilot/internal/types"
)

const maxTelegramMessage = 4096

// Adapter bridges Telegram to the dispatcher. Only configured user IDs may
// submit goals; everything else is ignored with a short refusal.
type Adapter struct {
	bot        *tgbotapi.BotAPI
	dispatcher *dispatch.Dispatcher
	runner     *agent.Runner
	sessions   *trace.SessionStore
	allowed    map[int64]bool

	mu    sync.Mutex
	chats map[types.SessionID]int64
}

var _ types.Notifier = (*Adapter)(nil)

// New creates a Telegram adapter for the given bot token.
func New(token string, allowedUserIDs []int64, dispatcher *dispatch.Dispatcher, runner *agent.Runner, sessions *trace.SessionStore) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	allowed := make(map[int64]bool, len(allowedUserIDs))
	for _, id := range allowedUserIDs {
		allowed[id] = true
	}
	return &Adapter{
		bot:        bot,
		dispatcher: dispatcher,
		runner:     runner,
		sessions:   sessions,
		allowed:    allowed,
		chats:      make(map[types.SessionID]int64),
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// Notify implements types.Notifier: approval URLs and bridge messages land
// in the chat that started the session.
func (a *Adapter) Notify(sessionID types.SessionID, message, url string) error {
	chatID, ok := a.chatFor(sessionID)
	if !ok {
		return fmt.Errorf("no chat bound to session %s", sessionID)
	}
	text := message
	if url != "" {
		text = fmt.Sprintf("%s\n%s", message, url)
	}
	a.send(chatID, text)
	return nil
}

func (a *Adapter) bind(sessionID types.SessionID, chatID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chats[sessionID] = chatID
}

func (a *Adapter) chatFor(sessionID types.SessionID) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	chatID, ok := a.chats[sessionID]
	return chatID, ok
}

func (a *Adapter) sessionsFor(chatID int64) []types.SessionID {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ids []types.SessionID
	for id, c := range a.chats {
		if c == chatID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	if !a.allowed[msg.From.ID] {
		slog.Warn("message from unknown user dropped", "user_id", msg.From.ID)
		a.send(chatID, "You are not on this bot's allow list.")
		return
	}

	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	session, err := a.sessions.Create(ctx, msg.Text)
	if err != nil {
		slog.Error("create session failed", "error", err)
		a.send(chatID, "Sorry, I could not start that task.")
		return
	}
	a.bind(session.ID, chatID)

	task := dispatch.NewTask(session.ID, msg.Text)
	task.OnComplete = func(result string) {
		a.send(chatID, result)
	}
	if err := a.dispatcher.Queue.Enqueue(task); err != nil {
		slog.Error("enqueue task failed", "session_id", session.ID, "error", err)
		a.send(chatID, "Sorry, the task queue is full right now.")
		return
	}
	a.send(chatID, fmt.Sprintf("On it. Session %s started.", session.ID))
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.send(chatID, "Hello! Send me a goal and I'll drive the device. /status shows running sessions, /stop halts them.")

	case "status":
		var lines []string
		for _, id := range a.sessionsFor(chatID) {
			sess, err := a.sessions.Get(ctx, id)
			if err != nil {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s [%s] step %d: %s", sess.ID, sess.Status, sess.Step, sess.Goal))
		}
		if len(lines) == 0 {
			a.send(chatID, "No sessions in this chat yet.")
			return
		}
		text := ""
		for _, line := range lines {
			text += line + "\n"
		}
		a.send(chatID, text)

	case "stop":
		stopped := 0
		for _, id := range a.sessionsFor(chatID) {
			if a.runner.Stop(id) {
				stopped++
			}
		}
		a.send(chatID, fmt.Sprintf("Stopped %d running session(s).", stopped))

	default:
		a.send(chatID, "Unknown command. Available: /start, /status, /stop")
	}
}

func (a *Adapter) send(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := a.bot.Send(msg); err != nil {
			slog.Error("send message failed", "chat_id", chatID, "error", err)
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

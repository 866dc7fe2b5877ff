package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/task"
)

// Sender is the part of the bot API used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ErrNoChat is returned when a human's telegram address is not a chat id.
var ErrNoChat = errors.New("telegram address is not a chat id")

// TelegramSink sends prompts to humans whose channel kind is telegram.
// Other humans are skipped.
type TelegramSink struct {
	sender Sender
}

func NewTelegramSink(sender Sender) *TelegramSink {
	return &TelegramSink{sender: sender}
}

func (*TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Notify(_ context.Context, n Notification) error {
	if n.Human == nil || n.Human.Channel.Kind != assignee.ChannelTelegram {
		return nil
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(n.Human.Channel.Address), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: human %s: %q", ErrNoChat, n.Human.ID, n.Human.Channel.Address)
	}
	if _, err := s.sender.Send(tgbotapi.NewMessage(chatID, n.Text())); err != nil {
		return fmt.Errorf("send to human %s: %w", n.Human.ID, err)
	}
	return nil
}

// Responder is what chat commands act on; *boss.Boss satisfies it for its
// whole subtree.
type Responder interface {
	Respond(ctx context.Context, taskID, response string) error
	AwaitingHuman() []task.HumanAwaitingEntry
}

// TelegramResponder turns chat commands into human responses:
//
//	/respond <task-id> <text>
//	/awaiting
//
// Only chats listed in the roster, plus any extra ids, are served.
type TelegramResponder struct {
	bot       *tgbotapi.BotAPI
	sender    Sender
	target    Responder
	roster    func() []assignee.Human
	extraIDs  map[int64]bool
	logger    *slog.Logger
	onRespond func(chatID int64, taskID string, err error)
}

// TelegramResponderConfig configures a responder.
type TelegramResponderConfig struct {
	Bot    *tgbotapi.BotAPI
	Target Responder
	// Roster returns the current humans; it is consulted on every message
	// so hot reloads take effect without a restart.
	Roster     func() []assignee.Human
	AllowedIDs []int64
	Logger     *slog.Logger
	// OnRespond is called after every /respond attempt.
	OnRespond func(chatID int64, taskID string, err error)
}

func NewTelegramResponder(cfg TelegramResponderConfig) *TelegramResponder {
	extra := make(map[int64]bool, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		extra[id] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &TelegramResponder{
		bot:       cfg.Bot,
		target:    cfg.Target,
		roster:    cfg.Roster,
		extraIDs:  extra,
		logger:    logger,
		onRespond: cfg.OnRespond,
	}
	if cfg.Bot != nil {
		r.sender = cfg.Bot
	}
	return r
}

// Start polls for updates until ctx is cancelled, reconnecting with backoff.
func (r *TelegramResponder) Start(ctx context.Context) error {
	if r.bot == nil {
		return errors.New("telegram responder has no bot")
	}
	r.logger.Info("telegram responder started", "username", r.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := r.bot.GetUpdatesChan(u)

		if r.pollUpdates(ctx, updates) {
			return nil
		}

		r.bot.StopReceivingUpdates()
		r.logger.Warn("telegram update channel closed, reconnecting", "backoff", backoff)
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
}

// pollUpdates reads until ctx is done (true) or the channel stalls or closes
// (false).
func (r *TelegramResponder) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) bool {
	const stallTimeout = 150 * time.Second
	stall := time.NewTimer(stallTimeout)
	defer stall.Stop()
	for {
		select {
		case <-ctx.Done():
			r.bot.StopReceivingUpdates()
			return true
		case <-stall.C:
			r.logger.Warn("telegram update channel stalled")
			return false
		case update, ok := <-updates:
			if !ok {
				return false
			}
			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(stallTimeout)
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			chatID := update.Message.Chat.ID
			reply := r.handle(ctx, chatID, update.Message.From.ID, update.Message.Text)
			if reply != "" {
				r.reply(chatID, reply)
			}
		}
	}
}

func (r *TelegramResponder) allowed(chatID, userID int64) bool {
	if r.extraIDs[chatID] || r.extraIDs[userID] {
		return true
	}
	if r.roster == nil {
		return false
	}
	for _, h := range r.roster() {
		if h.Channel.Kind != assignee.ChannelTelegram {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(h.Channel.Address), 10, 64)
		if err == nil && (id == chatID || id == userID) {
			return true
		}
	}
	return false
}

// handle executes one chat message and returns the reply text.
func (r *TelegramResponder) handle(ctx context.Context, chatID, userID int64, text string) string {
	if !r.allowed(chatID, userID) {
		r.logger.Warn("telegram access denied", "chat_id", chatID, "user_id", userID)
		return ""
	}
	cmd, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	// Group chats address bots as /cmd@botname.
	cmd, _, _ = strings.Cut(cmd, "@")
	switch cmd {
	case "/respond":
		taskID, response, _ := strings.Cut(strings.TrimSpace(rest), " ")
		response = strings.TrimSpace(response)
		if taskID == "" || response == "" {
			return "Usage: /respond <task-id> <answer>"
		}
		err := r.target.Respond(ctx, taskID, response)
		if r.onRespond != nil {
			r.onRespond(chatID, taskID, err)
		}
		switch {
		case err == nil:
			return fmt.Sprintf("Response recorded for %s.", taskID)
		case errors.Is(err, task.ErrTaskNotFound):
			return fmt.Sprintf("Unknown task %s.", taskID)
		case errors.Is(err, task.ErrNotAwaitingHuman):
			return fmt.Sprintf("Task %s is not waiting for a response.", taskID)
		default:
			r.logger.Error("telegram respond failed", "task_id", taskID, "error", err)
			return fmt.Sprintf("Could not record response for %s: %v", taskID, err)
		}
	case "/awaiting":
		entries := r.target.AwaitingHuman()
		if len(entries) == 0 {
			return "Nothing is waiting for a human."
		}
		var sb strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&sb, "%s (%s, boss %s) until %s\n  %s\n",
				e.TaskID, e.Assignee, e.BossID, e.TimeoutAt.UTC().Format(time.RFC3339), e.Prompt)
		}
		return strings.TrimRight(sb.String(), "\n")
	default:
		return "Commands: /respond <task-id> <answer>, /awaiting"
	}
}

func (r *TelegramResponder) reply(chatID int64, text string) {
	if r.sender == nil {
		return
	}
	if _, err := r.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		r.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

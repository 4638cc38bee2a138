package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-agency/internal/alert"
	"github.com/basket/go-agency/internal/bus"
	"github.com/basket/go-agency/internal/persistence"
)

// Sender is the part of the Telegram bot API the notifier uses.
// *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramConfig wires a TelegramNotifier.
type TelegramConfig struct {
	Token string
	// ChatIDs receive alerts. They are also the only chats whose commands
	// are accepted.
	ChatIDs     []int64
	MinSeverity persistence.AlertSeverity
	Bus         *bus.Bus
	// Alerts enables the /alerts, /ack and /resolve commands. Optional.
	Alerts *alert.Engine
	Logger *slog.Logger
	// Sender replaces the bot connection; commands are not polled when set.
	Sender Sender
}

// TelegramNotifier pushes raised alerts to Telegram chats and accepts a few
// alert commands back.
type TelegramNotifier struct {
	token       string
	chatIDs     []int64
	allowed     map[int64]struct{}
	minSeverity persistence.AlertSeverity
	eventBus    *bus.Bus
	alerts      *alert.Engine
	logger      *slog.Logger
	sender      Sender
	bot         *tgbotapi.BotAPI
}

// NewTelegramNotifier creates a notifier. An empty MinSeverity means high.
func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	allowed := make(map[int64]struct{}, len(cfg.ChatIDs))
	for _, id := range cfg.ChatIDs {
		allowed[id] = struct{}{}
	}
	n := &TelegramNotifier{
		token:       cfg.Token,
		chatIDs:     cfg.ChatIDs,
		allowed:     allowed,
		minSeverity: cfg.MinSeverity,
		eventBus:    cfg.Bus,
		alerts:      cfg.Alerts,
		logger:      cfg.Logger,
		sender:      cfg.Sender,
	}
	if n.minSeverity == "" {
		n.minSeverity = persistence.SeverityHigh
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	return n
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// Start connects the bot when no Sender was injected, then forwards alert
// events until ctx is canceled.
func (t *TelegramNotifier) Start(ctx context.Context) error {
	if t.eventBus == nil {
		return errors.New("telegram: event bus is required")
	}
	if t.sender == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		t.bot = bot
		t.sender = bot
		t.logger.Info("telegram bot started", "user", bot.Self.UserName, "chats", len(t.chatIDs))
		if t.alerts != nil {
			go t.runCommands(ctx)
		}
	}

	sub := t.eventBus.Subscribe("alert.")
	defer t.eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			t.handleEvent(ev)
		}
	}
}

func (t *TelegramNotifier) handleEvent(ev bus.Event) {
	a, ok := ev.Payload.(bus.AlertEvent)
	if !ok {
		t.logger.Warn("invalid alert payload", "topic", ev.Topic, "type", fmt.Sprintf("%T", ev.Payload))
		return
	}
	if ev.Topic != bus.TopicAlertRaised {
		return
	}
	if severityRank(persistence.AlertSeverity(a.Severity)) < severityRank(t.minSeverity) {
		return
	}
	text := formatAlert(a)
	for _, chatID := range t.chatIDs {
		t.replyMarkdown(chatID, text)
	}
}

// runCommands polls bot updates with the reconnect and stall handling the
// long-poll API needs.
func (t *TelegramNotifier) runCommands(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)
		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()
		if pollErr == nil {
			return
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *TelegramNotifier) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// Long polls time out after 60s, so 150s of silence means a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			if update.Message == nil {
				continue
			}
			chatID := update.Message.Chat.ID
			if reply := t.handleCommand(ctx, chatID, update.Message.Text); reply != "" {
				t.reply(chatID, reply)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleCommand executes an alert command from chatID and returns the reply.
// Chats outside the allowlist get no reply.
func (t *TelegramNotifier) handleCommand(ctx context.Context, chatID int64, text string) string {
	if _, ok := t.allowed[chatID]; !ok {
		t.logger.Warn("telegram command from unknown chat ignored", "chat_id", chatID)
		return ""
	}
	if t.alerts == nil {
		return ""
	}
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.SplitN(fields[0], "@", 2)[0]
	switch cmd {
	case "/alerts":
		active, err := t.alerts.List(ctx, persistence.AlertStatusActive, 10)
		if err != nil {
			return "Error: " + err.Error()
		}
		if len(active) == 0 {
			return "No active alerts."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d active alert(s):", len(active))
		for _, a := range active {
			fmt.Fprintf(&b, "\n#%d [%s] %s", a.ID, a.Severity, a.Message)
		}
		return b.String()
	case "/ack", "/resolve":
		if len(fields) < 2 {
			return "Usage: " + cmd + " <alert id>"
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || id <= 0 {
			return "Invalid alert id: " + fields[1]
		}
		act, verb := t.alerts.Acknowledge, "acknowledged"
		if cmd == "/resolve" {
			act, verb = t.alerts.Resolve, "resolved"
		}
		if _, err := act(ctx, id); err != nil {
			return fmt.Sprintf("Alert #%d not %s: %v", id, verb, err)
		}
		return fmt.Sprintf("Alert #%d %s.", id, verb)
	}
	return "Commands: /alerts, /ack <id>, /resolve <id>"
}

func (t *TelegramNotifier) reply(chatID int64, text string) {
	if _, err := t.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("failed to send telegram reply", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramNotifier) replyMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.sender.Send(msg); err != nil {
		t.logger.Error("failed to send telegram alert", "chat_id", chatID, "error", err)
	}
}

func severityRank(s persistence.AlertSeverity) int {
	switch s {
	case persistence.SeverityLow:
		return 0
	case persistence.SeverityMedium:
		return 1
	case persistence.SeverityHigh:
		return 2
	case persistence.SeverityCritical:
		return 3
	}
	return -1
}

func formatAlert(a bus.AlertEvent) string {
	emoji := "ℹ️"
	switch persistence.AlertSeverity(a.Severity) {
	case persistence.SeverityMedium:
		emoji = "⚠️"
	case persistence.SeverityHigh:
		emoji = "🚨"
	case persistence.SeverityCritical:
		emoji = "🔥"
	}
	return fmt.Sprintf("%s *%s alert* \\#%d\n_%s_\n%s",
		emoji,
		escapeMarkdownV2(strings.ToUpper(a.Severity)),
		a.AlertID,
		escapeMarkdownV2(a.Type),
		escapeMarkdownV2(a.Message))
}

// escapeMarkdownV2 escapes the characters MarkdownV2 reserves:
// _ * [ ] ( ) ~ ` > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Package notify pushes SLA alerts to an operator Telegram channel. It is
// optional: without a token the daemon runs silent.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ironvale/taskforge/internal/bus"
)

const (
	// TokenEnv overrides the configured bot token so it can stay out of
	// config.yaml.
	TokenEnv = "TASKFORGE_TELEGRAM_TOKEN"

	DefaultWindow       = time.Minute
	DefaultMaxPerWindow = 12
)

// ResolveToken prefers the environment over the configured value.
func ResolveToken(configured string) string {
	if v := os.Getenv(TokenEnv); v != "" {
		return v
	}
	return configured
}

// Sender delivers one message. The production implementation wraps the
// Telegram bot API; tests substitute a recorder.
type Sender interface {
	Send(chatID int64, text string) error
}

type botSender struct {
	bot *tgbotapi.BotAPI
}

func (s botSender) Send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := s.bot.Send(msg)
	return err
}

// Config wires the notifier.
type Config struct {
	Bus    *bus.Bus
	Token  string
	ChatID int64

	// Window and MaxPerWindow bound the alert rate. Alerts beyond the cap
	// are dropped and counted; the next delivered alert carries the count.
	Window       time.Duration
	MaxPerWindow int

	// Sender overrides the Telegram-backed sender. Tests only.
	Sender Sender

	Logger *slog.Logger
}

// Notifier subscribes to sla.violation and sla.rescue and forwards them as
// chat messages.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	sender Sender

	mu         sync.Mutex
	windowFrom time.Time
	inWindow   int
	suppressed int64

	wg sync.WaitGroup
}

// New builds a Notifier. Start connects the bot.
func New(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultMaxPerWindow
	}
	return &Notifier{
		cfg:    cfg,
		logger: logger.With("component", "notify"),
		sender: cfg.Sender,
	}
}

// Start connects to Telegram and begins forwarding alerts. It fails when
// the token is rejected, so a misconfigured notifier is caught at boot.
func (n *Notifier) Start(ctx context.Context) error {
	if n.sender == nil {
		bot, err := tgbotapi.NewBotAPI(n.cfg.Token)
		if err != nil {
			return fmt.Errorf("telegram init: %w", err)
		}
		n.logger.Info("telegram notifier started", "user", bot.Self.UserName)
		n.sender = botSender{bot: bot}
	}

	violations := n.cfg.Bus.Subscribe(bus.TopicSLAViolation)
	rescues := n.cfg.Bus.Subscribe(bus.TopicSLARescue)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.cfg.Bus.Unsubscribe(violations)
		defer n.cfg.Bus.Unsubscribe(rescues)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-violations.Ch():
				if !ok {
					return
				}
				if v, ok := bus.As[bus.SLAViolationEvent](ev); ok {
					n.deliver(formatViolation(v))
				}
			case ev, ok := <-rescues.Ch():
				if !ok {
					return
				}
				if r, ok := bus.As[bus.SLARescueEvent](ev); ok {
					n.deliver(formatRescue(r))
				}
			}
		}
	}()
	return nil
}

// Drain waits for the forwarding loop to stop.
func (n *Notifier) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("notify drain timed out")
	}
}

// Suppressed returns how many alerts the rate limit has dropped since the
// last delivered one.
func (n *Notifier) Suppressed() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.suppressed
}

func (n *Notifier) deliver(text string) {
	n.mu.Lock()
	now := time.Now()
	if now.Sub(n.windowFrom) >= n.cfg.Window {
		n.windowFrom = now
		n.inWindow = 0
	}
	if n.inWindow >= n.cfg.MaxPerWindow {
		n.suppressed++
		dropped := n.suppressed
		n.mu.Unlock()
		n.logger.Warn("alert suppressed by rate limit", "suppressed_total", dropped)
		return
	}
	n.inWindow++
	suppressed := n.suppressed
	n.suppressed = 0
	n.mu.Unlock()

	if suppressed > 0 {
		text = fmt.Sprintf("%s [%d alerts suppressed]", text, suppressed)
	}
	if err := n.sender.Send(n.cfg.ChatID, text); err != nil {
		n.logger.Error("send alert", "error", err)
	}
}

func formatViolation(v bus.SLAViolationEvent) string {
	text := fmt.Sprintf("SLA violated: %s task %s past deadline %s",
		v.TaskType, shortID(v.TaskID), v.Deadline.UTC().Format(time.RFC3339))
	if v.EscalatedTo != "" {
		text += fmt.Sprintf(", escalated to %s", v.EscalatedTo)
	}
	return text
}

func formatRescue(r bus.SLARescueEvent) string {
	budget := time.Duration(r.RescueSLAMS) * time.Millisecond
	return fmt.Sprintf("SLA rescue: task %s spawned rescue %s with a %s budget",
		shortID(r.TaskID), shortID(r.RescueTaskID), budget)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

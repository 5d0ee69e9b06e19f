package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/agrolens/internal/models"
)

// maxExcerpt keeps analysis messages below Telegram's 4096 character limit
// after escaping.
const maxExcerpt = 1500

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends run outcomes to a Telegram chat.
type Telegram struct {
	bot            telegramSender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewTelegram creates a Telegram notifier. It contacts the Bot API to verify
// the token. Each Bot API request is bounded by requestTimeout.
func NewTelegram(botToken, chatID string, maxRetries int, retryDelayBase, requestTimeout time.Duration) (*Telegram, error) {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	client := &http.Client{Timeout: requestTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(botToken, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newTelegram(bot, chatID, maxRetries, retryDelayBase)
}

func newTelegram(bot telegramSender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Telegram, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Telegram{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

func (t *Telegram) NotifyResult(ctx context.Context, outcome *models.RunOutcome) error {
	return t.send(ctx, formatResult(outcome))
}

func (t *Telegram) NotifyFailure(ctx context.Context, failure Failure) error {
	return t.send(ctx, formatFailure(failure))
}

func (t *Telegram) NotifyRecovery(ctx context.Context, failures int) error {
	return t.send(ctx, formatRecovery(failures))
}

// send delivers text with linear backoff between attempts.
func (t *Telegram) send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if i == t.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("telegram send aborted: %w", ctx.Err())
		case <-time.After(t.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed to send message after %d retries: %w", t.maxRetries, lastErr)
}

func formatResult(o *models.RunOutcome) string {
	var b strings.Builder
	b.WriteString("🌾 *New crop analysis*\n\n")
	fmt.Fprintf(&b, "📅 %s\n", escapeMarkdownV2(o.StartedAt.Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "🧠 Model: `%s`\n", escapeCode(o.Model))
	fmt.Fprintf(&b, "🆔 Snapshot %s · Result %s\n",
		escapeMarkdownV2("#"+strconv.FormatInt(o.SnapshotID, 10)),
		escapeMarkdownV2("#"+strconv.FormatInt(o.ResultID, 10)))
	fmt.Fprintf(&b, "⏱ Took %s\n", escapeMarkdownV2(formatDuration(o.Duration)))
	if o.PromptDegraded {
		b.WriteString("⚠️ Some sensor sections were missing and defaults were used\n")
	}

	excerpt := o.Response
	if utf8.RuneCountInString(excerpt) > maxExcerpt {
		excerpt = string([]rune(excerpt)[:maxExcerpt]) + "…"
		fmt.Fprintf(&b, "\n_%s_\n", escapeMarkdownV2(fmt.Sprintf("Showing %s of %s characters",
			humanize.Comma(maxExcerpt), humanize.Comma(int64(utf8.RuneCountInString(o.Response))))))
	}
	fmt.Fprintf(&b, "\n%s", escapeMarkdownV2(excerpt))
	return b.String()
}

func formatFailure(f Failure) string {
	var b strings.Builder
	b.WriteString("🚨 *Analysis run failed*\n\n")
	fmt.Fprintf(&b, "❌ %s\n", escapeMarkdownV2(f.Kind))
	fmt.Fprintf(&b, "🔧 Stage: %s\n", escapeMarkdownV2(f.Stage))
	fmt.Fprintf(&b, "🆔 Run: `%s`\n", escapeCode(f.RunID))
	fmt.Fprintf(&b, "\n```\n%s\n```", escapeCode(f.Message))
	return b.String()
}

func formatRecovery(failures int) string {
	return fmt.Sprintf("✅ *Analysis pipeline recovered* after %s failed %s",
		escapeMarkdownV2(humanize.Comma(int64(failures))), plural(failures, "run", "runs"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes text placed inside a MarkdownV2 code span or block.
func escapeCode(text string) string {
	r := strings.NewReplacer("\\", "\\\\", "`", "\\`")
	return r.Replace(text)
}

// formatDuration formats a run duration in a compact human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins == 0 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs == 0 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}

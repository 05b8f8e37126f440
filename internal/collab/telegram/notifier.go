// Package telegram delivers planner notifications to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"planbot/internal/collab"
	"planbot/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL     string
	RatePerSec float64
	Timeout    time.Duration
}

// Notifier sends through the Bot API without polling for updates.
type Notifier struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
}

// New returns collab.NopNotifier when the token or chat is missing.
func New(cfg Config, log logx.Logger) (collab.Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return collab.NopNotifier{}, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Notifier{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), 3),
	}, nil
}

func (n *Notifier) Configured() bool { return true }

// Send splits long messages and paces them with the limiter.
func (n *Notifier) Send(ctx context.Context, message string) error {
	chunks := splitText(message, textLimit)
	chat := &tele.Chat{ID: n.cfg.ChatID}
	for i, chunk := range chunks {
		if err := n.limiter.Wait(ctx); err != nil {
			return collab.Wrap("telegram", "send", err)
		}
		_, err := n.bot.Send(chat, chunk, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              n.cfg.ThreadID,
		})
		if err != nil {
			n.log.Debug("send failed", logx.Int("chunk", i), logx.Err(err))
			return classify(err)
		}
	}
	return nil
}

func classify(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &collab.Error{Service: "telegram", Op: "send", Transient: true, Status: 429, RetryIn: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return &collab.Error{Service: "telegram", Op: "send", Transient: te.Code >= 500, Status: te.Code, Err: err}
	}
	return collab.Wrap("telegram", "send", err)
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Skip tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

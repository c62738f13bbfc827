package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification carries the context of one anomaly for delivery.
type Notification struct {
	Pair            string
	Bucket          time.Time
	Reference       decimal.Decimal
	ReferenceSource string
	Deviations      map[string]decimal.Decimal
	MaxDeviation    decimal.Decimal
	Threshold       decimal.Decimal
	Severity        string
	Degraded        bool
}

// Notifier delivers already-decided alert text to the operator.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier construye el notificador de Telegram.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify envía el texto de la alerta vía sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status inesperado: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram respondió ok=false")
		}
	}

	n.logger.Info().Str("pair", note.Pair).
		Str("severity", note.Severity).
		Time("bucket", note.Bucket).
		Msg("alerta enviada (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[FX Alert] %s %s\n", note.Pair, strings.ToUpper(note.Severity)))
	builder.WriteString(fmt.Sprintf("Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Reference (%s): %s\n", note.ReferenceSource, note.Reference.StringFixed(4)))

	sources := make([]string, 0, len(note.Deviations))
	for source := range note.Deviations {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		builder.WriteString(fmt.Sprintf("Deviation %s: %s%%\n", source, note.Deviations[source].StringFixed(3)))
	}

	builder.WriteString(fmt.Sprintf("Max deviation: %s%% (threshold %s%%)\n", note.MaxDeviation.StringFixed(3), note.Threshold.StringFixed(3)))
	if note.Degraded {
		builder.WriteString("Reference degraded: official rate unavailable this cycle\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

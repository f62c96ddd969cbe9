// Package telegram sends run reports to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/temporal-ops/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// SendNotification sends a deploy or backup report.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("kind", msg.Kind).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	jsonBody, err := json.Marshal(sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  formatMessage(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func formatMessage(msg models.TelegramMessage) string {
	var b strings.Builder

	title := "Backup"
	if msg.Kind == models.NotifyDeploy {
		title = "Deploy"
	}
	if msg.Success {
		fmt.Fprintf(&b, "✅ <b>Temporal %s Succeeded</b>\n\n", title)
	} else {
		fmt.Fprintf(&b, "❌ <b>Temporal %s Failed</b>\n\n", title)
	}

	fmt.Fprintf(&b, "🖥 <b>Host:</b> %s\n", html.EscapeString(msg.Host))
	if msg.Domain != "" {
		fmt.Fprintf(&b, "🌐 <b>Domain:</b> %s\n", html.EscapeString(msg.Domain))
	}
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second))

	if msg.Kind == models.NotifyDeploy {
		writeDeploy(&b, msg)
	} else {
		writeBackup(&b, msg)
	}

	if len(msg.Warnings) > 0 {
		b.WriteString("\n<b>⚠️ Warnings:</b>\n")
		for _, w := range msg.Warnings {
			fmt.Fprintf(&b, "  • %s\n", html.EscapeString(w))
		}
	}

	if !msg.Success {
		b.WriteString("\n<b>🛑 Error Details:</b>\n")
		fmt.Fprintf(&b, "  • Failed step: %s\n", html.EscapeString(msg.FailedStep))
		fmt.Fprintf(&b, "  • Error: <code>%s</code>\n", html.EscapeString(msg.ErrorMessage))
	}

	return b.String()
}

func writeDeploy(b *strings.Builder, msg models.TelegramMessage) {
	if msg.Mode == "" {
		return
	}
	b.WriteString("\n<b>🚀 Rollout:</b>\n")
	fmt.Fprintf(b, "  • Mode: %s\n", strings.ReplaceAll(string(msg.Mode), "_", " "))
	if msg.Outcome != models.OutcomeNone {
		fmt.Fprintf(b, "  • Health: %s\n", strings.ReplaceAll(string(msg.Outcome), "_", " "))
	}
	if msg.Rollout != "" {
		fmt.Fprintf(b, "  • Result: %s\n", strings.ReplaceAll(string(msg.Rollout), "_", " "))
	}
}

func writeBackup(b *strings.Builder, msg models.TelegramMessage) {
	if msg.BackupName == "" {
		return
	}
	b.WriteString("\n<b>📦 Archive:</b>\n")
	fmt.Fprintf(b, "  • Name: <code>%s</code>\n", html.EscapeString(msg.BackupName))
	if len(msg.Components) > 0 {
		fmt.Fprintf(b, "  • Components: %s\n", strings.Join(msg.Components, ", "))
	}
	if msg.SizeBytes > 0 {
		// #nosec G115 -- archive sizes are non-negative
		fmt.Fprintf(b, "  • Size: %s\n", humanize.IBytes(uint64(msg.SizeBytes)))
	}
	if msg.RemoteKey != "" {
		fmt.Fprintf(b, "  • Remote: <code>%s</code>\n", html.EscapeString(msg.RemoteKey))
	}

	if msg.LocalDeleted > 0 || msg.RemoteDeleted > 0 {
		b.WriteString("\n<b>🗑 Retention:</b>\n")
		fmt.Fprintf(b, "  • Local removed: %d\n", msg.LocalDeleted)
		fmt.Fprintf(b, "  • Remote removed: %d\n", msg.RemoteDeleted)
	}
}

// Package notify sends webhook notifications for observed pool events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/p2pool-tools/p2pool-exporter/internal/config"
	"github.com/p2pool-tools/p2pool-exporter/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier sends fire-and-forget notifications to Discord and Telegram.
// Sends never block the caller.
type Notifier struct {
	cfg    *config.NotifyConfig
	client *http.Client
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyBlockFound announces a block found by the pool
func (n *Notifier) NotifyBlockFound(mainDifficulty, sideDifficulty float64) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		embed := DiscordEmbed{
			Title:       "Block Found!",
			Description: "The pool found a mainchain block.",
			Color:       0x00FF00,
			Fields: []DiscordField{
				{Name: "Main difficulty", Value: fmt.Sprintf("%.0f", mainDifficulty), Inline: true},
				{Name: "Side difficulty", Value: fmt.Sprintf("%.0f", sideDifficulty), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		go n.sendDiscord(DiscordMessage{Embeds: []DiscordEmbed{embed}})
	}

	if n.telegramConfigured() {
		go n.sendTelegram(fmt.Sprintf("Block found! main difficulty %.0f", mainDifficulty))
	}
}

// NotifyBlockOrphaned announces an orphaned block
func (n *Notifier) NotifyBlockOrphaned() {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		embed := DiscordEmbed{
			Title:     "Block Orphaned",
			Color:     0xFF0000,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		go n.sendDiscord(DiscordMessage{Embeds: []DiscordEmbed{embed}})
	}

	if n.telegramConfigured() {
		go n.sendTelegram("A pool block was orphaned")
	}
}

// NotifyPayout announces a payout detected for a tracked wallet
func (n *Notifier) NotifyPayout(wallet string, amount uint64) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		embed := DiscordEmbed{
			Title:       "Payout Received",
			Description: fmt.Sprintf("**%s** received a payout.", truncateAddress(wallet)),
			Color:       0x0099FF,
			Fields: []DiscordField{
				{Name: "Amount", Value: fmt.Sprintf("%.12f XMR", float64(amount)/1e12), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		go n.sendDiscord(DiscordMessage{Embeds: []DiscordEmbed{embed}})
	}

	if n.telegramConfigured() {
		go n.sendTelegram(fmt.Sprintf("Payout for %s: %.12f XMR", truncateAddress(wallet), float64(amount)/1e12))
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) telegramConfigured() bool {
	return n.cfg.TelegramBot != "" && n.cfg.TelegramChat != ""
}

// sendDiscord posts a message to the Discord webhook with retries
func (n *Notifier) sendDiscord(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Errorf("Failed to marshal Discord message: %v", err)
		return
	}
	n.post(n.cfg.DiscordURL, "application/json", body)
}

// sendTelegram posts a message via the Telegram bot API with retries
func (n *Notifier) sendTelegram(text string) {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)
	form := url.Values{}
	form.Set("chat_id", n.cfg.TelegramChat)
	form.Set("text", text)
	n.post(endpoint, "application/x-www-form-urlencoded", []byte(form.Encode()))
}

func (n *Notifier) post(endpoint, contentType string, body []byte) {
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(RetryBaseDelay * time.Duration(attempt))
		}

		resp, err := n.client.Post(endpoint, contentType, bytes.NewReader(body))
		if err != nil {
			util.Warnf("Webhook send failed (attempt %d): %v", attempt+1, err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		util.Warnf("Webhook returned status %d (attempt %d)", resp.StatusCode, attempt+1)
	}
}

// truncateAddress shortens a wallet address for display
func truncateAddress(address string) string {
	if len(address) <= 16 {
		return address
	}
	return address[:8] + "..." + address[len(address)-8:]
}

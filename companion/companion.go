// Package companion forwards a user's message to the Gemini generateContent
// API under the Bloom persona and returns the generated reply.
package companion

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/togetherinbloom/server/apperr"
	"github.com/togetherinbloom/server/config"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Fallback is returned when the provider answers without any text.
const Fallback = "I'm sorry, I couldn't process your request."

const persona = `You are Bloom, a compassionate and wise AI relationship companion.
Your purpose is to help users navigate their relationship challenges, foster better communication,
and build deeper connections with their partners.

Guidelines:
- Be warm, empathetic, and supportive in your responses
- Provide practical, actionable advice based on healthy relationship principles
- Don't be judgmental, but do encourage healthy behaviors and boundaries
- When appropriate, suggest reflection questions to help users gain insights
- If users are in crisis or need professional help, gently suggest seeking a qualified therapist
- Always maintain a positive and hopeful tone, focusing on growth and healing
- Draw from research-based relationship psychology concepts when relevant
- For very serious issues (abuse, self-harm, etc.), emphasize the importance of professional help

The user is using "Together in Bloom" - a relationship growth app. You can reference features
from the app like love languages, journal entries, relationship milestones, etc.`

// Turn is one prior exchange in the client-held conversation.
type Turn struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
}

// Proxy is the stateless Companion Proxy.
type Proxy struct {
	cfg     config.CompanionConfig
	models  *genai.Models
	initErr error
	logger  *zap.Logger
}

// New creates a Proxy. A nil client gets one with cfg.Timeout. Without an
// API key no provider client is built and Reply reports a configuration
// error.
func New(cfg config.CompanionConfig, client *http.Client, logger *zap.Logger) *Proxy {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	p := &Proxy{cfg: cfg, logger: logger}
	if !p.Configured() {
		return p
	}
	gc, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: client,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.BaseURL,
			APIVersion: cfg.APIVersion,
		},
	})
	if err != nil {
		logger.Error("companion client init", zap.Error(err))
		p.initErr = err
		return p
	}
	p.models = gc.Models
	return p
}

// Configured reports whether a provider key is present.
func (p *Proxy) Configured() bool {
	return strings.TrimSpace(p.cfg.APIKey) != ""
}

// Reply sends message with the trailing history window to the provider. No
// retries are attempted.
func (p *Proxy) Reply(ctx context.Context, message string, history []Turn) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", apperr.New(apperr.CodeValidation, "No message provided")
	}
	if !p.Configured() {
		return "", apperr.New(apperr.CodeConfiguration,
			"Gemini API key is not configured. Set GEMINI_API_KEY or companion.api_key on the server.")
	}
	if p.initErr != nil {
		return "", apperr.Wrap(apperr.CodeConfiguration, "Gemini client could not be created", p.initErr)
	}

	temperature := float32(p.cfg.Temperature)
	gen := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(p.cfg.MaxOutputTokens),
	}

	start := time.Now()
	res, err := p.models.GenerateContent(ctx, p.cfg.Model, genai.Text(p.prompt(message, history)), gen)
	p.logger.Info("companion response",
		zap.Bool("ok", err == nil),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Int("history_len", len(history)))
	if err != nil {
		return "", providerErr(err)
	}

	if text := firstText(res); text != "" {
		return text, nil
	}
	return Fallback, nil
}

// providerErr maps a failed generateContent call onto an UPSTREAM error. A
// rejected key answers 401; other provider statuses pass through.
func providerErr(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return apperr.Wrap(apperr.CodeUpstream, "Failed to reach the companion provider", err)
		}
		apiErr = *ptr
	}
	if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
		return apperr.WithStatus(apperr.CodeUpstream, http.StatusUnauthorized,
			"Invalid Gemini API key. Check the companion provider key configured on the server.")
	}
	status := apiErr.Code
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = "Unknown error"
	}
	return apperr.WithStatus(apperr.CodeUpstream, status, "Gemini API error: "+msg)
}

// firstText returns the text of the first part of the first candidate.
func firstText(res *genai.GenerateContentResponse) string {
	if res == nil || len(res.Candidates) == 0 {
		return ""
	}
	c := res.Candidates[0]
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 || c.Content.Parts[0] == nil {
		return ""
	}
	return c.Content.Parts[0].Text
}

// prompt renders the persona, the last HistoryLimit turns and the new
// message as one transcript ending with the companion's cue.
func (p *Proxy) prompt(message string, history []Turn) string {
	if len(history) > p.cfg.HistoryLimit {
		history = history[len(history)-p.cfg.HistoryLimit:]
	}
	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n")
	for _, t := range history {
		switch t.Role {
		case "user":
			b.WriteString("User: " + t.Content + "\n")
		case "assistant":
			b.WriteString("Bloom: " + t.Content + "\n")
		}
	}
	b.WriteString("User: " + message + "\nBloom:")
	return b.String()
}

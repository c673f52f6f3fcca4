// Package gemini implements the SceneClassifier and StrategyAdvisor
// contracts on top of the Gemini generateContent REST API. The model's free
// text is never trusted directly: responses are reduced to the structured
// fields the control loop consumes (detector id, tracker id, recognized
// action) with deterministic defaults when parsing fails.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/surgagent/surgagent/internal/advisor"
	"github.com/surgagent/surgagent/internal/prompt"
	"github.com/surgagent/surgagent/internal/session"
)

const (
	// defaultBaseURL is the Gemini API endpoint.
	defaultBaseURL = "https://generativelanguage.googleapis.com"

	// defaultModel is used for both vision and reasoning calls.
	defaultModel = "gemini-2.0-flash"

	// defaultTimeout bounds a single HTTP request. Callers usually pass a
	// tighter deadline through the context.
	defaultTimeout = 10 * time.Second
)

// Config holds Gemini connection parameters.
type Config struct {
	APIKey  string
	Model   string // Defaults to gemini-2.0-flash
	BaseURL string // Defaults to the public Gemini endpoint
}

// Client calls the Gemini generateContent API. It implements both
// advisor.SceneClassifier and advisor.StrategyAdvisor.
type Client struct {
	config  Config
	client  *http.Client
	limiter *advisor.Limiter
}

// NewClient creates a Gemini client. The limiter is optional; when set,
// calls beyond the budget fail with advisor.ErrBusy instead of reaching the
// network.
func NewClient(cfg Config, limiter *advisor.Limiter) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Client{
		config:  cfg,
		client:  &http.Client{Timeout: defaultTimeout},
		limiter: limiter,
	}
}

// Analyze sends the frame image to Gemini Vision and parses the scene
// summary from the response.
func (c *Client) Analyze(ctx context.Context, frame []byte) (session.SceneSummary, error) {
	if len(frame) == 0 {
		return session.SceneSummary{}, fmt.Errorf("%w: empty frame", advisor.ErrClassification)
	}

	p, err := prompt.Get("scene_analysis")
	if err != nil {
		return session.SceneSummary{}, fmt.Errorf("%w: %v", advisor.ErrClassification, err)
	}

	text, err := c.generate(ctx, []part{
		{Text: p},
		{InlineData: &inlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(frame)}},
	})
	if err != nil {
		return session.SceneSummary{}, fmt.Errorf("%w: %v", advisor.ErrClassification, err)
	}

	return parseSceneSummary(text), nil
}

// SelectStrategy asks Gemini for a detector/tracker pair for the scene.
func (c *Client) SelectStrategy(ctx context.Context, scene session.SceneSummary, recentFailures []session.FailureType) (session.Strategy, error) {
	p := prompt.MustRender("select_strategy", map[string]string{
		"visibility":       fmt.Sprintf("%d", scene.Visibility),
		"challenges":       joinChallenges(scene.Challenges),
		"instrument_count": fmt.Sprintf("%d", scene.InstrumentCount),
		"phase":            string(scene.Phase),
		"recent_failures":  joinFailures(recentFailures),
	})

	text, err := c.generate(ctx, []part{{Text: p}})
	if err != nil {
		return session.Strategy{}, fmt.Errorf("%w: %v", advisor.ErrAdvisor, err)
	}

	return parseStrategy(text), nil
}

// RecommendRecovery asks Gemini for a recovery action. The returned action
// is not guaranteed to be in the recognized enumeration; the caller
// validates before use.
func (c *Client) RecommendRecovery(ctx context.Context, failure session.FailureType, failureContext string) (session.RecoveryAction, error) {
	p := prompt.MustRender("recommend_recovery", map[string]string{
		"failure_type": string(failure),
		"context":      failureContext,
		// Strategy fields are informational for the model only.
		"detector": "current",
		"tracker":  "current",
	})

	text, err := c.generate(ctx, []part{{Text: p}})
	if err != nil {
		return "", fmt.Errorf("%w: %v", advisor.ErrAdvisor, err)
	}

	return parseRecoveryAction(text), nil
}

// generate performs one generateContent call and returns the first
// candidate's text.
func (c *Client) generate(ctx context.Context, parts []part) (string, error) {
	if c.limiter != nil && !c.limiter.Allow("gemini:"+c.config.Model) {
		return "", advisor.ErrBusy
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: parts}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.config.BaseURL, c.config.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", advisor.ErrBusy
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from model")
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}

// Request/response shapes for the generateContent API. Only the fields the
// client reads or writes are declared.

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func joinChallenges(tags []session.Challenge) string {
	if len(tags) == 0 {
		return "none"
	}
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}

func joinFailures(failures []session.FailureType) string {
	if len(failures) == 0 {
		return "none"
	}
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}

// Package analysis invokes the external image analyzer. The analysis itself
// happens elsewhere; this package only prepares the image, calls the
// OpenAI-compatible chat completion endpoint and turns its JSON answer into
// a violations payload.
package analysis

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

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/snapcheck/internal/model"
)

// Analyzer turns image bytes into a violations payload.
type Analyzer interface {
	Analyze(ctx context.Context, image io.Reader, meta model.Metadata) (model.Violations, error)
}

// Options configures HTTPAnalyzer.
type Options struct {
	BaseURL   string
	Model     string
	APIKey    string
	Timeout   time.Duration
	ShortSide int
	MaxTokens int
}

// HTTPAnalyzer calls {BaseURL}/v1/chat/completions.
type HTTPAnalyzer struct {
	opts   Options
	client *http.Client
}

// NewHTTPAnalyzer builds an analyzer with its own HTTP client.
func NewHTTPAnalyzer(opts Options) *HTTPAnalyzer {
	if opts.ShortSide <= 0 {
		opts.ShortSide = 768
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 768
	}
	return &HTTPAnalyzer{opts: opts, client: &http.Client{Timeout: opts.Timeout}}
}

const systemPrompt = `You are a product image reviewer for a catalogue.
Identify the single main product in the image and report anything that would
keep the image out of the catalogue (blur, watermarks, multiple products,
cropping, poor lighting). Answer with one JSON object only.`

const userPrompt = `Review this product image. Respond with a JSON object whose keys
name the problems found and whose values describe or score them (0 to 1).
Use an empty object when the image is acceptable.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	ImageURL map[string]string `json:"image_url,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Analyze resizes the image, sends it to the endpoint and parses the answer.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, image io.Reader, meta model.Metadata) (model.Violations, error) {
	encoded, err := PrepareImage(image, a.opts.ShortSide)
	if err != nil {
		return nil, err
	}
	prompt := userPrompt
	if meta.Title != "" || meta.Taxonomy != "" {
		prompt += fmt.Sprintf("\nThe seller describes it as %q in category %q.", meta.Title, meta.Taxonomy)
	}
	body, err := json.Marshal(chatRequest{
		Model: a.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: map[string]string{"url": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(encoded)}},
			}},
		},
		MaxTokens:   a.opts.MaxTokens,
		Temperature: 0.05,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimRight(a.opts.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyzer request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read analyzer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return nil, fmt.Errorf("parse chat response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("analyzer returned no choices")
	}
	if chat.Choices[0].FinishReason == "length" {
		log.Warn().Msg("analyzer output truncated at token limit")
	}
	return ParseViolations(chat.Choices[0].Message.Content)
}

// PrepareImage decodes the image, scales it so its shorter side is at most
// shortSide pixels and re-encodes it as JPEG.
func PrepareImage(r io.Reader, shortSide int) ([]byte, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= b.Dy() {
		if b.Dx() > shortSide {
			img = imaging.Resize(img, shortSide, 0, imaging.Lanczos)
		}
	} else if b.Dy() > shortSide {
		img = imaging.Resize(img, 0, shortSide, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseViolations extracts the JSON object from the model's answer, which
// may be wrapped in a Markdown code fence.
func ParseViolations(content string) (model.Violations, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	var out model.Violations
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		return nil, fmt.Errorf("invalid analyzer JSON: %w", err)
	}
	if out == nil {
		out = model.Violations{}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"peepal-go/internal/models"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel     = openai.GPT4oMini
	DefaultMaxTokens = 800

	maxDetail = 500
)

type GenerativeConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// GenerativeBackend asks a chat completion model for nearby places. It has
// no local fallback, so failures are surfaced by default.
type GenerativeBackend struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewGenerativeBackend(cfg GenerativeConfig) *GenerativeBackend {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &GenerativeBackend{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (b *GenerativeBackend) Name() string { return "openai" }

func (b *GenerativeBackend) DefaultPolicy() FailurePolicy { return FailClosed }

const systemPrompt = "You help people find a restroom nearby. " +
	"Answer with a JSON array only: no prose, no markdown, no code fences."

var languageNames = map[models.Language]string{
	models.LanguageEnglish: "English",
	models.LanguageGerman:  "German",
	models.LanguageChinese: "Simplified Chinese",
}

// BuildPrompt renders the user message sent to the model.
func BuildPrompt(q Query) string {
	lang, ok := languageNames[q.Language]
	if !ok {
		lang = languageNames[models.DefaultLanguage]
	}
	return fmt.Sprintf(`Location: latitude %s, longitude %s.
Suggest up to %d real places within %d meters of this location where a person can use a restroom.
Return a JSON array of objects with exactly these keys:
  "name": the place name exactly as it is known locally, never translated,
  "type": a short category such as public restroom, shopping mall, coffee shop, restaurant, fast food, fuel, convenience, supermarket or park,
  "lat": latitude in decimal degrees (number),
  "lon": longitude in decimal degrees (number),
  "tips": one short sentence on how to get access to the restroom.
Write "type" and "tips" in %s. Return [] if you know no such place.`,
		strconv.FormatFloat(q.Lat, 'f', -1, 64),
		strconv.FormatFloat(q.Lon, 'f', -1, 64),
		MaxSuggestions, q.RadiusMeters, lang)
}

func (b *GenerativeBackend) Candidates(ctx context.Context, q Query) ([]Candidate, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.model,
		MaxTokens:   b.maxTokens,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(q)},
		},
	})
	if err != nil {
		return nil, upstreamError(apiErrorDetail(err), err)
	}
	if len(resp.Choices) == 0 {
		return nil, malformedError("completion has no choices", nil)
	}
	return ParseGenerated(resp.Choices[0].Message.Content)
}

func apiErrorDetail(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("model API returned %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Sprintf("model API returned %d", reqErr.HTTPStatusCode)
	}
	return "model API request failed"
}

type generatedPlace struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
	Tips string   `json:"tips"`
}

// ParseGenerated decodes model output strictly: anything other than a JSON
// array of objects is ErrMalformedResponse carrying the raw text.
func ParseGenerated(content string) ([]Candidate, error) {
	raw := strings.TrimSpace(content)
	var places []generatedPlace
	if err := json.Unmarshal([]byte(raw), &places); err != nil {
		return nil, malformedError(truncate(raw, maxDetail), errors.Wrap(err, "decode model output"))
	}
	if places == nil {
		return nil, malformedError(truncate(raw, maxDetail), nil)
	}

	out := make([]Candidate, 0, len(places))
	for _, p := range places {
		lat, lon := math.NaN(), math.NaN()
		if p.Lat != nil && p.Lon != nil {
			lat, lon = *p.Lat, *p.Lon
		}
		label := strings.TrimSpace(p.Type)
		out = append(out, Candidate{
			Name:     p.Name,
			Label:    label,
			Category: ParseCategory(label),
			Point:    orb.Point{lon, lat},
			Tips:     p.Tips,
		})
	}
	return out, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

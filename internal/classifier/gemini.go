package classifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/dvloznov/kakeibo/internal/logger"
)

// DefaultModelName is the default Gemini model used for receipts.
const DefaultModelName = "gemini-2.5-flash"

// DefaultTimeout bounds a single classification call.
const DefaultTimeout = 60 * time.Second

// GeminiConfig configures the Gemini classifier.
type GeminiConfig struct {
	APIKey     string
	Model      string
	Categories []string
	Timeout    time.Duration

	// RequestsPerMinute caps calls to the API. Zero means unlimited.
	RequestsPerMinute int
}

// Gemini is the Classifier backed by the Gemini API.
type Gemini struct {
	client     *genai.Client
	model      string
	categories []string
	timeout    time.Duration
	limiter    *rate.Limiter
}

// NewGemini creates a Gemini classifier.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("NewGemini: create genai client: %w", err)
	}
	g := &Gemini{
		client:     client,
		model:      cfg.Model,
		categories: cfg.Categories,
		timeout:    cfg.Timeout,
		limiter:    newLimiter(cfg.RequestsPerMinute),
	}
	if g.model == "" {
		g.model = DefaultModelName
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	return g, nil
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Classify sends the receipt image to the model and decodes its JSON reply.
func (g *Gemini) Classify(ctx context.Context, image []byte, mimeType string, mode Mode) (*Result, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("Classify: empty image: %w", ErrClassificationFailure)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("Classify: rate limit: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: buildPrompt(mode, g.categories)},
				{
					InlineData: &genai.Blob{
						MIMEType: mimeType,
						Data:     image,
					},
				},
			},
		},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("Classify: generate content: %w", err)
	}

	raw := resp.Text()
	res, err := decodeResult(raw, mode)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("mode", string(mode)).Int("response_len", len(raw)).Msg("Unusable receipt classification")
		return nil, fmt.Errorf("Classify: %w", err)
	}
	return res, nil
}

func buildPrompt(mode Mode, categories []string) string {
	var b strings.Builder
	b.WriteString("このレシート画像を解析し、JSONオブジェクトのみを返してください。\n")
	b.WriteString("コードフェンスや説明文は付けないでください。\n\n")

	switch mode {
	case ModeSplit:
		b.WriteString("キー:\n")
		b.WriteString("- \"date\": 日付 (YYYY-MM-DD)\n")
		b.WriteString("- \"store\": 店名\n")
		b.WriteString("- \"items\": 品目の配列。各要素は {\"name\": 品名, \"amount\": 税込金額(数値のみ)")
		if len(categories) > 0 {
			b.WriteString(", \"category\": 費目")
		}
		b.WriteString("}\n")
	default:
		b.WriteString("キー:\n")
		b.WriteString("- \"date\": 日付 (YYYY-MM-DD)\n")
		b.WriteString("- \"store\": 店名\n")
		b.WriteString("- \"amount\": 合計金額 (数値のみ)\n")
		b.WriteString("- \"category\": 費目\n")
	}

	if len(categories) > 0 {
		b.WriteString("\n費目は次のいずれかから選んでください: ")
		b.WriteString(strings.Join(categories, ", "))
		b.WriteString("\n判断できない場合は \"その他\" としてください。\n")
	}
	return b.String()
}

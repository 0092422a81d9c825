// Package anthropic provides the vision analysis client for watch
// product images.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/watchvine/catalog-sync/internal/resilience"
)

// VisionClient analyzes a single product image and returns structured
// watch attributes.
type VisionClient interface {
	AnalyzeImage(ctx context.Context, req VisionRequest) (*WatchAnalysis, error)
}

// VisionRequest is our own request type for AnalyzeImage. ImageData
// is sent as a base64 block when present; otherwise ImageURL is
// passed for the API to fetch.
type VisionRequest struct {
	ImageURL  string
	ImageData []byte
	MediaType string // e.g. "image/jpeg"; required with ImageData
	Name      string // product name, gives the model context
}

// WatchAnalysis is the fixed schema the vision model fills in.
// Unknown fields come back empty, never invented.
type WatchAnalysis struct {
	DialColor          string   `json:"dial_color"`
	StrapMaterial      string   `json:"strap_material"`
	StrapColor         string   `json:"strap_color"`
	WatchType          string   `json:"watch_type"`
	CaseMaterial       string   `json:"case_material"`
	DesignElements     []string `json:"design_elements"`
	IsAutomatic        *bool    `json:"is_automatic"`
	WatchStyleCategory string   `json:"watch_style_category"`
}

const visionPrompt = `Analyze this watch product image and return ONLY a JSON object with these exact keys:
{
  "dial_color": "<primary dial color, lowercase, or empty string if unclear>",
  "strap_material": "<strap/bracelet material: metal, leather, rubber, fabric, ceramic, or empty>",
  "strap_color": "<primary strap color, lowercase, or empty string>",
  "watch_type": "<one of: diving, aviation, racing, sports, dress, vintage, luxury, smartwatch, casual, fashion, or empty>",
  "case_material": "<case material, lowercase, or empty string>",
  "design_elements": ["<notable design elements, e.g. chronograph, gmt bezel, skeleton dial>"],
  "is_automatic": <true if visibly mechanical/automatic, false if visibly quartz/digital, null if not determinable>,
  "watch_style_category": "<overall style: sporty, elegant, classic, rugged, minimalist, or empty>"
}
Base every value on what is visible in the image. Use empty strings and null rather than guessing. No prose, no markdown fences.`

// Options configures the vision client.
type Options struct {
	Model     string
	MaxTokens int64
}

// sdkClient implements VisionClient using the official anthropic-sdk-go.
type sdkClient struct {
	client sdk.Client
	opts   Options
}

// NewClient creates a VisionClient backed by the Anthropic API.
func NewClient(apiKey string, opts Options) VisionClient {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5-20250929"
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}
	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
		),
		opts: opts,
	}
}

func (c *sdkClient) AnalyzeImage(ctx context.Context, req VisionRequest) (*WatchAnalysis, error) {
	imageBlock, err := toImageBlock(req)
	if err != nil {
		return nil, err
	}

	prompt := visionPrompt
	if req.Name != "" {
		prompt = "Product name: " + req.Name + "\n\n" + prompt
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.opts.Model),
		MaxTokens: c.opts.MaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(imageBlock, sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	text := collectText(msg)
	if text == "" {
		return nil, resilience.NewPermanentError(eris.New("anthropic: empty vision response"))
	}

	analysis, err := ParseAnalysis(text)
	if err != nil {
		zap.L().Warn("anthropic: unparseable vision response",
			zap.String("model", string(msg.Model)),
			zap.Error(err),
		)
		return nil, err
	}
	return analysis, nil
}

func toImageBlock(req VisionRequest) (sdk.ContentBlockParamUnion, error) {
	if len(req.ImageData) > 0 {
		mediaType := req.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		encoded := base64.StdEncoding.EncodeToString(req.ImageData)
		return sdk.NewImageBlockBase64(mediaType, encoded), nil
	}
	if req.ImageURL != "" {
		return sdk.NewImageBlock(sdk.URLImageSourceParam{URL: req.ImageURL}), nil
	}
	return sdk.ContentBlockParamUnion{}, resilience.NewPermanentError(eris.New("anthropic: no image provided"))
}

func collectText(msg *sdk.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ParseAnalysis decodes a vision response, tolerating markdown fences
// the model occasionally adds despite instructions. A response that
// is not the expected JSON shape is a permanent error; retrying the
// same image will not fix it.
func ParseAnalysis(text string) (*WatchAnalysis, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var analysis WatchAnalysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrap(err, "anthropic: decode vision response"))
	}
	return &analysis, nil
}

// classifyAPIError maps SDK errors onto the retry taxonomy: rate
// limits and server trouble are transient, everything else about this
// request is permanent.
func classifyAPIError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return resilience.NewPermanentError(err)
	}
	// Network-level failures fall through to the generic transient
	// detection in the retry layer.
	return eris.Wrap(err, "anthropic: create message")
}

package claude

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lehigh-university-libraries/ephemera/internal/providers"
)

const maxTokens = 1024

// Claude is a provider for the Anthropic Messages API
type Claude struct {
	client anthropic.Client
	ready  bool
}

// New returns a new Claude provider using ANTHROPIC_API_KEY. Extra options
// are passed to the SDK client.
func New(opts ...option.RequestOption) *Claude {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	return NewWithKey(apiKey, opts...)
}

// NewWithKey returns a provider for an explicit API key
func NewWithKey(apiKey string, opts ...option.RequestOption) *Claude {
	if apiKey == "" {
		return &Claude{}
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Claude{client: anthropic.NewClient(opts...), ready: true}
}

// ExtractText sends the image and prompt as a single user turn
func (c *Claude) ExtractText(ctx context.Context, config providers.Config) (string, error) {
	if !c.ready {
		return "", fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
	}

	blocks := []anthropic.ContentBlockParamUnion{}
	if len(config.Image) > 0 {
		mimeType := config.MIMEType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(mimeType, base64.StdEncoding.EncodeToString(config.Image)))
	}
	blocks = append(blocks, anthropic.NewTextBlock(config.Prompt))

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(config.Model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(config.Temperature),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no text content returned from Claude")
	}
	return sb.String(), nil
}

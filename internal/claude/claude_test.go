package claude

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/ephemera/internal/providers"
)

func TestExtractText(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	var sent map[string]any
	httpmock.RegisterResponder("POST", "https://api.example.test/v1/messages",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&sent); err != nil {
				return httpmock.NewStringResponse(400, err.Error()), nil
			}
			return httpmock.NewJsonResponse(200, map[string]any{
				"id":            "msg_01",
				"type":          "message",
				"role":          "assistant",
				"model":         "claude-test",
				"stop_reason":   "end_turn",
				"stop_sequence": nil,
				"content": []map[string]any{
					{"type": "text", "text": `{"title":"Ticket stub"}`},
				},
				"usage": map[string]any{"input_tokens": 10, "output_tokens": 5},
			})
		})

	c := NewWithKey("test-key",
		option.WithBaseURL("https://api.example.test/"),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	)
	out, err := c.ExtractText(context.Background(), providers.Config{
		Model:    "claude-test",
		Prompt:   "describe",
		Image:    []byte{0xff, 0xd8, 0xff},
		MIMEType: "image/jpeg",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Ticket stub"}`, out)

	messages := sent["messages"].([]any)
	require.Len(t, messages, 1)
	content := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "image", content[0].(map[string]any)["type"])
	assert.Equal(t, "text", content[1].(map[string]any)["type"])
}

func TestExtractTextRequiresKey(t *testing.T) {
	c := NewWithKey("")
	_, err := c.ExtractText(context.Background(), providers.Config{Prompt: "x"})
	assert.Error(t, err)
}

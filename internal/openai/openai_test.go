package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/ephemera/internal/providers"
)

func TestExtractText(t *testing.T) {
	o := &OpenAI{APIKey: "sk-test", URL: defaultURL, HTTPClient: &http.Client{}}
	httpmock.ActivateNonDefault(o.HTTPClient)
	defer httpmock.DeactivateAndReset()

	var sent map[string]any
	var auth string
	httpmock.RegisterResponder("POST", defaultURL,
		func(req *http.Request) (*http.Response, error) {
			auth = req.Header.Get("Authorization")
			_ = json.NewDecoder(req.Body).Decode(&sent)
			return httpmock.NewJsonResponse(200, map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{"content": `{"title":"Flyer"}`}},
				},
			})
		})

	out, err := o.ExtractText(context.Background(), providers.Config{
		Model:    "gpt-4o",
		Prompt:   "describe",
		Image:    []byte("img"),
		MIMEType: "image/png",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Flyer"}`, out)
	assert.Equal(t, "Bearer sk-test", auth)

	messages := sent["messages"].([]any)
	content := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	url := content[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))
}

func TestExtractTextNoChoices(t *testing.T) {
	o := &OpenAI{APIKey: "sk-test", URL: defaultURL, HTTPClient: &http.Client{}}
	httpmock.ActivateNonDefault(o.HTTPClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", defaultURL,
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"choices": []any{}}))

	_, err := o.ExtractText(context.Background(), providers.Config{Model: "gpt-4o"})
	assert.Error(t, err)
}

func TestExtractTextRequiresKey(t *testing.T) {
	o := &OpenAI{URL: defaultURL, HTTPClient: &http.Client{}}
	_, err := o.ExtractText(context.Background(), providers.Config{})
	assert.Error(t, err)
}

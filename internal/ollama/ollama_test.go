package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/ephemera/internal/providers"
)

func TestExtractText(t *testing.T) {
	o := &Ollama{URL: "http://ollama.test", HTTPClient: &http.Client{}}
	httpmock.ActivateNonDefault(o.HTTPClient)
	defer httpmock.DeactivateAndReset()

	var sent map[string]any
	httpmock.RegisterResponder("POST", "http://ollama.test/api/generate",
		func(req *http.Request) (*http.Response, error) {
			_ = json.NewDecoder(req.Body).Decode(&sent)
			return httpmock.NewJsonResponse(200, map[string]string{"response": `{"title":"Menu"}`})
		})

	out, err := o.ExtractText(context.Background(), providers.Config{
		Model:  "llava",
		Prompt: "describe",
		Image:  []byte("img"),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"title":"Menu"}`, out)
	assert.Equal(t, []any{"aW1n"}, sent["images"])
	assert.Equal(t, false, sent["stream"])
}

func TestExtractTextNon200(t *testing.T) {
	o := &Ollama{URL: "http://ollama.test", HTTPClient: &http.Client{}}
	httpmock.ActivateNonDefault(o.HTTPClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://ollama.test/api/generate",
		httpmock.NewStringResponder(500, "model not found"))

	_, err := o.ExtractText(context.Background(), providers.Config{Model: "llava"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestNewDefaultsURL(t *testing.T) {
	t.Setenv("OLLAMA_URL", "")
	t.Setenv("OLLAMA_HOST", "")
	assert.Equal(t, "http://localhost:11434", New().URL)

	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")
	assert.Equal(t, "http://gpu-box:11434", New().URL)
}

package images

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 120, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestResizeCapsLongEdge(t *testing.T) {
	data := pngBytes(t, 1600, 900)

	out, mime, err := Resize(data, MaxGuessEdge)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)

	w, h, err := Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, 800, w)
	assert.Equal(t, 450, h)
}

func TestResizeKeepsSmallImages(t *testing.T) {
	data := pngBytes(t, 300, 500)

	out, mime, err := Resize(data, MaxGuessEdge)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", mime)

	w, h, err := Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, 300, w)
	assert.Equal(t, 500, h)
}

func TestResizeUndecodable(t *testing.T) {
	data := []byte("definitely not an image")
	out, mime, err := Resize(data, MaxGuessEdge)
	assert.Error(t, err)
	assert.Equal(t, data, out)
	assert.Contains(t, mime, "text/plain")
}

func TestThumbnail(t *testing.T) {
	thumb := Thumbnail(pngBytes(t, 640, 1280))
	require.NotNil(t, thumb)

	w, h, err := Dimensions(thumb)
	require.NoError(t, err)
	assert.Equal(t, 80, w)
	assert.Equal(t, 160, h)

	assert.Nil(t, Thumbnail([]byte{0x00, 0x01}))
}

func TestFetcherFetch(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	data := pngBytes(t, 20, 20)
	httpmock.RegisterResponder(http.MethodGet, "https://example.org/scans/postcard-01.png",
		httpmock.NewBytesResponder(http.StatusOK, data))
	httpmock.RegisterResponder(http.MethodGet, "https://example.org/missing.png",
		httpmock.NewStringResponder(http.StatusNotFound, "nope"))
	httpmock.RegisterResponder(http.MethodGet, "https://example.org/page.html",
		httpmock.NewStringResponder(http.StatusOK, "<html><body>hi</body></html>"))

	f := NewFetcher()

	got, name, err := f.Fetch(context.Background(), "https://example.org/scans/postcard-01.png")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "postcard-01.png", name)

	_, _, err = f.Fetch(context.Background(), "https://example.org/missing.png")
	assert.ErrorContains(t, err, "HTTP 404")

	_, _, err = f.Fetch(context.Background(), "https://example.org/page.html")
	assert.ErrorContains(t, err, "unexpected content type")
}

package images

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// MaxGuessEdge caps the long edge of the copy sent to the vision provider.
	MaxGuessEdge = 800
	// ThumbnailEdge is the long edge of the inventory preview.
	ThumbnailEdge = 160

	jpegQuality      = 85
	thumbnailQuality = 70
)

// Decode decodes any registered image format (jpeg, png, gif, webp).
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// Dimensions returns the pixel size without decoding the whole image
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// Resize returns a JPEG copy whose long edge is at most maxEdge. Images that
// already fit are re-encoded only when they are not JPEG. Undecodable input is
// returned untouched with its sniffed content type so callers can still try.
func Resize(data []byte, maxEdge int) ([]byte, string, error) {
	img, format, err := Decode(data)
	if err != nil {
		return data, http.DetectContentType(data), err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxEdge && h <= maxEdge {
		if format == "jpeg" {
			return data, "image/jpeg", nil
		}
		out, err := encodeJPEG(img, jpegQuality)
		return out, "image/jpeg", err
	}

	out, err := encodeJPEG(scale(img, maxEdge, draw.ApproxBiLinear), jpegQuality)
	return out, "image/jpeg", err
}

// Thumbnail returns a small JPEG preview, or nil when the image cannot be decoded.
func Thumbnail(data []byte) []byte {
	img, _, err := Decode(data)
	if err != nil {
		return nil
	}
	out, err := encodeJPEG(scale(img, ThumbnailEdge, draw.ApproxBiLinear), thumbnailQuality)
	if err != nil {
		return nil
	}
	return out
}

func scale(img image.Image, maxEdge int, interp draw.Interpolator) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxEdge && h <= maxEdge {
		return img
	}
	nw, nh := maxEdge, maxEdge
	if w >= h {
		nh = max(1, h*maxEdge/w)
	} else {
		nw = max(1, w*maxEdge/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	interp.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

package handlers

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/lehigh-university-libraries/ephemera/internal/batch"
	"github.com/lehigh-university-libraries/ephemera/internal/images"
)

// maxUploadMemory is the multipart form size kept in memory; larger forms
// spill to temporary files.
const maxUploadMemory = 32 << 20

type urlUpload struct {
	BoxID     string   `json:"box_id"`
	ImageURL  string   `json:"image_url"`
	ImageURLs []string `json:"image_urls"`
}

func (u urlUpload) urls() []string {
	urls := u.ImageURLs
	if u.ImageURL != "" {
		urls = append([]string{u.ImageURL}, urls...)
	}
	return urls
}

// readMultipartImages reads every file of the "files" (or "file") field.
func readMultipartImages(r *http.Request) (string, []batch.Image, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return "", nil, fmt.Errorf("failed to parse form: %w", err)
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		return "", nil, fmt.Errorf("no files uploaded")
	}

	imgs := make([]batch.Image, 0, len(headers))
	for _, header := range headers {
		data, err := readUpload(header)
		if err != nil {
			return "", nil, err
		}
		imgs = append(imgs, batch.Image{Filename: header.Filename, Data: data})
	}
	return r.FormValue("box_id"), imgs, nil
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", header.Filename, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, images.MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file contents: %w", err)
	}
	if len(data) > images.MaxImageBytes {
		return nil, fmt.Errorf("file %s too large (max 10MB)", header.Filename)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("file %s is empty", header.Filename)
	}
	return data, nil
}

// fetchImages downloads each URL in order.
func (h *Handler) fetchImages(ctx context.Context, urls []string) ([]batch.Image, error) {
	imgs := make([]batch.Image, 0, len(urls))
	for _, u := range urls {
		data, filename, err := h.fetcher.Fetch(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("failed to process image URL: %w", err)
		}
		imgs = append(imgs, batch.Image{Filename: filename, Data: data})
	}
	return imgs, nil
}

func isJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

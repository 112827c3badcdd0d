package cataloging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lehigh-university-libraries/ephemera/internal/errors"
	"github.com/lehigh-university-libraries/ephemera/internal/images"
	"github.com/lehigh-university-libraries/ephemera/internal/providers"
)

const (
	// DefaultTimeout bounds one guess, including time spent waiting on the
	// provider's rate limiter.
	DefaultTimeout     = 45 * time.Second
	defaultTemperature = 0.1
)

// ErrTimeout is returned when the provider did not answer in time.
var ErrTimeout = errors.NewStd("ai guess timed out")

// Service asks a vision provider for a structured guess about one photographed item
type Service struct {
	provider    providers.Provider
	model       string
	temperature float64
	timeout     time.Duration
	prompt      string
	logger      *slog.Logger
}

type Option func(*Service)

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// WithPrompt replaces the instruction template
func WithPrompt(prompt string) Option {
	return func(s *Service) {
		if prompt != "" {
			s.prompt = prompt
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(provider providers.Provider, model string, opts ...Option) *Service {
	s := &Service{
		provider:    provider,
		model:       model,
		temperature: defaultTemperature,
		timeout:     DefaultTimeout,
		prompt:      guessPrompt,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the model name sent to the provider
func (s *Service) Model() string {
	return s.model
}

type guessResult struct {
	raw string
	err error
}

// Guess resizes the image, sends it to the provider and normalizes the
// answer. The timeout is soft: when it fires Guess returns ErrTimeout and the
// provider call is left to finish in the background, its answer discarded.
func (s *Service) Guess(ctx context.Context, image []byte) (*Result, error) {
	resized, mimeType, err := images.Resize(image, images.MaxGuessEdge)
	if err != nil {
		s.logger.Warn("Unable to resize image, sending original", "err", err)
	}

	done := make(chan guessResult, 1)
	go func() {
		raw, err := s.provider.ExtractText(ctx, providers.Config{
			Model:       s.model,
			Temperature: s.temperature,
			Prompt:      s.prompt,
			Image:       resized,
			MIMEType:    mimeType,
		})
		done <- guessResult{raw: raw, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New(ErrTimeout).
			Component("cataloging").
			Category(errors.CategoryTimeout).
			Context("timeout", s.timeout.String()).
			Build()
	case res := <-done:
		if res.err != nil {
			return nil, errors.New(fmt.Errorf("provider request failed: %w", res.err)).
				Component("cataloging").
				Category(errors.CategoryProvider).
				Context("model", s.model).
				Build()
		}
		result, err := Normalize(res.raw)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("Guess received", "title", result.Title, "confidence", result.Confidence)
		return result, nil
	}
}

const guessPrompt = `You are an experienced appraiser of paper ephemera and small collectibles: postcards, tickets, menus, flyers, photographs, trade cards, pins, matchbooks and similar items.

Look at the photograph of a single item and identify it as precisely as the image allows.

Respond with ONLY a JSON object, no prose and no code fences, using these keys:
{
  "title": "short descriptive title of the item",
  "type": "one of: postcard, photograph, ticket, menu, flyer, poster, letter, map, card, booklet, pin, other",
  "year": "year or decade if it can be inferred, otherwise an empty string",
  "notes": "one or two sentences on printer, publisher, place, event or other identifying details",
  "confidence": "your confidence in the identification as a percentage, for example 75%",
  "condition_estimate": "brief condition assessment: mint, excellent, good, fair or poor, with visible flaws"
}

Put any additional observations you consider useful under extra keys; they will be preserved.`

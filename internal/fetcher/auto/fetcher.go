// Package auto fetches with a plain HTTP probe and falls back to a headless
// browser when the probed markup looks incomplete.
package auto

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/scrape"
)

// Fetcher composes a probe fetcher with an optional headless fetcher.
type Fetcher struct {
	probe    scrape.Fetcher
	headless scrape.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New builds a Fetcher. A nil headless fetcher or detector disables promotion.
func New(probe, headless scrape.Fetcher, detector Detector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{probe: probe, headless: headless, detector: detector, logger: logger}
}

// Fetch returns the probe body unless the detector asks for promotion and the
// headless fetch succeeds. A failed promotion keeps the probe body.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := f.probe.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if f.headless == nil || f.detector == nil || !f.detector.ShouldPromote(body) {
		return body, nil
	}

	rendered, err := f.headless.Fetch(ctx, url)
	if err != nil {
		f.logger.Warn("headless promotion failed", zap.String("url", url), zap.Error(err))
		return body, nil
	}
	f.logger.Info("headless promotion applied",
		zap.String("url", url),
		zap.Int("probe_bytes", len(body)),
		zap.Int("rendered_bytes", len(rendered)),
	)
	return rendered, nil
}

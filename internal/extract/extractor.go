// Package extract turns listing-page markup into candidate article records.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/scrape"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultSourceDomain = "polygon.com"
	DefaultAuthor       = "Polygon Staff"
)

// Selectors for the compact entry boxes on the listing page. Each path is
// walked one child level at a time, so a node nested deeper than expected is
// treated as missing.
const (
	entrySelector        = "div.c-entry-box--compact"
	bodySelector         = "div.c-entry-box--compact__body"
	imageWrapperSelector = "a.c-entry-box--compact__image-wrapper"
)

// urlToken matches the first absolute URL inside the noscript fallback markup.
var urlToken = regexp.MustCompile(`https?://[^\s"'<>]+`)

// Config controls extraction behavior.
type Config struct {
	// SourceDomain must appear in an entry's link for the entry to be kept.
	SourceDomain string
	// DefaultAuthor replaces an empty byline.
	DefaultAuthor string
}

// Extractor parses listing markup into candidates.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.SourceDomain == "" {
		cfg.SourceDomain = DefaultSourceDomain
	}
	if cfg.DefaultAuthor == "" {
		cfg.DefaultAuthor = DefaultAuthor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

// Extract returns the valid candidates in document order. Missing nodes
// produce empty fields rather than errors; only unparseable input fails.
func (e *Extractor) Extract(body []byte) ([]scrape.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	entries := doc.Find(entrySelector)
	candidates := make([]scrape.Candidate, 0, entries.Length())
	rejected := 0
	entries.Each(func(_ int, entry *goquery.Selection) {
		c := e.candidate(entry)
		if !e.keep(c) {
			rejected++
			return
		}
		candidates = append(candidates, c)
	})

	e.logger.Debug("extracted candidates",
		zap.Int("entries", entries.Length()),
		zap.Int("kept", len(candidates)),
		zap.Int("rejected", rejected),
	)
	return candidates, nil
}

func (e *Extractor) candidate(entry *goquery.Selection) scrape.Candidate {
	body := entry.ChildrenFiltered(bodySelector)
	headline := body.ChildrenFiltered("h2").ChildrenFiltered("a")
	byline := body.ChildrenFiltered("div.c-byline").
		ChildrenFiltered("span.c-byline__item").
		ChildrenFiltered("a")

	c := scrape.Candidate{
		Title:  strings.TrimSpace(headline.Text()),
		Link:   headline.AttrOr("href", ""),
		Author: strings.TrimSpace(byline.Text()),
		Image:  primaryImage(entry),
	}
	if c.Image == "" {
		c.Image = fallbackImage(entry)
	}
	if c.Author == "" {
		c.Author = e.cfg.DefaultAuthor
	}
	return c
}

// keep rejects broken entries, house ads, and partner-site articles.
func (e *Extractor) keep(c scrape.Candidate) bool {
	return c.Link != "" && strings.Contains(c.Link, e.cfg.SourceDomain)
}

func primaryImage(entry *goquery.Selection) string {
	return entry.ChildrenFiltered(imageWrapperSelector).
		ChildrenFiltered("picture").
		ChildrenFiltered("img").
		AttrOr("src", "")
}

// fallbackImage recovers the image URL from the noscript markup that lazy
// loaded entries carry when the img src is a placeholder.
func fallbackImage(entry *goquery.Selection) string {
	text := entry.ChildrenFiltered(imageWrapperSelector).
		ChildrenFiltered("div").
		ChildrenFiltered("noscript").
		Text()
	return ImageURLFromText(text)
}

// ImageURLFromText returns the first absolute URL in text, or "".
func ImageURLFromText(text string) string {
	return urlToken.FindString(text)
}

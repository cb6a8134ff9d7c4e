package auto

import (
	"bytes"
	"strings"
)

const defaultBodyLengthThreshold = 2048

// Detector reports whether a probed page must be re-fetched with a browser.
type Detector interface {
	ShouldPromote(body []byte) bool
}

// Heuristic promotes pages that look script-rendered or lack the listing markup.
type Heuristic struct {
	// BodyLengthThreshold marks short bodies as suspicious when most of
	// their bytes are script.
	BodyLengthThreshold int
	// RequiredMarker must appear in a fully rendered page. Empty disables
	// the check.
	RequiredMarker string
}

// NewHeuristic creates a Heuristic. A zero threshold selects the default.
func NewHeuristic(threshold int, requiredMarker string) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold, RequiredMarker: requiredMarker}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(body []byte) bool {
	if len(body) == 0 {
		return true
	}
	if h.RequiredMarker != "" && !bytes.Contains(body, []byte(h.RequiredMarker)) {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptHeavy(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptHeavy reports whether script elements cover at least a quarter of body.
func scriptHeavy(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], "<script")
		if rel == -1 {
			break
		}
		start := pos + rel
		end := strings.Index(lower[start:], "</script>")
		if end == -1 {
			// unterminated script runs to the end of the document
			covered += total - start
			break
		}
		next := start + end + len("</script>")
		covered += next - start
		pos = next
	}
	return covered > 0 && covered*100/total >= 25
}

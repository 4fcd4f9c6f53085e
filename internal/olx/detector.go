package olx

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Detector decides whether a plain HTTP response needs a headless render
// before it can be parsed.
type Detector struct {
	// MinHTMLBytes promotes bodies shorter than this.
	MinHTMLBytes int
}

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte("data-reactroot"),
}

// NeedsRender reports true for empty or tiny bodies, and for app shells
// that carry no listing cards yet.
func (d Detector) NeedsRender(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if d.MinHTMLBytes > 0 && len(body) < d.MinHTMLBytes {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	if doc.Find(selCard).Length() > 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	// An empty result page also has no cards; only promote when the page
	// still has its scripts to run.
	return strings.Count(strings.ToLower(doc.Find("body").Text()), " ") < 10 && doc.Find("script").Length() > 0
}

// Package olx extracts ads from OLX listing pages.
package olx

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/adwatch/internal/listing"
)

// DefaultTodayMarker is the date-line prefix OLX uses for ads posted today.
const DefaultTodayMarker = "Сьогодні"

// DefaultBase resolves relative card links.
var DefaultBase = &url.URL{Scheme: "https", Host: "www.olx.ua"}

const (
	selCard         = `[data-testid="l-card"][id]`
	selLocationDate = `[data-testid="location-date"]`
	selTitle        = `[data-cy="ad-card-title"] h4`
	selPrice        = `[data-testid="ad-price"]`
	selSize         = `.css-1kfqt7f span`
	selLink         = `a.css-1tqlkj0`
	selImage        = `img`
)

// ParseOptions controls card filtering.
type ParseOptions struct {
	// TodayOnly keeps only cards whose date line contains TodayMarker.
	TodayOnly   bool
	TodayMarker string
}

// ParseHTML parses a listing page body. base resolves relative links and
// defaults to DefaultBase.
func ParseHTML(body []byte, base *url.URL, opts ParseOptions) ([]listing.Ad, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	return Parse(doc, base, opts), nil
}

// Parse extracts ads in page order. Cards without an id, title or link are
// skipped; price, size and image are optional.
func Parse(doc *goquery.Document, base *url.URL, opts ParseOptions) []listing.Ad {
	if base == nil {
		base = DefaultBase
	}
	marker := opts.TodayMarker
	if marker == "" {
		marker = DefaultTodayMarker
	}

	var ads []listing.Ad
	doc.Find(selCard).Each(func(_ int, card *goquery.Selection) {
		id := strings.TrimSpace(card.AttrOr("id", ""))
		if id == "" {
			return
		}
		locationDate := text(card, selLocationDate)
		if opts.TodayOnly && !strings.Contains(locationDate, marker) {
			return
		}
		title := text(card, selTitle)
		if title == "" {
			return
		}
		href := strings.TrimSpace(card.Find(selLink).First().AttrOr("href", ""))
		if href == "" {
			return
		}

		ads = append(ads, listing.Ad{
			ID:           id,
			Title:        title,
			Price:        text(card, selPrice),
			LocationDate: locationDate,
			Size:         text(card, selSize),
			URL:          resolve(base, href),
			ImageURL:     strings.TrimSpace(card.Find(selImage).First().AttrOr("src", "")),
		})
	})
	return ads
}

func text(sel *goquery.Selection, query string) string {
	return strings.TrimSpace(sel.Find(query).First().Text())
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

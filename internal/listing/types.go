// Package listing defines the ad model and the collaborator interfaces shared
// across the fetch, dedupe and notify subsystems.
package listing

// Ad is one classifieds card scraped from a listing page. Only ID takes part
// in deduplication; everything else is payload forwarded to sinks.
type Ad struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Price        string `json:"price"`
	LocationDate string `json:"location_date"`
	// Size is empty when the card carries no area/size line.
	Size string `json:"size,omitempty"`
	URL  string `json:"url"`
	// ImageURL is empty when the card has no thumbnail.
	ImageURL string `json:"image_url,omitempty"`
}

// IDs returns the ad ids in listing order.
func IDs(ads []Ad) []string {
	out := make([]string, 0, len(ads))
	for _, ad := range ads {
		out = append(out, ad.ID)
	}
	return out
}

// Keep returns the ads whose id satisfies keep, preserving order.
func Keep(ads []Ad, keep func(id string) bool) []Ad {
	var out []Ad
	for _, ad := range ads {
		if keep(ad.ID) {
			out = append(out, ad)
		}
	}
	return out
}

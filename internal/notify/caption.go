package notify

import (
	"html"
	"strings"

	"github.com/JakeFAU/adwatch/internal/listing"
)

// Caption renders an HTML message body for one ad.
func Caption(ad listing.Ad) string {
	var b strings.Builder
	b.WriteString("📌 <b>" + html.EscapeString(ad.Title) + "</b>\n")
	b.WriteString("💵 <b>Ціна:</b> " + html.EscapeString(ad.Price) + "\n")
	b.WriteString("🧭<b>Локація/дата:</b> " + html.EscapeString(ad.LocationDate) + "\n")
	if ad.Size != "" {
		b.WriteString("📐 <b>Площа:</b> " + html.EscapeString(ad.Size) + "\n")
	}
	b.WriteString(`🔗 <a href="` + html.EscapeString(ad.URL) + `">Відкрити оголошення</a>`)
	return b.String()
}

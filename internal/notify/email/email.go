// Package email delivers new-ad batches as an HTML digest over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/JakeFAU/adwatch/internal/listing"
	"github.com/JakeFAU/adwatch/internal/notify"
)

// Message is one outgoing email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Sender transmits a Message.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

var digestTmpl = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html><body>
<p>Нові оголошення за фільтром <b>{{.Filter}}</b>: {{len .Ads}}</p>
{{range .Ads}}<div style="margin-bottom:16px">
{{if .ImageURL}}<img src="{{.ImageURL}}" width="240" alt=""><br>{{end}}
<b>{{.Title}}</b><br>
{{if .Price}}💰 {{.Price}}<br>{{end}}
{{if .LocationDate}}📍 {{.LocationDate}}<br>{{end}}
{{if .Size}}📐 {{.Size}}<br>{{end}}
<a href="{{.URL}}">Відкрити оголошення</a>
</div>
{{end}}</body></html>`))

// Sink implements notify.Sink by mailing one digest per batch.
type Sink struct {
	sender Sender
	from   string
	to     string
}

var _ notify.Sink = (*Sink)(nil)

// NewSink returns a Sink mailing from -> to.
func NewSink(sender Sender, from, to string) *Sink {
	return &Sink{sender: sender, from: from, to: to}
}

// Notify renders and sends the digest.
func (s *Sink) Notify(ctx context.Context, batch notify.Batch) error {
	body, err := Render(batch.FilterName, batch.Ads)
	if err != nil {
		return err
	}
	msg := Message{
		From:    s.from,
		To:      s.to,
		Subject: fmt.Sprintf("adwatch: %d нових оголошень (%s)", len(batch.Ads), batch.FilterName),
		Body:    body,
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send digest for batch %s: %w", batch.ID, err)
	}
	return nil
}

// Render builds the HTML digest body.
func Render(filter string, ads []listing.Ad) (string, error) {
	var buf bytes.Buffer
	err := digestTmpl.Execute(&buf, struct {
		Filter string
		Ads    []listing.Ad
	}{Filter: filter, Ads: ads})
	if err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return buf.String(), nil
}

package detail

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/Sternrassler/nhle-ingest/pkg/record"
)

// minorAmendmentRe finds the minor amendment note appended to descriptions.
var minorAmendmentRe = regexp.MustCompile(`(?i)This list entry was subject to a Minor Amendment.*?on\s+(\d{1,2}[/-]\d{1,2}[/-]\d{4}|\d{1,2}\s+\w+\s+\d{4})`)

// Extract reads detail fields from a parsed list entry page. base resolves
// relative links and may be nil.
func Extract(doc *goquery.Document, base *url.URL) *record.DetailFields {
	d := &record.DetailFields{}

	d.Title = textOf(doc.Find("h1").First())

	keyInfo := definitionList(doc.Find("dl.key-info").First())
	if v, ok := keyInfo["date of most recent amendment"]; ok && v != "" {
		d.MajorAmendmentDate = record.Ptr(v)
	}

	statutory := doc.Find("dt").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), "Statutory Address")
	}).First()
	if statutory.Length() > 0 {
		d.StatutoryAddress = textOf(statutory.NextFiltered("dd"))
	}

	d.Description = paragraphAfterHeading(doc, "Details")
	if d.Description != nil {
		d.MinorAmendmentDate = MinorAmendmentDate(*d.Description)
	}
	d.Sources = paragraphAfterHeading(doc, "Sources")
	d.Legal = paragraphAfterHeading(doc, "Legal")

	if legacy := definitionList(doc.Find("dl.nhle-legacy").First()); len(legacy) > 0 {
		d.Legacy = legacy
	}

	mapLink := doc.Find("a").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), "Download a full scale map")
	}).First()
	if href, ok := mapLink.Attr("href"); ok && strings.TrimSpace(href) != "" {
		d.MapPDFURL = record.Ptr(resolve(base, strings.TrimSpace(href)))
	}

	return d
}

// MinorAmendmentDate returns the minor amendment date mentioned in a
// description, or nil when there is none.
func MinorAmendmentDate(description string) *string {
	m := minorAmendmentRe.FindStringSubmatch(description)
	if len(m) < 2 {
		return nil
	}
	return record.Ptr(m[1])
}

func textOf(s *goquery.Selection) *string {
	if s.Length() == 0 {
		return nil
	}
	v := strings.Join(strings.Fields(s.Text()), " ")
	if v == "" {
		return nil
	}
	return &v
}

func paragraphAfterHeading(doc *goquery.Document, heading string) *string {
	h := doc.Find("h3").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.EqualFold(strings.TrimSpace(s.Text()), heading)
	}).First()
	if h.Length() == 0 {
		return nil
	}
	return textOf(h.NextAllFiltered("p").First())
}

// definitionList flattens dt/dd pairs, keys lower-cased with underscores.
func definitionList(dl *goquery.Selection) map[string]string {
	out := map[string]string{}
	dl.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		key := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(dt.Text()), ":"))
		if key == "" {
			return
		}
		dd := textOf(dt.NextFiltered("dd"))
		if dd == nil {
			return
		}
		out[key] = *dd
	})
	// Legacy keys are stored snake_cased; key info lookups use the spaced form.
	if dl.HasClass("nhle-legacy") {
		snake := make(map[string]string, len(out))
		for k, v := range out {
			snake[strings.ReplaceAll(k, " ", "_")] = v
		}
		return snake
	}
	return out
}

func resolve(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

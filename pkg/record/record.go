// Package record defines the listed-building record model shared by the
// source adapter, detail fetcher, store and orchestrator.
package record

import (
	"time"
)

// Completeness marks which channels contributed to a record.
type Completeness string

const (
	// CompletenessStructured means only the paginated API fields are present.
	CompletenessStructured Completeness = "structured"

	// CompletenessFull means detail page fields were merged as well.
	CompletenessFull Completeness = "full"
)

// Rank orders completeness levels so merges never downgrade.
func (c Completeness) Rank() int {
	switch c {
	case CompletenessFull:
		return 2
	case CompletenessStructured:
		return 1
	default:
		return 0
	}
}

// StructuredFields are the attributes returned by the paginated API.
// Nil pointers mean the source did not provide a value.
type StructuredFields struct {
	Name         *string    `json:"name,omitempty"`
	Grade        *string    `json:"grade,omitempty"`
	ListDate     *time.Time `json:"list_date,omitempty"`
	AmendDate    *time.Time `json:"amend_date,omitempty"`
	Category     *string    `json:"category,omitempty"`
	NGR          *string    `json:"ngr,omitempty"`
	Easting      *float64   `json:"easting,omitempty"`
	Northing     *float64   `json:"northing,omitempty"`
	CaptureScale *string    `json:"capture_scale,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Hyperlink    *string    `json:"hyperlink,omitempty"`
}

// DetailFields are the attributes scraped from the rendered list entry page.
type DetailFields struct {
	Title              *string           `json:"title,omitempty"`
	StatutoryAddress   *string           `json:"statutory_address,omitempty"`
	Description        *string           `json:"description,omitempty"`
	MajorAmendmentDate *string           `json:"major_amendment_date,omitempty"`
	MinorAmendmentDate *string           `json:"minor_amendment_date,omitempty"`
	Sources            *string           `json:"sources,omitempty"`
	Legal              *string           `json:"legal,omitempty"`
	MapPDFURL          *string           `json:"map_pdf_url,omitempty"`
	Legacy             map[string]string `json:"legacy,omitempty"`
}

// IsEmpty reports whether no detail field carries a value.
func (d *DetailFields) IsEmpty() bool {
	if d == nil {
		return true
	}
	return d.Title == nil && d.StatutoryAddress == nil && d.Description == nil &&
		d.MajorAmendmentDate == nil && d.MinorAmendmentDate == nil &&
		d.Sources == nil && d.Legal == nil && d.MapPDFURL == nil && len(d.Legacy) == 0
}

// Record is one listed entity keyed by its list entry number.
type Record struct {
	// Key is the list entry number. It never changes once assigned.
	Key int64 `json:"list_entry"`

	Structured   StructuredFields `json:"structured"`
	Detail       *DetailFields    `json:"detail,omitempty"`
	Completeness Completeness     `json:"completeness"`

	// ScrapedAt is when the record was last successfully merged.
	ScrapedAt time.Time `json:"scraped_at"`
}

// Page is one bounded slice of the remote collection.
type Page struct {
	Offset  int      `json:"offset"`
	Records []Record `json:"records"`

	// NextOffset is the continuation position for the following page.
	NextOffset int `json:"next_offset"`

	// Total is the reported collection size, 0 when unknown.
	Total int `json:"total"`

	// Exhausted is set when the adapter knows no further records follow.
	Exhausted bool `json:"exhausted"`

	// Truncated is set when the source returned fewer records than
	// requested but more are available.
	Truncated bool `json:"truncated"`
}

// Len returns the number of records on the page.
func (p *Page) Len() int {
	return len(p.Records)
}

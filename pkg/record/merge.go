package record

// Merge combines an incoming record with the stored one using the
// fill-missing, override-present policy: every non-nil incoming field wins,
// nil incoming fields keep the existing value. Completeness never downgrades
// and the newer ScrapedAt is kept. existing may be nil.
func Merge(existing *Record, incoming Record) Record {
	if existing == nil {
		out := incoming
		out.Detail = cloneDetail(incoming.Detail)
		if out.Completeness == "" {
			out.Completeness = CompletenessStructured
		}
		return out
	}

	out := *existing
	out.Structured = mergeStructured(existing.Structured, incoming.Structured)
	out.Detail = mergeDetail(existing.Detail, incoming.Detail)

	if incoming.Completeness.Rank() > out.Completeness.Rank() {
		out.Completeness = incoming.Completeness
	}
	if out.Completeness == "" {
		out.Completeness = CompletenessStructured
	}
	if incoming.ScrapedAt.After(out.ScrapedAt) {
		out.ScrapedAt = incoming.ScrapedAt
	}
	return out
}

func mergeStructured(old, in StructuredFields) StructuredFields {
	out := old
	pick(&out.Name, in.Name)
	pick(&out.Grade, in.Grade)
	pick(&out.ListDate, in.ListDate)
	pick(&out.AmendDate, in.AmendDate)
	pick(&out.Category, in.Category)
	pick(&out.NGR, in.NGR)
	pick(&out.Easting, in.Easting)
	pick(&out.Northing, in.Northing)
	pick(&out.CaptureScale, in.CaptureScale)
	pick(&out.Longitude, in.Longitude)
	pick(&out.Latitude, in.Latitude)
	pick(&out.Hyperlink, in.Hyperlink)
	return out
}

func mergeDetail(old, in *DetailFields) *DetailFields {
	if in == nil {
		return cloneDetail(old)
	}
	if old == nil {
		return cloneDetail(in)
	}
	out := cloneDetail(old)
	pick(&out.Title, in.Title)
	pick(&out.StatutoryAddress, in.StatutoryAddress)
	pick(&out.Description, in.Description)
	pick(&out.MajorAmendmentDate, in.MajorAmendmentDate)
	pick(&out.MinorAmendmentDate, in.MinorAmendmentDate)
	pick(&out.Sources, in.Sources)
	pick(&out.Legal, in.Legal)
	pick(&out.MapPDFURL, in.MapPDFURL)
	for k, v := range in.Legacy {
		if out.Legacy == nil {
			out.Legacy = make(map[string]string, len(in.Legacy))
		}
		out.Legacy[k] = v
	}
	return out
}

func cloneDetail(d *DetailFields) *DetailFields {
	if d == nil {
		return nil
	}
	out := *d
	if d.Legacy != nil {
		out.Legacy = make(map[string]string, len(d.Legacy))
		for k, v := range d.Legacy {
			out.Legacy[k] = v
		}
	}
	return &out
}

func pick[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

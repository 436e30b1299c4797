package entry

import (
	"encoding/json"
	"time"
)

// Normalize converts a raw feed item into its canonical stored shape.
// It never fails: an absent or zero parsed time becomes the empty marker and
// sub-records that cannot be encoded collapse to "[]".
func Normalize(raw RawEntry, loc *time.Location) FeedEntry {
	e := FeedEntry{
		ID:           raw.ID,
		Title:        raw.Title,
		Summary:      raw.Summary,
		Link:         raw.Link,
		Author:       raw.Author,
		PublishedRaw: raw.Published,
		Tags:         encodeList(raw.Tags),
		Authors:      encodeList(raw.Authors),
		Links:        encodeList(raw.Links),
	}

	if raw.PublishedParsed != nil {
		e.PublishedAt = Format(*raw.PublishedParsed, loc)
	}

	return e
}

// NormalizeAll applies Normalize to every raw entry, preserving order.
func NormalizeAll(raws []RawEntry, loc *time.Location) []FeedEntry {
	entries := make([]FeedEntry, 0, len(raws))
	for _, raw := range raws {
		entries = append(entries, Normalize(raw, loc))
	}
	return entries
}

func encodeList[T any](items []T) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

package feed

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"whatsnew/internal/entry"
)

// Source yields the raw items of one feed.
type Source interface {
	Fetch(ctx context.Context, feedURL string) ([]entry.RawEntry, error)
}

// GofeedSource fetches RSS, Atom and JSON feeds over HTTP.
type GofeedSource struct {
	parser *gofeed.Parser
}

func NewGofeedSource(userAgent string) *GofeedSource {
	parser := gofeed.NewParser()
	parser.UserAgent = userAgent
	return &GofeedSource{parser: parser}
}

func (s *GofeedSource) Fetch(ctx context.Context, feedURL string) ([]entry.RawEntry, error) {
	feed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	raws := make([]entry.RawEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		raws = append(raws, rawFromItem(item))
	}
	return raws, nil
}

func rawFromItem(item *gofeed.Item) entry.RawEntry {
	raw := entry.RawEntry{
		ID:              cmp.Or(item.GUID, item.Link),
		Title:           item.Title,
		Summary:         cmp.Or(item.Description, item.Content),
		Published:       cmp.Or(item.Published, item.Updated),
		PublishedParsed: item.PublishedParsed,
		Link:            item.Link,
	}

	if raw.PublishedParsed == nil {
		raw.PublishedParsed = item.UpdatedParsed
	}

	for _, c := range item.Categories {
		if c = strings.TrimSpace(c); c != "" {
			raw.Tags = append(raw.Tags, entry.Tag{Term: c})
		}
	}

	authors := item.Authors
	if len(authors) == 0 && item.Author != nil {
		authors = []*gofeed.Person{item.Author}
	}
	for _, a := range authors {
		if a == nil {
			continue
		}
		p := entry.Person{Name: strings.TrimSpace(a.Name), Email: strings.TrimSpace(a.Email)}
		if p.Name == "" && p.Email == "" {
			continue
		}
		raw.Authors = append(raw.Authors, p)
	}
	if len(raw.Authors) > 0 {
		raw.Author = cmp.Or(raw.Authors[0].Name, raw.Authors[0].Email)
	}

	links := item.Links
	if len(links) == 0 && item.Link != "" {
		links = []string{item.Link}
	}
	for _, l := range links {
		raw.Links = append(raw.Links, entry.Link{Href: l, Rel: "alternate", Type: "text/html"})
	}
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		raw.Links = append(raw.Links, entry.Link{Href: enc.URL, Rel: "enclosure", Type: enc.Type, Length: enc.Length})
	}

	return raw
}

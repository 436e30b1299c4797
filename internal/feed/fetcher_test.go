package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnew/internal/entry"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
  <title>Recent Announcements</title>
  <link>https://aws.amazon.com/about-aws/whats-new/recent/</link>
  <description>What's New</description>
  <item>
    <guid isPermaLink="false">opensearch-2024</guid>
    <title>Amazon OpenSearch Service adds a feature</title>
    <description>Details about the feature.</description>
    <pubDate>Tue, 14 May 2024 17:00:00 GMT</pubDate>
    <link>https://aws.amazon.com/about-aws/whats-new/2024/05/opensearch</link>
    <category>general:products/amazon-opensearch-service</category>
    <author>aws@amazon.com (AWS)</author>
    <enclosure url="https://example.com/a.mp3" length="1234" type="audio/mpeg"/>
  </item>
  <item>
    <title>An item without a guid or date</title>
    <link>https://example.com/no-guid</link>
  </item>
</channel>
</rss>`

func TestGofeedSource_Fetch(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer srv.Close()

	raws, err := NewGofeedSource("whatsnew-test/1.0").Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, raws, 2)
	assert.Equal(t, "whatsnew-test/1.0", gotUA)

	first := raws[0]
	assert.Equal(t, "opensearch-2024", first.ID)
	assert.Equal(t, "Amazon OpenSearch Service adds a feature", first.Title)
	assert.Equal(t, "Details about the feature.", first.Summary)
	assert.Equal(t, "Tue, 14 May 2024 17:00:00 GMT", first.Published)
	require.NotNil(t, first.PublishedParsed)
	assert.True(t, first.PublishedParsed.Equal(time.Date(2024, 5, 14, 17, 0, 0, 0, time.UTC)))
	assert.Equal(t, []entry.Tag{{Term: "general:products/amazon-opensearch-service"}}, first.Tags)
	assert.NotEmpty(t, first.Author)
	require.GreaterOrEqual(t, len(first.Links), 2)
	assert.Equal(t, entry.Link{Href: "https://aws.amazon.com/about-aws/whats-new/2024/05/opensearch", Rel: "alternate", Type: "text/html"}, first.Links[0])
	assert.Equal(t, entry.Link{Href: "https://example.com/a.mp3", Rel: "enclosure", Type: "audio/mpeg", Length: "1234"}, first.Links[len(first.Links)-1])

	second := raws[1]
	assert.Equal(t, "https://example.com/no-guid", second.ID, "id falls back to the link")
	assert.Nil(t, second.PublishedParsed)

	normalized := entry.Normalize(first, time.UTC)
	assert.Equal(t, "2024-05-14 17:00:00", normalized.PublishedAt)
	var tags []entry.Tag
	require.NoError(t, json.Unmarshal([]byte(normalized.Tags), &tags))
	assert.Len(t, tags, 1)
	assert.True(t, entry.Normalize(second, time.UTC).Undated())
}

func TestGofeedSource_FetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewGofeedSource("").Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestGofeedSource_UpdatedFallback(t *testing.T) {
	const atom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom</title>
  <id>urn:feed</id>
  <updated>2024-06-01T10:00:00Z</updated>
  <entry>
    <id>urn:entry:1</id>
    <title>Amazon Neptune update</title>
    <updated>2024-06-01T10:00:00Z</updated>
    <link href="https://example.com/neptune"/>
  </entry>
</feed>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(atom))
	}))
	defer srv.Close()

	raws, err := NewGofeedSource("").Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, "urn:entry:1", raws[0].ID)
	require.NotNil(t, raws[0].PublishedParsed)
	assert.Equal(t, "2024-06-01 10:00:00", entry.Normalize(raws[0], time.UTC).PublishedAt)
	assert.Equal(t, "2024-06-01T10:00:00Z", raws[0].Published)
}

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsnew/internal/config"
)

var samplePayload = Payload{
	Title:        "Amazon OpenSearch Service adds a feature",
	Summary:      "Details about the feature.",
	PublishedRaw: "Tue, 14 May 2024 17:00:00 GMT",
	Link:         "https://aws.amazon.com/about-aws/whats-new/2024/05/opensearch",
}

type captured struct {
	header http.Header
	body   []byte
}

func recorder(t *testing.T, status int) (*httptest.Server, <-chan captured) {
	t.Helper()
	ch := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func TestPayload_Message(t *testing.T) {
	full := samplePayload.Message("full")
	assert.Equal(t, "Title: Amazon OpenSearch Service adds a feature\n"+
		"Summary: Details about the feature.\n"+
		"Published: Tue, 14 May 2024 17:00:00 GMT\n"+
		"Link: https://aws.amazon.com/about-aws/whats-new/2024/05/opensearch\n", full)

	short := samplePayload.Message("short")
	assert.Equal(t, "Title: Amazon OpenSearch Service adds a feature\n"+
		"Link: https://aws.amazon.com/about-aws/whats-new/2024/05/opensearch\n", short)
}

func TestSend_Generic(t *testing.T) {
	srv, got := recorder(t, http.StatusOK)
	c := NewClient("whatsnew-test")

	err := c.SendWithRateLimit(context.Background(), config.Webhook{
		Name: "generic", URL: srv.URL, Provider: "generic", MessageFormat: "full",
	}, samplePayload)
	require.NoError(t, err)

	req := <-got
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "whatsnew-test", req.header.Get("User-Agent"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(req.body, &body))
	assert.Equal(t, samplePayload.Title, body["title"])
	assert.Equal(t, samplePayload.Summary, body["summary"])
	assert.Equal(t, samplePayload.PublishedRaw, body["published"])
	assert.Equal(t, samplePayload.Link, body["link"])
	assert.Equal(t, samplePayload.Message("full"), body["message"])
}

func TestSend_Discord(t *testing.T) {
	srv, got := recorder(t, http.StatusNoContent)
	c := NewClient("")

	err := c.SendWithRateLimit(context.Background(), config.Webhook{
		Name: "discord", URL: srv.URL, Provider: "discord", MessageFormat: "short",
	}, samplePayload)
	require.NoError(t, err)

	var body DiscordPayload
	require.NoError(t, json.Unmarshal((<-got).body, &body))
	assert.Equal(t, samplePayload.Message("short"), body.Content)
}

func TestSend_DiscordTruncatesLongContent(t *testing.T) {
	srv, got := recorder(t, http.StatusNoContent)
	c := NewClient("")

	long := samplePayload
	long.Summary = strings.Repeat("あ", 3000)
	err := c.SendWithRateLimit(context.Background(), config.Webhook{
		Name: "discord", URL: srv.URL, Provider: "discord", MessageFormat: "full",
	}, long)
	require.NoError(t, err)

	var body DiscordPayload
	require.NoError(t, json.Unmarshal((<-got).body, &body))
	assert.Len(t, []rune(body.Content), discordContentLimit)
}

func TestSend_Line(t *testing.T) {
	srv, got := recorder(t, http.StatusOK)
	c := NewClient("")

	err := c.SendWithRateLimit(context.Background(), config.Webhook{
		Name: "line", URL: srv.URL, Provider: "line", APIToken: "tok", MessageFormat: "short",
	}, samplePayload)
	require.NoError(t, err)

	req := <-got
	assert.Equal(t, "Bearer tok", req.header.Get("Authorization"))
	assert.Equal(t, "application/x-www-form-urlencoded", req.header.Get("Content-Type"))

	form, err := url.ParseQuery(string(req.body))
	require.NoError(t, err)
	assert.Equal(t, samplePayload.Message("short"), form.Get("message"))
}

func TestSend_ErrorStatus(t *testing.T) {
	srv, _ := recorder(t, http.StatusInternalServerError)
	c := NewClient("")

	err := c.SendWithRateLimit(context.Background(), config.Webhook{
		Name: "broken", URL: srv.URL, Provider: "generic", MessageFormat: "full",
		PostInterval: time.Hour,
	}, samplePayload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSend_RateLimitRespectsContext(t *testing.T) {
	srv, _ := recorder(t, http.StatusOK)
	c := NewClient("")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.SendWithRateLimit(ctx, config.Webhook{
		Name: "slow", URL: srv.URL, Provider: "generic", MessageFormat: "full",
		PostInterval: time.Hour,
	}, samplePayload)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

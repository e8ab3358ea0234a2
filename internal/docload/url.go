package docload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// maxResponseSize caps how much of a page body is read.
const maxResponseSize = 8 << 20 // 8 MiB

// LoadURL fetches a page and reduces it to readable text. Readability
// extraction is attempted first; pages it cannot parse (no article body,
// single-page apps with sparse markup) fall back to a plain goquery text
// extraction of the body.
func (l *Loader) LoadURL(ctx context.Context, pageURL string) (string, error) {
	if err := l.validator.Validate(pageURL); err != nil {
		return "", &FetchError{URL: pageURL, Err: err}
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", &FetchError{URL: pageURL, Err: fmt.Errorf("invalid URL: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", &FetchError{URL: pageURL, Err: err}
	}
	req.Header.Set("User-Agent", "sitebrain/1.0 (+https://github.com/sitebrain/sitebrain)")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: pageURL, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{URL: pageURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", &FetchError{URL: pageURL, Err: err}
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return normalizeWhitespace(article.TextContent), nil
	}
	if err != nil {
		l.logger.Debug("readability extraction failed, falling back to goquery",
			"url", pageURL, "error", err)
	}

	return extractBodyText(body)
}

// extractBodyText strips scripts and styles and returns the visible text of
// the page body.
func extractBodyText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}
	doc.Find("script, style, noscript, iframe").Remove()

	text := doc.Find("body").Text()
	return normalizeWhitespace(text), nil
}

// normalizeWhitespace collapses runs of whitespace into single spaces while
// keeping paragraph breaks.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

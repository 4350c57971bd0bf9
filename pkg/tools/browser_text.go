package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/modelgateway/relay/pkg/httpclient"
)

const browserMaxResponseSize = 2 << 20

var (
	scriptStylePattern = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagPattern         = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespacePattern  = regexp.MustCompile(`[ \t]+`)
	blankLinesPattern  = regexp.MustCompile(`\n{3,}`)
)

type browserTextArgs struct {
	URL       string `json:"url" jsonschema:"required,description=Page URL to fetch"`
	MaxLength int    `json:"max_length,omitempty" jsonschema:"description=Maximum characters of text to return,default=20000"`
}

// BrowserTextTool fetches a page and reduces it to readable text, the way a
// text-mode browser would render it.
type BrowserTextTool struct {
	client    *httpclient.Client
	userAgent string
	timeout   time.Duration
}

func NewBrowserTextTool(opts ...httpclient.Option) *BrowserTextTool {
	return &BrowserTextTool{
		client:    httpclient.New(opts...),
		userAgent: "relay-browser/1.0",
		timeout:   20 * time.Second,
	}
}

func (t *BrowserTextTool) Name() string { return "@browser-text" }

func (t *BrowserTextTool) Description() string {
	return "Fetch a web page and return its visible text content."
}

func (t *BrowserTextTool) InputSchema() map[string]any {
	return reflectSchema[browserTextArgs]()
}

func (t *BrowserTextTool) Timeout() time.Duration { return t.timeout }

func (t *BrowserTextTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	args, err := decodeArgs[browserTextArgs](input)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(args.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid url %q", args.URL)
	}
	if args.MaxLength <= 0 {
		args.MaxLength = 20000
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, browserMaxResponseSize))
	if err != nil {
		return nil, err
	}

	text := htmlToText(string(body))
	if len(text) > args.MaxLength {
		text = text[:args.MaxLength]
	}
	return map[string]any{
		"url":          args.URL,
		"content_type": resp.Header.Get("Content-Type"),
		"text":         text,
	}, nil
}

func htmlToText(raw string) string {
	text := scriptStylePattern.ReplaceAllString(raw, " ")
	text = tagPattern.ReplaceAllString(text, "\n")
	replacer := strings.NewReplacer(
		"&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'",
	)
	text = replacer.Replace(text)
	text = whitespacePattern.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

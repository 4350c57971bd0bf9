package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/modelgateway/relay/pkg/httpclient"
)

const (
	googleSearchEndpoint = "https://customsearch.googleapis.com/customsearch/v1"
	googleSearchMaxNum   = 10
)

type googleSearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query"`
	Num   int    `json:"num,omitempty" jsonschema:"description=Number of results,default=5,minimum=1,maximum=10"`
}

type googleSearchItem struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

type googleSearchResponse struct {
	Items []googleSearchItem `json:"items"`
}

// GoogleSearchTool proxies Google's Custom Search JSON API.
type GoogleSearchTool struct {
	apiKey   string
	engineID string
	client   *httpclient.Client
	timeout  time.Duration
}

func NewGoogleSearchTool(apiKey, engineID string, opts ...httpclient.Option) *GoogleSearchTool {
	return &GoogleSearchTool{
		apiKey:   apiKey,
		engineID: engineID,
		client:   httpclient.New(opts...),
		timeout:  15 * time.Second,
	}
}

func (t *GoogleSearchTool) Name() string { return "@search-google" }

func (t *GoogleSearchTool) Description() string {
	return "Search the web with Google. Returns titles, links and snippets for the top results."
}

func (t *GoogleSearchTool) InputSchema() map[string]any {
	return reflectSchema[googleSearchArgs]()
}

func (t *GoogleSearchTool) Timeout() time.Duration { return t.timeout }

func (t *GoogleSearchTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	args, err := decodeArgs[googleSearchArgs](input)
	if err != nil {
		return nil, err
	}
	if args.Num <= 0 {
		args.Num = 5
	}
	if args.Num > googleSearchMaxNum {
		args.Num = googleSearchMaxNum
	}

	query := url.Values{}
	query.Set("key", t.apiKey)
	query.Set("cx", t.engineID)
	query.Set("q", args.Query)
	query.Set("num", strconv.Itoa(args.Num))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		googleSearchEndpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google search returned status %d", resp.StatusCode)
	}

	var parsed googleSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	results := make([]map[string]any, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		results = append(results, map[string]any{
			"title":   item.Title,
			"url":     item.Link,
			"snippet": item.Snippet,
		})
	}
	return map[string]any{"query": args.Query, "results": results}, nil
}

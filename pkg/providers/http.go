package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/httpclient"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/observability"
	"github.com/modelgateway/relay/pkg/protocol"
)

// HTTPCaller drives a fine-grained Adapter over the shared retrying HTTP
// client, implementing the coarse Caller contract.
type HTTPCaller struct {
	adapter Adapter
	client  *httpclient.Client
}

// NewHTTPCaller wires an adapter to a retrying client using the adapter's
// rate-limit header parser.
func NewHTTPCaller(adapter Adapter, opts ...httpclient.Option) *HTTPCaller {
	base := []httpclient.Option{
		httpclient.WithHeaderParser(adapter.HeaderParser()),
	}
	return &HTTPCaller{
		adapter: adapter,
		client:  httpclient.New(append(base, opts...)...),
	}
}

func (c *HTTPCaller) Provider() model.Provider { return c.adapter.Provider() }
func (c *HTTPCaller) DefaultModel() string     { return c.adapter.DefaultModel() }

func (c *HTTPCaller) StandardizeMessages(raw []byte) ([]protocol.Message, error) {
	return c.adapter.StandardizeMessages(raw)
}

func (c *HTTPCaller) RequiresDownloadingFile(file *protocol.File, modelID string) bool {
	return c.adapter.RequiresDownloadingFile(file, modelID)
}

// Complete performs one buffered round-trip.
func (c *HTTPCaller) Complete(ctx context.Context, messages []protocol.Message, opts RequestOptions) (*Result, error) {
	opts.Stream = false
	body, err := c.do(ctx, messages, opts, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, apierror.Wrap(err, apierror.KindReadTimeout, "reading provider response")
	}
	parsed, err := c.adapter.ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:        parsed.Content,
		ReasoningSteps: parsed.ReasoningSteps,
		ToolCalls:      parsed.ToolCalls,
		Usage:          parsed.Usage,
		FinishReason:   parsed.FinishReason,
	}, nil
}

// Stream performs one streaming round-trip, invoking handler for each delta
// and returning the aggregated result.
func (c *HTTPCaller) Stream(ctx context.Context, messages []protocol.Message, opts RequestOptions, handler StreamHandler) (*Result, error) {
	opts.Stream = true
	body, err := c.do(ctx, messages, opts, true)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	state := NewStreamState()
	agg := NewAggregator(DefaultAccumulatorLimit)

	err = ReadSSE(body, func(data []byte) error {
		delta, derr := c.adapter.ExtractStreamDelta(data, state)
		if derr != nil {
			return derr
		}
		if delta == nil {
			return nil
		}
		agg.Consume(*delta)
		if handler != nil {
			return handler(*delta)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierror.Wrap(ctx.Err(), apierror.KindClientDisconnect, "stream cancelled")
		}
		return nil, err
	}

	result := agg.Result()
	if result.Usage == (Usage{}) {
		result.Usage = state.Usage
	}
	return result, nil
}

func (c *HTTPCaller) do(ctx context.Context, messages []protocol.Message, opts RequestOptions, stream bool) (io.ReadCloser, error) {
	modelID := opts.Model
	if modelID == "" {
		modelID = c.adapter.DefaultModel()
		opts.Model = modelID
	}

	tracer := observability.GetTracer("relay.providers")
	ctx, span := tracer.Start(ctx, observability.SpanProviderRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrProvider, string(c.adapter.Provider())),
			attribute.String(observability.AttrModel, modelID),
			attribute.Bool("llm.stream", stream),
		),
	)
	defer span.End()

	wire, err := c.adapter.Build(messages, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.adapter.Provider(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.adapter.RequestURL(modelID, stream), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range c.adapter.RequestHeaders(modelID) {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		cerr := c.adapter.ClassifyError(resp.StatusCode, raw, resp.Header)
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Error())
		return nil, cerr
	}
	return resp.Body, nil
}

// InlineFiles returns messages with URL-only files fetched and inlined for
// adapters that cannot accept remote URLs. Messages are copied on first
// mutation; the input slice is never modified.
func InlineFiles(ctx context.Context, caller Caller, messages []protocol.Message, modelID string, fetch *http.Client) ([]protocol.Message, error) {
	if fetch == nil {
		fetch = &http.Client{Timeout: 30 * time.Second}
	}

	out := messages
	copied := false
	for i := range messages {
		for j := range messages[i].Content {
			block := &messages[i].Content[j]
			if block.Kind != protocol.ContentFile || block.File == nil {
				continue
			}
			f := block.File
			if f.Data != "" || f.URL == "" {
				continue
			}
			if !caller.RequiresDownloadingFile(f, modelID) {
				continue
			}

			data, contentType, err := fetchFile(ctx, fetch, f.URL)
			if err != nil {
				return nil, apierror.Wrap(err, apierror.KindInvalidFile,
					fmt.Sprintf("file %q could not be fetched", f.URL))
			}
			if !copied {
				out = copyMessages(messages)
				copied = true
			}
			nf := *f
			nf.Data = base64.StdEncoding.EncodeToString(data)
			if nf.ContentType == "" {
				nf.ContentType = contentType
			}
			out[i].Content[j].File = &nf
		}
	}
	return out, nil
}

func fetchFile(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	const maxFileSize = 50 * 1024 * 1024
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize))
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func copyMessages(messages []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		out[i].Content = append([]protocol.Content(nil), m.Content...)
	}
	return out
}

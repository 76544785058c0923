// Package provider talks to the local OpenAI-compatible model server.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
)

var ErrStreamConsumed = errors.New("completion stream already consumed")

type ChatRequest struct {
	Messages  []protocol.ChatMessage
	MaxTokens int
}

// Fragment is one streamed chunk. Raw is the chunk in provider format.
type Fragment struct {
	Content string
	Raw     []byte
}

const DefaultChatPath = "/chat/completions"

type Options struct {
	BaseURL string
	// ChatPath replaces the completions path below BaseURL.
	ChatPath   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

type Client struct {
	api   *openai.Client
	model string
}

func NewClient(opts Options) *Client {
	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = opts.BaseURL

	hc := opts.HTTPClient
	if opts.ChatPath != "" && opts.ChatPath != DefaultChatPath {
		if hc == nil {
			hc = &http.Client{}
		}
		rewritten := *hc
		rt := rewritten.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		rewritten.Transport = chatPathTransport{base: rt, path: "/" + strings.TrimPrefix(opts.ChatPath, "/")}
		hc = &rewritten
	}
	if hc != nil {
		cfg.HTTPClient = hc
	}

	return &Client{
		api:   openai.NewClientWithConfig(cfg),
		model: opts.Model,
	}
}

func (c *Client) Model() string {
	return c.model
}

// StreamChat opens a streaming completion. Connection failures and non-2xx
// responses are returned directly; the returned sequence can be ranged over
// once and releases the response body when the loop ends.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (iter.Seq2[Fragment, error], error) {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	var used atomic.Bool
	return func(yield func(Fragment, error) bool) {
		if used.Swap(true) {
			yield(Fragment{}, ErrStreamConsumed)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Fragment{}, fmt.Errorf("read completion stream: %w", err))
				return
			}

			raw, err := json.Marshal(resp)
			if err != nil {
				yield(Fragment{}, err)
				return
			}

			frag := Fragment{Raw: raw}
			if len(resp.Choices) > 0 {
				frag.Content = resp.Choices[0].Delta.Content
			}
			if !yield(frag, nil) {
				return
			}
		}
	}, nil
}

// chatPathTransport swaps the fixed completions suffix the openai client
// appends for the configured chat path.
type chatPathTransport struct {
	base http.RoundTripper
	path string
}

func (t chatPathTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.HasSuffix(req.URL.Path, DefaultChatPath) {
		req = req.Clone(req.Context())
		req.URL.Path = strings.TrimSuffix(req.URL.Path, DefaultChatPath) + t.path
		req.URL.RawPath = ""
	}
	return t.base.RoundTrip(req)
}

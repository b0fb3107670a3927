// Client - adapts providers to the Backend contract.

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	jsonutil "github.com/richinex/rolecall/internal/json"
)

// Client implements Backend on top of a Provider. By default a provider is
// built per call from the call's credentials, model and parameters.
type Client struct {
	build func(ctx context.Context, params CallParams) (Provider, error)
}

// NewClient creates a Backend for the given provider type.
func NewClient(p ProviderType) *Client {
	return &Client{
		build: func(ctx context.Context, params CallParams) (Provider, error) {
			return NewProvider(ctx, p, params)
		},
	}
}

// NewProviderClient creates a Backend that always uses provider. Credentials
// and model in CallParams are ignored.
func NewProviderClient(provider Provider) *Client {
	return &Client{
		build: func(context.Context, CallParams) (Provider, error) {
			return provider, nil
		},
	}
}

// Invoke runs one call of the given kind.
func (c *Client) Invoke(ctx context.Context, kind Kind, params CallParams) (*Response, error) {
	provider, err := c.build(ctx, params)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindText:
		resp, err := provider.Chat(ctx, params.Messages)
		if err != nil {
			return nil, err
		}
		return &Response{Text: resp.Content, Usage: resp.Usage}, nil

	case KindObject:
		resp, err := provider.ChatWithFormat(ctx, params.Messages, formatFor(params.Structure))
		if err != nil {
			return nil, err
		}
		doc, err := jsonutil.ParseDocument(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("%s returned no JSON object: %w", provider.Name(), err)
		}
		return &Response{Text: resp.Content, Object: json.RawMessage(doc), Usage: resp.Usage}, nil

	case KindStreamText:
		return &Response{Stream: StartStream(ctx, provider, params.Messages, nil)}, nil

	case KindStreamObject:
		return &Response{Stream: StartStream(ctx, provider, params.Messages, formatFor(params.Structure))}, nil

	default:
		return nil, fmt.Errorf("unknown request kind: %q", kind)
	}
}

// Verify Client implements Backend
var _ Backend = (*Client)(nil)

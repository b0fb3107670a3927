// Package llm provides the uniform backend contract and the vendor adapters
// behind it.
//
// Each adapter hides:
// - API client initialization and authentication
// - Request/response format conversion
// - Provider-specific error shapes (normalized to StatusError)

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind selects how a backend produces its result.
type Kind string

const (
	KindText         Kind = "text"
	KindObject       Kind = "object"
	KindStreamText   Kind = "streamText"
	KindStreamObject Kind = "streamObject"
)

// IsStreaming reports whether results arrive incrementally.
func (k Kind) IsStreaming() bool {
	return k == KindStreamText || k == KindStreamObject
}

// IsObject reports whether the request asks for structured output.
func (k Kind) IsObject() bool {
	return k == KindObject || k == KindStreamObject
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindText, KindObject, KindStreamText, KindStreamObject:
		return k, nil
	}
	return "", fmt.Errorf("unknown request kind: %q", s)
}

// Structure describes the JSON document an object request must produce.
type Structure struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CallParams is everything one backend call needs.
type CallParams struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   uint32
	Temperature *float64
	Messages    []ChatMessage
	// Structure constrains object kinds: a schema is enforced natively, an
	// empty Structure asks for any JSON object. Nil leaves the output
	// unconstrained and the JSON is recovered from free text.
	Structure *Structure
}

// Response is what a backend returns. Exactly one of Text/Object/Stream is
// meaningful depending on the Kind requested.
type Response struct {
	Text   string
	Object json.RawMessage
	// Stream is an open handle for streaming kinds; see the stream package
	// for the shapes it may take.
	Stream any
	Usage  *Usage
}

// Backend is the uniform contract every vendor adapter implements.
type Backend interface {
	Invoke(ctx context.Context, kind Kind, params CallParams) (*Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, kind Kind, params CallParams) (*Response, error)

// Invoke calls f.
func (f BackendFunc) Invoke(ctx context.Context, kind Kind, params CallParams) (*Response, error) {
	return f(ctx, kind, params)
}

// Provider is the per-vendor chat surface the adapters are built on.
type Provider interface {
	// Name returns the provider name (for logging/debugging).
	Name() string

	// Model returns the current model being used.
	Model() string

	// Chat sends a chat completion request.
	Chat(ctx context.Context, messages []ChatMessage) (LLMResponse, error)

	// ChatWithFormat sends a chat completion request with response format.
	ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error)

	// StreamChat streams a chat completion, sending chunks to the provided channel.
	// Returns token usage (available in final chunk when supported by provider).
	StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*Usage, error)

	// StreamChatWithFormat streams a chat completion constrained to format.
	// The chunks concatenate to the JSON document. A nil format streams free text.
	StreamChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat, chunks chan<- string) (*Usage, error)
}

// Capabilities describes what a model accepts. It travels with the resolved
// backend configuration and is applied by ApplyCapabilities.
type Capabilities struct {
	// Temperature is false for models that reject a temperature parameter.
	Temperature bool
	// StructuredOutput is false for models without tool use / JSON schema output.
	StructuredOutput bool
	// SchemaInPrompt asks for the schema to be restated in the system prompt.
	SchemaInPrompt bool
}

// DefaultCapabilities is assumed for models the catalog does not know.
func DefaultCapabilities() Capabilities {
	return Capabilities{Temperature: true, StructuredOutput: true}
}

// ApplyCapabilities returns a copy of params adjusted for caps. Models
// without structured output get the structure as a prompt instruction and
// no native format.
func ApplyCapabilities(params CallParams, caps Capabilities) CallParams {
	if !caps.Temperature {
		params.Temperature = nil
	}
	if params.Structure == nil {
		return params
	}
	if caps.SchemaInPrompt || !caps.StructuredOutput {
		params.Messages = withSchemaInstruction(params.Messages, params.Structure)
	}
	if !caps.StructuredOutput {
		params.Structure = nil
	}
	return params
}

func withSchemaInstruction(messages []ChatMessage, s *Structure) []ChatMessage {
	instruction := "Respond only with a JSON document."
	if len(s.Schema) > 0 {
		instruction = "Respond only with a JSON document matching this schema:\n" + string(s.Schema)
	}

	out := make([]ChatMessage, 0, len(messages)+1)
	found := false
	for _, msg := range messages {
		if msg.Role == "system" && !found {
			msg.Content = strings.TrimSpace(msg.Content + "\n\n" + instruction)
			found = true
		}
		out = append(out, msg)
	}
	if !found {
		out = append([]ChatMessage{SystemMessage(instruction)}, out...)
	}
	return out
}

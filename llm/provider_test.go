// Adapter tests run against local HTTP servers; no network access needed.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestOpenAIErrorNormalized verifies vendor errors carry status and the
// vendor message, and never the API key.
func TestOpenAIErrorNormalized(t *testing.T) {
	testKey := "sk-test-invalid-key-12345xyz"
	srv := jsonServer(t, http.StatusTooManyRequests,
		`{"error":{"message":"Rate limit reached for requests","type":"requests","code":"rate_limit_exceeded"}}`)

	provider := NewOpenAIProvider(testKey, srv.URL+"/v1", "gpt-4o", 100, nil)
	_, err := provider.Chat(testContext(t), []ChatMessage{UserMessage("test")})
	if err == nil {
		t.Fatal("expected error")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError in chain, got %T: %v", err, err)
	}
	if statusErr.StatusCode() != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", statusErr.StatusCode())
	}
	if statusErr.Message != "Rate limit reached for requests" {
		t.Errorf("message = %q", statusErr.Message)
	}
	if strings.Contains(err.Error(), testKey) {
		t.Errorf("error message leaked API key: %v", err)
	}
	if strings.Contains(err.Error(), "Authorization:") {
		t.Errorf("error exposed Authorization header: %v", err)
	}
}

// TestAnthropicErrorNormalized verifies the message is read from the JSON body.
func TestAnthropicErrorNormalized(t *testing.T) {
	testKey := "sk-ant-REDACTED"
	srv := jsonServer(t, 529,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)

	provider := NewAnthropicProvider(testKey, srv.URL, "claude-sonnet-4-20250514", 100, nil)
	_, err := provider.Chat(testContext(t), []ChatMessage{UserMessage("test")})
	if err == nil {
		t.Fatal("expected error")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError in chain, got %T: %v", err, err)
	}
	if statusErr.StatusCode() != 529 {
		t.Errorf("status = %d, want 529", statusErr.StatusCode())
	}
	if statusErr.Message != "Overloaded" {
		t.Errorf("message = %q, want Overloaded", statusErr.Message)
	}
	if strings.Contains(err.Error(), testKey) {
		t.Errorf("error message leaked API key: %v", err)
	}
}

// TestDeepSeekUsesOpenAIAdapter verifies the DeepSeek provider's identity and endpoint override.
func TestDeepSeekUsesOpenAIAdapter(t *testing.T) {
	srv := jsonServer(t, http.StatusOK,
		`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)

	provider := NewDeepSeekProvider("key", srv.URL, "deepseek-chat", 100, nil)
	if provider.Name() != "deepseek" {
		t.Errorf("Name() = %q, want deepseek", provider.Name())
	}

	resp, err := provider.Chat(testContext(t), []ChatMessage{UserMessage("test")})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q, want hi", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 1 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestClientObjectKind(t *testing.T) {
	var gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotFormat = req.ResponseFormat.Type

		content := "```json\n{\"tasks\": [{\"title\": \"a\"}]}\n```"
		quoted, _ := json.Marshal(content)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":%s}}]}`, quoted)
	}))
	defer srv.Close()

	client := NewClient(ProviderOpenAI)
	resp, err := client.Invoke(testContext(t), KindObject, CallParams{
		APIKey:   "key",
		BaseURL:  srv.URL,
		Model:    "gpt-4o",
		Messages: []ChatMessage{UserMessage("plan")},
		Structure: &Structure{
			Name:   "plan",
			Schema: json.RawMessage(`{"type":"object","properties":{"tasks":{"type":"array"}}}`),
		},
	})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if gotFormat != "json_schema" {
		t.Errorf("response_format.type = %q, want json_schema", gotFormat)
	}
	if string(resp.Object) != `{"tasks": [{"title": "a"}]}` {
		t.Errorf("object = %s", resp.Object)
	}
}

func TestClientStreamKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	ctx := testContext(t)
	resp, err := NewClient(ProviderOpenAI).Invoke(ctx, KindStreamText, CallParams{
		APIKey:   "key",
		BaseURL:  srv.URL,
		Messages: []ChatMessage{UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}

	cs, ok := resp.Stream.(*ChunkStream)
	if !ok {
		t.Fatalf("stream type = %T, want *ChunkStream", resp.Stream)
	}

	var text strings.Builder
	for chunk := range cs.TextStream() {
		text.WriteString(chunk)
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q, want Hello", text.String())
	}
	if err := cs.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}

	usage, err := cs.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage() error: %v", err)
	}
	if usage == nil || usage.Total() != 7 {
		t.Errorf("usage = %+v, want total 7", usage)
	}
}

type scriptedProvider struct {
	chunks []string
	err    error

	mu      sync.Mutex
	formats []*ResponseFormat
}

// seen returns the format of every call so far.
func (p *scriptedProvider) seen() []*ResponseFormat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.formats
}

func (p *scriptedProvider) observe(format *ResponseFormat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.formats = append(p.formats, format)
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) Chat(ctx context.Context, messages []ChatMessage) (LLMResponse, error) {
	return LLMResponse{Content: strings.Join(p.chunks, "")}, p.err
}

func (p *scriptedProvider) ChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat) (LLMResponse, error) {
	p.observe(format)
	return p.Chat(ctx, messages)
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []ChatMessage, chunks chan<- string) (*Usage, error) {
	return p.StreamChatWithFormat(ctx, messages, nil, chunks)
}

func (p *scriptedProvider) StreamChatWithFormat(ctx context.Context, messages []ChatMessage, format *ResponseFormat, chunks chan<- string) (*Usage, error) {
	p.observe(format)
	for _, c := range p.chunks {
		select {
		case chunks <- c:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Usage{InputTokens: 1, OutputTokens: len(p.chunks)}, p.err
}

func TestChunkStreamReportsError(t *testing.T) {
	boom := errors.New("network error: connection reset")
	cs := StartStream(context.Background(), &scriptedProvider{chunks: []string{"a"}, err: boom}, nil, nil)

	for range cs.TextStream() {
	}
	if !errors.Is(cs.Err(), boom) {
		t.Errorf("Err() = %v, want %v", cs.Err(), boom)
	}
}

func TestChunkStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	many := make([]string, 100)
	for i := range many {
		many[i] = "x"
	}
	cs := StartStream(ctx, &scriptedProvider{chunks: many}, nil, nil)

	<-cs.TextStream()
	cancel()

	if !errors.Is(cs.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", cs.Err())
	}
}

func TestChunkStreamUsageHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	cs := &ChunkStream{chunks: make(chan string), done: make(chan struct{})}
	go func() {
		<-block
		close(cs.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := cs.Usage(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Usage() error = %v, want deadline exceeded", err)
	}
}

func TestProviderClientIgnoresCredentials(t *testing.T) {
	client := NewProviderClient(&scriptedProvider{chunks: []string{"{\"ok\":", "true}"}})

	resp, err := client.Invoke(context.Background(), KindObject, CallParams{})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if string(resp.Object) != `{"ok":true}` {
		t.Errorf("object = %s", resp.Object)
	}

	resp, err = client.Invoke(context.Background(), KindText, CallParams{})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if resp.Text != `{"ok":true}` {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestClientObjectWithoutJSON(t *testing.T) {
	client := NewProviderClient(&scriptedProvider{chunks: []string{"sorry, no"}})
	if _, err := client.Invoke(context.Background(), KindObject, CallParams{}); err == nil {
		t.Error("expected error for non-JSON object response")
	}
}

func TestClientUnknownKind(t *testing.T) {
	client := NewProviderClient(&scriptedProvider{})
	if _, err := client.Invoke(context.Background(), Kind("bogus"), CallParams{}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestApplyCapabilities(t *testing.T) {
	temp := 0.2
	params := CallParams{
		Temperature: &temp,
		Messages:    []ChatMessage{SystemMessage("You plan."), UserMessage("go")},
		Structure:   &Structure{Name: "plan", Schema: json.RawMessage(`{"type":"object"}`)},
	}

	got := ApplyCapabilities(params, Capabilities{Temperature: false, StructuredOutput: true, SchemaInPrompt: true})
	if got.Temperature != nil {
		t.Error("temperature should be dropped")
	}
	if !strings.HasPrefix(got.Messages[0].Content, "You plan.") || !strings.Contains(got.Messages[0].Content, `{"type":"object"}`) {
		t.Errorf("system message = %q", got.Messages[0].Content)
	}
	if len(got.Messages) != 2 {
		t.Errorf("len(messages) = %d, want 2", len(got.Messages))
	}

	// input untouched
	if params.Temperature == nil || params.Messages[0].Content != "You plan." {
		t.Error("ApplyCapabilities mutated its input")
	}
}

func TestApplyCapabilitiesAddsSystemMessage(t *testing.T) {
	params := CallParams{
		Messages:  []ChatMessage{UserMessage("go")},
		Structure: &Structure{Schema: json.RawMessage(`{"type":"array"}`)},
	}

	got := ApplyCapabilities(params, Capabilities{Temperature: true, SchemaInPrompt: true})
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", got.Messages)
	}

	same := ApplyCapabilities(params, DefaultCapabilities())
	if len(same.Messages) != 1 {
		t.Errorf("default capabilities should not touch messages: %+v", same.Messages)
	}
}

func TestParseProviderType(t *testing.T) {
	tests := []struct {
		input string
		want  ProviderType
	}{
		{"openai", ProviderOpenAI},
		{"GPT", ProviderOpenAI},
		{"claude", ProviderAnthropic},
		{"deepseek", ProviderDeepSeek},
		{"google", ProviderGemini},
	}
	for _, tt := range tests {
		got, err := ParseProviderType(tt.input)
		if err != nil {
			t.Errorf("ParseProviderType(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseProviderType(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	if _, err := ParseProviderType("mistral"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestBackendsCoverEveryProvider(t *testing.T) {
	backends := Backends()
	for _, name := range []string{"openai", "anthropic", "deepseek", "gemini"} {
		if backends[name] == nil {
			t.Errorf("missing backend %q", name)
		}
	}
}

func TestKind(t *testing.T) {
	if !KindStreamObject.IsStreaming() || !KindStreamObject.IsObject() {
		t.Error("streamObject should be streaming and object")
	}
	if KindText.IsStreaming() || KindText.IsObject() {
		t.Error("text should be neither streaming nor object")
	}
	if _, err := ParseKind("streamText"); err != nil {
		t.Errorf("ParseKind(streamText) error: %v", err)
	}
	if _, err := ParseKind("stream"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestClientStreamObjectCarriesFormat(t *testing.T) {
	provider := &scriptedProvider{chunks: []string{`{"tasks":`, `[]}`}}
	client := NewProviderClient(provider)
	schema := json.RawMessage(`{"type":"object","properties":{"tasks":{"type":"array"}}}`)

	for _, kind := range []Kind{KindStreamObject, KindStreamText} {
		resp, err := client.Invoke(context.Background(), kind, CallParams{
			Messages:  []ChatMessage{UserMessage("plan")},
			Structure: &Structure{Name: "plan", Schema: schema},
		})
		if err != nil {
			t.Fatalf("Invoke(%s) error: %v", kind, err)
		}
		cs := resp.Stream.(*ChunkStream)
		for range cs.TextStream() {
		}
		if err := cs.Err(); err != nil {
			t.Fatalf("Err() = %v", err)
		}
	}

	formats := provider.seen()
	if len(formats) != 2 {
		t.Fatalf("provider saw %d calls, want 2", len(formats))
	}
	got := formats[0]
	if got == nil || got.Type != ResponseFormatJSONSchema || got.JSONSchema == nil {
		t.Fatalf("stream object format = %+v, want json_schema", got)
	}
	if got.JSONSchema.Name != "plan" || string(got.JSONSchema.Schema) != string(schema) {
		t.Errorf("schema = %s %s", got.JSONSchema.Name, got.JSONSchema.Schema)
	}
	if formats[1] != nil {
		t.Errorf("stream text format = %+v, want nil", formats[1])
	}
}

func TestOpenAIStreamObjectSendsSchema(t *testing.T) {
	var body struct {
		Stream         bool `json:"stream"`
		ResponseFormat struct {
			Type       string `json:"type"`
			JSONSchema struct {
				Name   string          `json:"name"`
				Schema json.RawMessage `json:"schema"`
			} `json:"json_schema"`
		} `json:"response_format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", `{"tasks":[]}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	resp, err := NewClient(ProviderOpenAI).Invoke(testContext(t), KindStreamObject, CallParams{
		APIKey:   "key",
		BaseURL:  srv.URL,
		Model:    "gpt-4o",
		Messages: []ChatMessage{UserMessage("plan")},
		Structure: &Structure{
			Name:   "plan",
			Schema: json.RawMessage(`{"type":"object"}`),
		},
	})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	cs := resp.Stream.(*ChunkStream)
	var text strings.Builder
	for chunk := range cs.TextStream() {
		text.WriteString(chunk)
	}
	if err := cs.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}

	if !body.Stream {
		t.Error("request was not a streaming request")
	}
	if body.ResponseFormat.Type != "json_schema" || body.ResponseFormat.JSONSchema.Name != "plan" {
		t.Errorf("response_format = %+v", body.ResponseFormat)
	}
	if string(body.ResponseFormat.JSONSchema.Schema) != `{"type":"object"}` {
		t.Errorf("schema = %s", body.ResponseFormat.JSONSchema.Schema)
	}
	if text.String() != `{"tasks":[]}` {
		t.Errorf("text = %q", text.String())
	}
}

func TestApplyCapabilitiesWithoutStructuredOutput(t *testing.T) {
	params := CallParams{
		Messages:  []ChatMessage{SystemMessage("You plan."), UserMessage("go")},
		Structure: &Structure{Name: "plan", Schema: json.RawMessage(`{"type":"object"}`)},
	}

	got := ApplyCapabilities(params, Capabilities{Temperature: true, StructuredOutput: false})
	if got.Structure != nil {
		t.Errorf("structure should be dropped, got %+v", got.Structure)
	}
	if !strings.Contains(got.Messages[0].Content, `{"type":"object"}`) {
		t.Errorf("schema not inlined: %q", got.Messages[0].Content)
	}
	if params.Structure == nil {
		t.Error("ApplyCapabilities mutated its input")
	}

	bare := ApplyCapabilities(CallParams{
		Messages:  []ChatMessage{UserMessage("go")},
		Structure: &Structure{},
	}, Capabilities{Temperature: true})
	if bare.Structure != nil || len(bare.Messages) != 2 || bare.Messages[0].Content != "Respond only with a JSON document." {
		t.Errorf("bare structure: %+v", bare)
	}

	kept := ApplyCapabilities(params, DefaultCapabilities())
	if kept.Structure != params.Structure || len(kept.Messages) != 2 || kept.Messages[0].Content != "You plan." {
		t.Errorf("default capabilities changed params: %+v", kept)
	}
}

func TestClientObjectFormatFollowsStructure(t *testing.T) {
	provider := &scriptedProvider{chunks: []string{`{"ok": true}`}}
	client := NewProviderClient(provider)

	for _, s := range []*Structure{nil, {}} {
		if _, err := client.Invoke(context.Background(), KindObject, CallParams{Structure: s}); err != nil {
			t.Fatalf("Invoke() error: %v", err)
		}
	}

	formats := provider.seen()
	if formats[0] != nil {
		t.Errorf("nil structure format = %+v, want none", formats[0])
	}
	if formats[1] == nil || formats[1].Type != ResponseFormatJSONObject {
		t.Errorf("empty structure format = %+v, want json_object", formats[1])
	}
}

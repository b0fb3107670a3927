// Package stream turns a streamed completion into an ordered list of JSON
// items: it reads whatever stream shape the backend hands back, emits array
// elements as soon as they close, and can rebuild missing items from the
// full text once the stream is over.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// DefaultMaxBufferBytes bounds the accumulated text of one stream.
const DefaultMaxBufferBytes = 1 << 20

// Progress is passed to the progress callback after every accepted item.
type Progress struct {
	Count           int
	ExpectedTotal   int
	AccumulatedText string
	EstimatedUnits  int
}

// Config controls extraction.
type Config struct {
	// ItemPath is a dot path of object keys to the target array, e.g. "tasks".
	// Empty means the document itself is the array.
	ItemPath string
	// ExpectedTotal is the number of items the request asked for; 0 if unknown.
	ExpectedTotal int
	// MaxBufferBytes caps AccumulatedText. Defaults to DefaultMaxBufferBytes.
	MaxBufferBytes int
	// Validate filters items. Defaults to HasTitle.
	Validate func(json.RawMessage) bool
	// EstimateUnits approximates output size. Defaults to EstimateUnits.
	EstimateUnits func(string) int
	// OnProgress is called for each accepted item. Errors and panics are
	// reported through OnError and never stop extraction.
	OnProgress func(item json.RawMessage, p Progress) error
	// OnError receives non-fatal problems: malformed JSON, callback failures.
	OnError func(error)
	// FullExtractor pulls the complete item array out of a full document
	// during reconciliation. Nil disables reconciliation.
	FullExtractor func(doc string) ([]json.RawMessage, bool)
}

func (c Config) withDefaults() Config {
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if c.Validate == nil {
		c.Validate = HasTitle
	}
	if c.EstimateUnits == nil {
		c.EstimateUnits = EstimateUnits
	}
	return c
}

// HasTitle accepts items whose "title" is a non-empty string.
func HasTitle(item json.RawMessage) bool {
	title := gjson.GetBytes(item, "title")
	return title.Type == gjson.String && strings.TrimSpace(title.Str) != ""
}

// EstimateUnits approximates token count as a quarter of the character
// count, rounded up.
func EstimateUnits(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// PathExtractor returns a full-document extractor reading the array at path
// (same syntax as Config.ItemPath).
func PathExtractor(path string) func(doc string) ([]json.RawMessage, bool) {
	if path == "" {
		path = "@this"
	}
	return func(doc string) ([]json.RawMessage, bool) {
		arr := gjson.Get(doc, path)
		if !arr.IsArray() {
			return nil, false
		}
		elems := arr.Array()
		items := make([]json.RawMessage, 0, len(elems))
		for _, e := range elems {
			items = append(items, json.RawMessage(e.Raw))
		}
		return items, true
	}
}

// State is what one stream produced. Items only grow; once Consume or
// Reconcile returns, the state is not modified again by this package except
// through a later Reconcile call.
type State struct {
	Items         []json.RawMessage
	ExpectedTotal int

	text      strings.Builder
	positions int // array positions accounted for, valid or not
}

// NewState builds a state from already-collected text and items.
func NewState(text string, expectedTotal int, items ...json.RawMessage) *State {
	s := &State{ExpectedTotal: expectedTotal, Items: items, positions: len(items)}
	s.text.WriteString(text)
	return s
}

// Text returns the accumulated stream text.
func (s *State) Text() string {
	return s.text.String()
}

// ByteSize returns the size of the accumulated text in bytes.
func (s *State) ByteSize() int {
	return s.text.Len()
}

func (s *State) appendChunk(chunk string, limit int) error {
	if size := s.text.Len() + len(chunk); size > limit {
		return NewFailure(BufferExceeded, "stream buffer would grow to %d bytes, limit is %d", size, limit)
	}
	s.text.WriteString(chunk)
	return nil
}

// Extractor reads one stream into a State.
type Extractor struct {
	config Config
	logger *zap.Logger
}

// NewExtractor creates an extractor. A nil logger discards output.
func NewExtractor(config Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{config: config.withDefaults(), logger: logger}
}

// Config returns the effective configuration.
func (e *Extractor) Config() Config {
	return e.config
}

// Consume reads handle to the end. On failure the partial state is returned
// alongside the error so callers can inspect what arrived.
func (e *Extractor) Consume(ctx context.Context, handle any) (*State, error) {
	src, err := detect(handle)
	if err != nil {
		return nil, err
	}
	defer src.close()

	state := &State{ExpectedTotal: e.config.ExpectedTotal}
	sc := newScanner(e.config.ItemPath)

	for {
		chunk, ok, err := src.next(ctx)
		if err != nil {
			return state, err
		}
		if !ok {
			break
		}
		if err := state.appendChunk(chunk, e.config.MaxBufferBytes); err != nil {
			return state, err
		}

		elems, perr := sc.feed(chunk)
		for _, raw := range elems {
			e.accept(state, raw)
		}
		if perr != nil {
			e.report(fmt.Errorf("malformed JSON in stream: %w", perr))
		}
	}
	state.positions = sc.positions

	if er, ok := handle.(errReporter); ok {
		if err := er.Err(); err != nil {
			return state, WrapFailure(ProcessingFailed, err, "stream ended with an error")
		}
	}

	e.logger.Debug("stream consumed",
		zap.Int("items", len(state.Items)),
		zap.Int("expected", state.ExpectedTotal),
		zap.Int("bytes", state.ByteSize()))
	return state, nil
}

func (e *Extractor) accept(state *State, raw []byte) {
	if !json.Valid(raw) {
		e.report(fmt.Errorf("malformed array element at position %d", len(state.Items)))
		return
	}
	item := json.RawMessage(raw)
	if !e.config.Validate(item) {
		e.logger.Debug("skipping item that failed validation", zap.ByteString("item", raw))
		return
	}
	state.Items = append(state.Items, item)

	if e.config.OnProgress == nil {
		return
	}
	text := state.Text()
	e.notify(item, Progress{
		Count:           len(state.Items),
		ExpectedTotal:   state.ExpectedTotal,
		AccumulatedText: text,
		EstimatedUnits:  e.config.EstimateUnits(text),
	})
}

func (e *Extractor) notify(item json.RawMessage, p Progress) {
	defer func() {
		if r := recover(); r != nil {
			e.report(fmt.Errorf("progress callback panicked: %v", r))
		}
	}()
	if err := e.config.OnProgress(item, p); err != nil {
		e.report(fmt.Errorf("progress callback failed: %w", err))
	}
}

func (e *Extractor) report(err error) {
	e.logger.Warn("stream extraction problem", zap.Error(err))
	if e.config.OnError != nil {
		e.config.OnError(err)
	}
}

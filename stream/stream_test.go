package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func chunked(s string, size int) <-chan string {
	ch := make(chan string, len(s)/size+1)
	for len(s) > 0 {
		n := min(size, len(s))
		ch <- s[:n]
		s = s[n:]
	}
	close(ch)
	return ch
}

func taskDoc(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"id": %d, "title": "Task %d", "details": "uses [brackets] and {braces} and \"quotes\""}`, i+1, i+1)
	}
	return `{"tasks": [` + strings.Join(parts, ", ") + `], "metadata": {"totalTasks": ` + fmt.Sprint(n) + `}}`
}

func titles(t *testing.T, items []json.RawMessage) []string {
	t.Helper()
	out := make([]string, len(items))
	for i, item := range items {
		var v struct {
			Title string `json:"title"`
		}
		require.NoError(t, json.Unmarshal(item, &v))
		out[i] = v.Title
	}
	return out
}

type textHandle struct {
	ch  <-chan string
	err error
}

func (h *textHandle) TextStream() <-chan string { return h.ch }
func (h *textHandle) Err() error                { return h.err }

type eventHandle struct {
	ch chan Event
}

func (h *eventHandle) Events() <-chan Event { return h.ch }

func TestConsumeEmitsItemsInOrderAcrossChunkSizes(t *testing.T) {
	doc := taskDoc(4)
	for _, size := range []int{1, 3, 7, 64, len(doc)} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			var progress []Progress
			ex := NewExtractor(Config{
				ItemPath:      "tasks",
				ExpectedTotal: 4,
				OnProgress: func(_ json.RawMessage, p Progress) error {
					progress = append(progress, p)
					return nil
				},
			}, nil)

			state, err := ex.Consume(context.Background(), &textHandle{ch: chunked(doc, size)})
			require.NoError(t, err)

			assert.Equal(t, []string{"Task 1", "Task 2", "Task 3", "Task 4"}, titles(t, state.Items))
			assert.Equal(t, doc, state.Text())
			assert.Equal(t, len(doc), state.ByteSize())
			require.Len(t, progress, 4)
			for i, p := range progress {
				assert.Equal(t, i+1, p.Count)
				assert.Equal(t, 4, p.ExpectedTotal)
				assert.Equal(t, EstimateUnits(p.AccumulatedText), p.EstimatedUnits)
			}
		})
	}
}

func TestConsumeEmitsItemBeforeStreamEnds(t *testing.T) {
	ch := make(chan string, 4)
	got := make(chan string, 2)
	ex := NewExtractor(Config{
		ItemPath: "tasks",
		OnProgress: func(item json.RawMessage, _ Progress) error {
			got <- string(item)
			return nil
		},
	}, nil)

	ch <- `{"tasks": [{"title": "first"}`
	ch <- `, {"title": "sec`
	done := make(chan *State)
	go func() {
		state, _ := ex.Consume(context.Background(), ch)
		done <- state
	}()

	assert.Equal(t, `{"title": "first"}`, <-got)
	ch <- `ond"}]}`
	close(ch)
	state := <-done
	assert.Equal(t, []string{"first", "second"}, titles(t, state.Items))
}

func TestConsumeSkipsPreambleAndFence(t *testing.T) {
	text := "Sure, here is the plan:\n```json\n" + taskDoc(2) + "\n```\nLet me know."
	state, err := NewExtractor(Config{ItemPath: "tasks"}, nil).
		Consume(context.Background(), chunked(text, 5))
	require.NoError(t, err)
	assert.Equal(t, []string{"Task 1", "Task 2"}, titles(t, state.Items))
}

func TestConsumeRootArrayAndScalars(t *testing.T) {
	state, err := NewExtractor(Config{Validate: func(json.RawMessage) bool { return true }}, nil).
		Consume(context.Background(), chunked(`[1, "two", [3], {"n": 4}, true, null]`, 2))
	require.NoError(t, err)

	var raw []string
	for _, item := range state.Items {
		raw = append(raw, string(item))
	}
	assert.Equal(t, []string{`1`, `"two"`, `[3]`, `{"n": 4}`, `true`, `null`}, raw)
}

func TestConsumeNestedPath(t *testing.T) {
	doc := `{"plan": {"notes": ["x"], "tasks": [{"title": "a", "subtasks": [{"title": "inner"}]}]}, "tasks": [{"title": "wrong"}]}`
	state, err := NewExtractor(Config{ItemPath: "plan.tasks"}, nil).
		Consume(context.Background(), chunked(doc, 4))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, titles(t, state.Items))
}

func TestConsumeFiltersInvalidItems(t *testing.T) {
	doc := `{"tasks": [{"title": "a"}, {"title": ""}, {"name": "b"}, {"title": 3}, {"title": "c"}]}`
	state, err := NewExtractor(Config{ItemPath: "tasks"}, nil).
		Consume(context.Background(), chunked(doc, 6))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, titles(t, state.Items))
}

func TestConsumeStreamShapes(t *testing.T) {
	doc := taskDoc(2)

	seq := iter.Seq[string](func(yield func(string) bool) {
		for c := range chunked(doc, 9) {
			if !yield(c) {
				return
			}
		}
	})

	events := &eventHandle{ch: make(chan Event, 8)}
	events.ch <- Event{Type: "start"}
	events.ch <- Event{Type: EventTextDelta, Text: doc[:20]}
	events.ch <- Event{Type: EventTextDelta, Text: doc[20:]}
	events.ch <- Event{Type: EventFinish}
	close(events.ch)

	handles := map[string]any{
		"text streamer": &textHandle{ch: chunked(doc, 9)},
		"event streamer": events,
		"channel":        chunked(doc, 9),
		"iter.Seq":       seq,
		"reader":         strings.NewReader(doc),
	}
	for name, handle := range handles {
		t.Run(name, func(t *testing.T) {
			state, err := NewExtractor(Config{ItemPath: "tasks"}, nil).Consume(context.Background(), handle)
			require.NoError(t, err)
			assert.Equal(t, []string{"Task 1", "Task 2"}, titles(t, state.Items))
		})
	}
}

func TestConsumeRejectsUnknownShapes(t *testing.T) {
	ex := NewExtractor(Config{}, nil)

	_, err := ex.Consume(context.Background(), 42)
	assert.True(t, HasCode(err, NotIterable))

	_, err = ex.Consume(context.Background(), nil)
	assert.True(t, HasCode(err, NotIterable))

	_, err = ex.Consume(context.Background(), &textHandle{})
	assert.True(t, HasCode(err, NotAsyncIterable))
	assert.ErrorIs(t, err, &Failure{Code: NotAsyncIterable})
}

func TestConsumeEventErrorFails(t *testing.T) {
	h := &eventHandle{ch: make(chan Event, 2)}
	h.ch <- Event{Type: EventTextDelta, Text: `{"tasks": [`}
	h.ch <- Event{Type: EventError, Err: errors.New("connection reset")}
	close(h.ch)

	state, err := NewExtractor(Config{ItemPath: "tasks"}, nil).Consume(context.Background(), h)
	assert.True(t, HasCode(err, ProcessingFailed))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, `{"tasks": [`, state.Text())
}

func TestConsumeHandleErrorFails(t *testing.T) {
	h := &textHandle{ch: chunked(taskDoc(1), 8), err: errors.New("upstream closed")}
	_, err := NewExtractor(Config{ItemPath: "tasks"}, nil).Consume(context.Background(), h)
	assert.True(t, HasCode(err, ProcessingFailed))
}

func TestConsumeHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExtractor(Config{}, nil).Consume(ctx, make(chan string))
	assert.True(t, HasCode(err, ProcessingFailed))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBufferBound(t *testing.T) {
	const limit = 16
	ex := NewExtractor(Config{MaxBufferBytes: limit}, nil)

	exact := make(chan string, 2)
	exact <- strings.Repeat("a", limit-1)
	exact <- "b"
	close(exact)
	state, err := ex.Consume(context.Background(), exact)
	require.NoError(t, err)
	assert.Equal(t, limit, state.ByteSize())

	over := make(chan string, 2)
	over <- strings.Repeat("a", limit-1)
	over <- "bc"
	close(over)
	state, err = ex.Consume(context.Background(), over)
	assert.True(t, HasCode(err, BufferExceeded))
	assert.Equal(t, limit-1, state.ByteSize(), "rejected chunk must not be appended")
}

func TestCallbackFailuresDoNotStopParsing(t *testing.T) {
	var reported []error
	calls := 0
	ex := NewExtractor(Config{
		ItemPath: "tasks",
		OnProgress: func(json.RawMessage, Progress) error {
			calls++
			switch calls {
			case 1:
				return errors.New("ui closed")
			case 2:
				panic("boom")
			}
			return nil
		},
		OnError: func(err error) { reported = append(reported, err) },
	}, nil)

	state, err := ex.Consume(context.Background(), chunked(taskDoc(3), 10))
	require.NoError(t, err)
	assert.Len(t, state.Items, 3)
	assert.Equal(t, 3, calls)
	require.Len(t, reported, 2)
	assert.Contains(t, reported[0].Error(), "ui closed")
	assert.Contains(t, reported[1].Error(), "panicked")
}

func TestMalformedStreamIsReportedNotFatal(t *testing.T) {
	var reported []error
	ex := NewExtractor(Config{
		ItemPath: "tasks",
		OnError:  func(err error) { reported = append(reported, err) },
	}, nil)

	state, err := ex.Consume(context.Background(), chunked(`{"tasks": [{"title": "a"}, {"title": "b"]}, {"title": "c"}]}`, 4))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, titles(t, state.Items))
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "malformed JSON")
	assert.Contains(t, state.Text(), `{"title": "c"}`, "text keeps accumulating after a parse error")
}

func fullConfig() Config {
	return Config{ItemPath: "tasks", FullExtractor: PathExtractor("tasks")}
}

func TestReconcileRecoversMissingItems(t *testing.T) {
	doc := "```json\n" + taskDoc(5) + "\n```"
	streamed := []json.RawMessage{
		json.RawMessage(`{"id": 1, "title": "Task 1 (streamed)"}`),
		json.RawMessage(`{"id": 2, "title": "Task 2 (streamed)"}`),
		json.RawMessage(`{"id": 3, "title": "Task 3 (streamed)"}`),
	}
	state := NewState(doc, 5, streamed...)

	require.NoError(t, Reconcile(state, fullConfig(), nil))

	require.Len(t, state.Items, 5)
	for i := range streamed {
		assert.Same(t, &streamed[i][0], &state.Items[i][0], "streamed item %d must be kept as is", i)
	}
	assert.Equal(t, []string{"Task 1 (streamed)", "Task 2 (streamed)", "Task 3 (streamed)", "Task 4", "Task 5"}, titles(t, state.Items))
}

func TestReconcileIsIdempotent(t *testing.T) {
	state := NewState(taskDoc(5), 6,
		json.RawMessage(`{"title": "Task 1"}`),
		json.RawMessage(`{"title": "Task 2"}`))

	require.NoError(t, Reconcile(state, fullConfig(), nil))
	require.Len(t, state.Items, 5)
	require.NoError(t, Reconcile(state, fullConfig(), nil))
	assert.Len(t, state.Items, 5)
}

func TestReconcileAfterStreamUnderDelivers(t *testing.T) {
	// The stream stops mid-item, so only two items complete.
	text := `{"tasks": [{"title": "a"}, {"title": "b"}, {"title": "c`
	cfg := fullConfig()
	cfg.ExpectedTotal = 3
	state, err := NewExtractor(cfg, nil).Consume(context.Background(), chunked(text, 7))
	require.NoError(t, err)
	require.Len(t, state.Items, 2)

	require.NoError(t, Reconcile(state, cfg, nil), "partial results are kept when the full parse fails")
	assert.Equal(t, []string{"a", "b"}, titles(t, state.Items))
}

func TestReconcileFindsDocumentBehindCommentary(t *testing.T) {
	text := "Revised plan [v2}:\n```json\n" + taskDoc(3) + "\n```"
	cfg := fullConfig()
	cfg.ExpectedTotal = 3
	var reported []error
	cfg.OnError = func(err error) { reported = append(reported, err) }

	state, err := NewExtractor(cfg, nil).Consume(context.Background(), chunked(text, 6))
	require.NoError(t, err)
	assert.Empty(t, state.Items, "the stray bracket stops the incremental scan")
	require.Len(t, reported, 1)

	require.NoError(t, Reconcile(state, cfg, nil))
	assert.Equal(t, []string{"Task 1", "Task 2", "Task 3"}, titles(t, state.Items))
}

func TestEstimateUnitsCountsCharacters(t *testing.T) {
	assert.Equal(t, 0, EstimateUnits(""))
	assert.Equal(t, 2, EstimateUnits("hello"))
	// 11 characters, 13 bytes
	assert.Equal(t, 3, EstimateUnits("héllo wörld"))
}

func TestReconcileWithNothingFails(t *testing.T) {
	state := NewState(`{"tasks": [{"title": "a`, 3)
	err := Reconcile(state, fullConfig(), nil)
	assert.True(t, HasCode(err, ProcessingFailed))
}

func TestReconcileSkipsWhenNotNeeded(t *testing.T) {
	cfg := fullConfig()

	complete := NewState(taskDoc(2), 2, json.RawMessage(`{"title":"x"}`), json.RawMessage(`{"title":"y"}`))
	require.NoError(t, Reconcile(complete, cfg, nil))
	assert.Len(t, complete.Items, 2)

	unknownTotal := NewState(taskDoc(2), 0)
	require.NoError(t, Reconcile(unknownTotal, cfg, nil))
	assert.Empty(t, unknownTotal.Items)

	noExtractor := NewState(taskDoc(2), 2)
	require.NoError(t, Reconcile(noExtractor, Config{}, nil))
	assert.Empty(t, noExtractor.Items)

	empty := NewState("", 2)
	require.NoError(t, Reconcile(empty, cfg, nil))
}

func TestReconcileIgnoresNonArray(t *testing.T) {
	state := NewState(`{"tasks": {"title": "a"}}`, 2, json.RawMessage(`{"title": "a"}`))
	require.NoError(t, Reconcile(state, fullConfig(), nil))
	assert.Len(t, state.Items, 1)
}

func TestReconcileValidatesRecoveredItems(t *testing.T) {
	state := NewState(`{"tasks": [{"title": "a"}, {"title": ""}, {"title": "c"}]}`, 3, json.RawMessage(`{"title": "a"}`))
	require.NoError(t, Reconcile(state, fullConfig(), nil))
	assert.Equal(t, []string{"a", "c"}, titles(t, state.Items))

	require.NoError(t, Reconcile(state, fullConfig(), nil))
	assert.Len(t, state.Items, 2)
}

func TestFailureFormatting(t *testing.T) {
	err := WrapFailure(ProcessingFailed, errors.New("eof"), "read %s", "stream")
	assert.Equal(t, "STREAM_PROCESSING_FAILED: read stream: eof", err.Error())
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", err), &Failure{Code: ProcessingFailed})
	assert.NotErrorIs(t, err, &Failure{Code: BufferExceeded})
}

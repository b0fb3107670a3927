package stream

import (
	"go.uber.org/zap"

	jsonutil "github.com/richinex/rolecall/internal/json"
)

// NeedsReconcile reports whether the stream under-delivered and a full
// re-parse could help.
func NeedsReconcile(state *State, config Config) bool {
	return state != nil &&
		state.ExpectedTotal > 0 &&
		len(state.Items) < state.ExpectedTotal &&
		state.ByteSize() > 0 &&
		config.FullExtractor != nil
}

// Reconcile re-parses the accumulated text as one document and appends the
// items the stream missed. The document is the text without its code fence
// or, failing that, the outermost braces or brackets inside it, so commentary
// that derailed the incremental scan does not hide it. Items are matched by position: only array
// elements past those already seen are considered, so running it twice adds
// nothing the second time.
//
// If the full parse fails the error is swallowed when the stream produced at
// least one item; with zero items it is returned as STREAM_PROCESSING_FAILED.
func Reconcile(state *State, config Config, logger *zap.Logger) error {
	if !NeedsReconcile(state, config) {
		return nil
	}
	config = config.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	doc, err := jsonutil.ParseDocument(state.Text())
	if err != nil {
		if len(state.Items) > 0 {
			logger.Warn("reconciliation parse failed, keeping streamed items",
				zap.Int("items", len(state.Items)),
				zap.Int("expected", state.ExpectedTotal),
				zap.Error(err))
			return nil
		}
		return WrapFailure(ProcessingFailed, err, "no items could be recovered from the stream")
	}

	full, ok := config.FullExtractor(doc)
	if !ok {
		logger.Warn("reconciliation found no item array", zap.Int("items", len(state.Items)))
		return nil
	}

	before := len(state.Items)
	if state.positions < len(full) {
		for _, item := range full[state.positions:] {
			if config.Validate(item) {
				state.Items = append(state.Items, item)
			}
		}
		state.positions = len(full)
	}

	logger.Info("reconciled stream with full parse",
		zap.Int("streamed", before),
		zap.Int("recovered", len(state.Items)-before),
		zap.Int("expected", state.ExpectedTotal))
	return nil
}

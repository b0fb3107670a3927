// Command execution for CLI commands.
//
// Information Hiding:
// - Orchestrator and ledger setup hidden
// - Output formatting hidden

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/richinex/rolecall/config"
	"github.com/richinex/rolecall/dispatch"
	"github.com/richinex/rolecall/ledger"
	"github.com/richinex/rolecall/llm"
	"github.com/richinex/rolecall/role"
	"github.com/richinex/rolecall/stream"
)

// Options holds CLI execution options.
type Options struct {
	Role       string
	Kind       string
	ConfigPath string
	System     string
	SchemaPath string
	ItemPath   string
	Expect     int
	LedgerPath string
	Timeout    time.Duration
	Verbose    bool

	// Backends overrides the vendor adapters; nil uses llm.Backends().
	Backends map[string]llm.Backend
	// Out receives results; nil means stdout.
	Out io.Writer
}

// DefaultOptions returns default CLI options.
func DefaultOptions() Options {
	return Options{
		Role: string(role.Main),
		Kind: string(llm.KindText),
	}
}

// NewLogger builds the CLI logger: development output when verbose,
// otherwise production JSON at warn level.
func NewLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// Run sends prompt through the role sequence and prints the result.
func Run(ctx context.Context, prompt string, logger *zap.Logger, opts Options) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	kind, err := llm.ParseKind(opts.Kind)
	if err != nil {
		return err
	}

	req := dispatch.Request{
		Role:         role.Role(strings.ToLower(opts.Role)),
		CommandLabel: "run",
		Messages:     []llm.ChatMessage{llm.UserMessage(prompt)},
	}
	if opts.System != "" {
		req.Messages = append([]llm.ChatMessage{llm.SystemMessage(opts.System)}, req.Messages...)
	}
	if opts.SchemaPath != "" {
		schema, err := os.ReadFile(opts.SchemaPath)
		if err != nil {
			return fmt.Errorf("failed to read schema: %w", err)
		}
		if !json.Valid(schema) {
			return fmt.Errorf("schema %s is not valid JSON", opts.SchemaPath)
		}
		req.Structure = &llm.Structure{Name: "result", Schema: schema}
	}
	if kind.IsObject() && (opts.ItemPath != "" || opts.Expect > 0) {
		req.Extraction = &stream.Config{
			ItemPath:      opts.ItemPath,
			ExpectedTotal: opts.Expect,
			OnProgress: func(_ json.RawMessage, p stream.Progress) error {
				logger.Info("item received",
					zap.Int("count", p.Count),
					zap.Int("expected", p.ExpectedTotal),
					zap.Int("estimated_tokens", p.EstimatedUnits))
				return nil
			},
			OnError: func(err error) {
				logger.Warn("stream problem", zap.Error(err))
			},
		}
		req.StreamTimeout = opts.Timeout
	}

	backends := opts.Backends
	if backends == nil {
		backends = llm.Backends()
	}

	dopts := []dispatch.Option{dispatch.WithLogger(logger)}
	if opts.LedgerPath != "" {
		l, err := ledger.OpenSqlite(opts.LedgerPath)
		if err != nil {
			return err
		}
		defer l.Close()
		dopts = append(dopts, dispatch.WithRecorder(l))
	}

	orch := dispatch.New(backends, config.NewResolver(opts.ConfigPath), dopts...)
	res, err := orch.Run(ctx, kind, req)
	if err != nil {
		return err
	}
	return printResult(ctx, out, res)
}

func printResult(ctx context.Context, out io.Writer, res *dispatch.Result) error {
	switch payload := res.Payload.(type) {
	case stream.TextStreamer:
		for chunk := range payload.TextStream() {
			fmt.Fprint(out, chunk)
		}
		fmt.Fprintln(out)
		if r, ok := payload.(interface{ Err() error }); ok {
			if err := r.Err(); err != nil {
				return err
			}
		}
		if u, ok := payload.(interface {
			Usage(context.Context) (*llm.Usage, error)
		}); ok {
			res.Usage, _ = u.Usage(ctx)
		}
	case json.RawMessage:
		fmt.Fprintln(out, string(payload))
	case string:
		if len(res.Items) == 0 {
			fmt.Fprintln(out, payload)
		}
	default:
		fmt.Fprintf(out, "%v\n", payload)
	}

	for i, item := range res.Items {
		fmt.Fprintf(out, "[%d] %s\n", i+1, item)
	}

	fmt.Fprintf(out, "\n(role %s, %s/%s", res.Role, res.BackendID, res.ModelID)
	if res.FellBack {
		fmt.Fprint(out, ", object fallback")
	}
	if res.Usage != nil {
		fmt.Fprintf(out, ", %d in / %d out tokens", res.Usage.InputTokens, res.Usage.OutputTokens)
	}
	fmt.Fprintln(out, ")")
	return nil
}

// Roles prints the role sequence for requested and, for each role, the
// backend it currently resolves to.
func Roles(out io.Writer, requested, configPath string, logger *zap.Logger) error {
	if out == nil {
		out = os.Stdout
	}

	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	for i, r := range role.Sequence(role.Role(strings.ToLower(requested)), logger) {
		resolved, err := settings.Resolve(r)
		if err != nil {
			fmt.Fprintf(out, "%d. %-8s unavailable: %v\n", i+1, r, err)
			continue
		}
		fmt.Fprintf(out, "%d. %-8s %s/%s (max %d tokens)\n",
			i+1, r, resolved.BackendID, resolved.ModelID, resolved.Params.MaxTokens)
	}
	return nil
}

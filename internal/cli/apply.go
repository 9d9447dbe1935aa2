package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jacentio/unikey/index"
	"github.com/jacentio/unikey/store"
)

// Backends accepted by --backend.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
)

// maxLineSize bounds one JSON line of input.
const maxLineSize = 4 << 20

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Backend      string
	RedisAddr    string
	RedisPrefix  string
	AWSProfile   string
	AWSRegion    string
	Endpoint     string
	PrintMetrics bool
}

// WriteRequest is one line of apply input.
type WriteRequest struct {
	Op  string          `json:"op"`            // create | upsert | replace | delete
	ID  string          `json:"id,omitempty"`  // delete only
	Doc json.RawMessage `json:"doc,omitempty"` // create, upsert, replace
}

// Verdict is the outcome of one write.
type Verdict struct {
	Line    int    `json:"line"`
	Op      string `json:"op"`
	ID      string `json:"id,omitempty"`
	Status  int    `json:"status"`
	Version int64  `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ApplyResult holds the overall apply result.
type ApplyResult struct {
	Verdicts []Verdict `json:"verdicts"`
	Applied  int       `json:"applied"`
	Rejected int       `json:"rejected"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply [file|-]",
		Short: "Replay document writes and report each verdict",
		Long: `Apply a JSON lines file of document writes to a collection and print the verdict
of every write, in order.

Each line is an object with "op" (create, upsert, replace or delete) and either
"doc" (the document body) or "id" (delete). Blank lines and lines starting with #
are ignored. Read from stdin with "-".

With --backend redis, unique keys are held in Redis but documents are kept in
memory, so each run starts by clearing the collection's keys under --redis-prefix.

Exit codes:
  0 - All writes were applied
  1 - At least one write was rejected
  2 - Command error (bad configuration, malformed input, backend unavailable)

Examples:
  unikey apply --config people.yaml writes.jsonl
  unikey apply --config people.yaml --backend redis --redis-addr localhost:6379 writes.jsonl
  cat writes.jsonl | unikey apply --config people.yaml --backend dynamodb --format json -`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", BackendMemory, "storage backend (memory|dynamodb|redis)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "localhost:6379", "Redis address for --backend redis")
	cmd.Flags().StringVar(&opts.RedisPrefix, "redis-prefix", "", "Redis key prefix for unique key records")
	cmd.Flags().StringVar(&opts.AWSProfile, "aws-profile", "", "shared config profile for --backend dynamodb")
	cmd.Flags().StringVar(&opts.AWSRegion, "aws-region", "", "AWS region for --backend dynamodb")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "DynamoDB endpoint override, e.g. DynamoDB Local")
	cmd.Flags().BoolVar(&opts.PrintMetrics, "print-metrics", false, "print write metrics to stderr when done")

	return cmd
}

func runApply(opts *ApplyOptions, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	defer func() { _ = logger.Sync() }()

	docs, factory, closeBackend, err := openBackend(ctx, opts, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to open %s backend", opts.Backend), err)
	}
	defer closeBackend()

	reg := prometheus.NewRegistry()
	c, err := store.New(cfg, docs, factory,
		store.WithLogger(logger),
		store.WithMetrics(store.NewMetrics(reg)),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	in, closeInput, err := openInput(cmd, args)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open input", err)
	}
	defer closeInput()

	result, err := applyAll(ctx, c, in)
	if err != nil {
		return err
	}

	if opts.Format == "json" {
		err = writeJSON(cmd.OutOrStdout(), result)
	} else {
		err = writeVerdictsText(cmd.OutOrStdout(), result)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}

	if opts.PrintMetrics {
		if err := printMetrics(cmd.ErrOrStderr(), reg); err != nil {
			return WrapExitError(ExitCommandError, "failed to print metrics", err)
		}
	}

	if result.Rejected > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d writes rejected", result.Rejected, len(result.Verdicts)))
	}
	return nil
}

// openBackend builds the document store and unique index factory for --backend.
func openBackend(ctx context.Context, opts *ApplyOptions, cfg store.Config) (store.DocumentStore, index.Factory, func(), error) {
	switch opts.Backend {
	case BackendMemory:
		return store.NewMemoryDocuments(), index.MemoryFactory(), func() {}, nil

	case BackendDynamoDB:
		var loadOpts []func(*config.LoadOptions) error
		if opts.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.AWSProfile))
		}
		if opts.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(opts.AWSRegion))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.Endpoint)
			}
		})
		docs := store.NewDynamoDocuments(client, cfg.DocumentTable, cfg.Collection)
		return docs, index.DynamoFactory(client, cfg.UniqueTable), func() {}, nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("ping redis at %s: %w", opts.RedisAddr, err)
		}
		// Documents live in memory for one run, so the index starts empty too.
		if _, err := index.ClearRedis(ctx, client, opts.RedisPrefix, cfg.Collection); err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		closeFn := func() { _ = client.Close() }
		return store.NewMemoryDocuments(), index.RedisFactory(client, opts.RedisPrefix), closeFn, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown backend %q: must be one of %s, %s, %s",
		opts.Backend, BackendMemory, BackendDynamoDB, BackendRedis)
}

func openInput(cmd *cobra.Command, args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// applyAll applies every write of in, in order. Rejected writes are verdicts; malformed
// input stops the run.
func applyAll(ctx context.Context, c *store.Collection, in io.Reader) (ApplyResult, error) {
	result := ApplyResult{Verdicts: []Verdict{}}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return result, WrapExitError(ExitCommandError, fmt.Sprintf("line %d: malformed write", line), err)
		}
		v, err := applyOne(ctx, c, req)
		if err != nil {
			return result, WrapExitError(ExitCommandError, fmt.Sprintf("line %d", line), err)
		}
		v.Line = line

		result.Verdicts = append(result.Verdicts, v)
		if v.Status == 200 {
			result.Applied++
		} else {
			result.Rejected++
		}
	}
	if err := scanner.Err(); err != nil {
		return result, WrapExitError(ExitCommandError, "failed to read input", err)
	}
	return result, nil
}

func applyOne(ctx context.Context, c *store.Collection, req WriteRequest) (Verdict, error) {
	v := Verdict{Op: req.Op, ID: req.ID}

	var err error
	switch req.Op {
	case "delete":
		err = c.Delete(ctx, req.ID)
	case "create", "upsert", "replace":
		if len(req.Doc) == 0 {
			return v, fmt.Errorf("%s requires \"doc\"", req.Op)
		}
		doc, derr := store.DocumentFromJSON(req.Doc)
		if derr != nil {
			return v, derr
		}
		v.ID, _ = doc.ID()

		var item *store.Item
		switch req.Op {
		case "create":
			item, err = c.Create(ctx, doc)
		case "upsert":
			item, err = c.Upsert(ctx, doc)
		default:
			item, err = c.Replace(ctx, doc)
		}
		if item != nil {
			v.ID = item.ID
			v.Version = item.Version
		}
	default:
		return v, fmt.Errorf("unknown op %q", req.Op)
	}

	v.Status = store.StatusCode(err)
	if err != nil {
		v.Error = err.Error()
	}
	return v, nil
}

func writeVerdictsText(w io.Writer, result ApplyResult) error {
	for _, v := range result.Verdicts {
		var err error
		switch {
		case v.Error != "":
			_, err = fmt.Fprintf(w, "line %d: %s %s -> %d %s\n", v.Line, v.Op, v.ID, v.Status, v.Error)
		case v.Version > 0:
			_, err = fmt.Fprintf(w, "line %d: %s %s -> %d v%d\n", v.Line, v.Op, v.ID, v.Status, v.Version)
		default:
			_, err = fmt.Fprintf(w, "line %d: %s %s -> %d\n", v.Line, v.Op, v.ID, v.Status)
		}
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d applied, %d rejected\n", result.Applied, result.Rejected)
	return err
}

func printMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"hybridrag/internal/config"
	"hybridrag/internal/domain"
	"hybridrag/internal/logging"
	"hybridrag/internal/service"
	"hybridrag/internal/tui"
)

const usage = `Usage: rag [--config=config.yaml] <command> [args]

Commands:
  ingest <file...>            chunk, embed and store text files
  query [--top-k=N] <words>   rank stored chunks against a question
  stats                       show chunk and document counts
  delete <doc>                remove every chunk of a document
  clear                       remove all chunks
  tui                         interactive search
`

// cliCaller is the caller id the command line uses for rate limiting.
const cliCaller = "cli"

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	docColor  = color.New(color.FgCyan, color.Bold)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		errColor.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rag", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ~/.config/rag/config.yaml if not provided)")
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, stderr)
	if err != nil {
		return err
	}

	svc, closeStore, err := buildService(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("closing store")
		}
	}()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "ingest":
		return runIngest(ctx, svc, cmdArgs, stdout, log)
	case "query":
		return runQuery(ctx, svc, cmdArgs, cfg.Retrieval.TopK, stdout, stderr)
	case "stats":
		return runStats(ctx, svc, stdout)
	case "delete":
		if len(cmdArgs) != 1 {
			return errors.New("usage: rag delete <doc>")
		}
		n, err := svc.DeleteDocument(ctx, cmdArgs[0])
		if err != nil {
			return err
		}
		okColor.Fprintf(stdout, "removed %d chunks of %s\n", n, cmdArgs[0])
		return nil
	case "clear":
		if err := svc.Clear(ctx); err != nil {
			return err
		}
		okColor.Fprintln(stdout, "store cleared")
		return nil
	case "tui":
		return runTUI(ctx, svc, cfg.Retrieval.TopK)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runIngest(ctx context.Context, svc *service.RAGServiceImpl, paths []string, stdout io.Writer, log zerolog.Logger) error {
	if len(paths) == 0 {
		return errors.New("usage: rag ingest <file...>")
	}
	var files []string
	for _, p := range paths {
		matches, _ := filepath.Glob(p)
		if matches == nil {
			matches = []string{p}
		}
		files = append(files, matches...)
	}
	failed := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		doc := filepath.Base(f)
		res, err := ingestWithLimit(ctx, svc, doc, string(data), stdout)
		if errors.Is(err, domain.ErrEmptyInput) {
			warnColor.Fprintf(stdout, "%s: empty, skipped\n", doc)
			continue
		}
		if err != nil {
			return fmt.Errorf("ingest %s: %w", f, err)
		}
		line := fmt.Sprintf("%s: %d/%d chunks stored", docColor.Sprint(doc), res.ChunksCreated, res.ChunksTotal)
		if res.FailedChunks > 0 {
			failed += res.FailedChunks
			line += warnColor.Sprintf(" (%d failed)", res.FailedChunks)
		}
		fmt.Fprintln(stdout, line)
	}
	if failed > 0 {
		log.Warn().Int("failed_chunks", failed).Msg("some chunks could not be embedded")
	}
	return nil
}

// ingestWithLimit ingests doc as the cli caller, waiting out the ingest rate
// limit instead of failing the remaining files.
func ingestWithLimit(ctx context.Context, svc *service.RAGServiceImpl, doc, text string, stdout io.Writer) (domain.IngestResult, error) {
	for {
		res, err := svc.IngestAs(ctx, cliCaller, doc, text)
		var rl *domain.RateLimitError
		if !errors.As(err, &rl) {
			return res, err
		}
		warnColor.Fprintf(stdout, "%s: rate limited, waiting %s\n", doc, rl.RetryAfter.Round(time.Second))
		t := time.NewTimer(rl.RetryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-t.C:
		}
	}
}

func runQuery(ctx context.Context, svc *service.RAGServiceImpl, args []string, defaultTopK int, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	topK := fs.Int("top-k", defaultTopK, "number of results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	question := strings.Join(fs.Args(), " ")
	res, err := svc.Query(ctx, question, *topK)
	if err != nil {
		return err
	}
	if len(res) == 0 {
		warnColor.Fprintln(stdout, "no results")
		return nil
	}
	for i, r := range res {
		fmt.Fprintf(stdout, "%d. %s  hybrid=%.3f semantic=%.3f keyword=%.3f\n",
			i+1, docColor.Sprint(r.Doc), r.Hybrid, r.Semantic, r.Keyword)
		fmt.Fprintf(stdout, "   %s\n\n", strings.ReplaceAll(strings.TrimSpace(r.Text), "\n", "\n   "))
	}
	return nil
}

func runStats(ctx context.Context, svc *service.RAGServiceImpl, stdout io.Writer) error {
	st, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "chunks:    %d\ndocuments: %d\n", st.ChunkCount, st.DocumentCount)
	if st.SkippedRecords > 0 {
		warnColor.Fprintf(stdout, "skipped:   %d invalid records\n", st.SkippedRecords)
	}
	return nil
}

func runTUI(ctx context.Context, svc *service.RAGServiceImpl, topK int) error {
	st, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	summary := fmt.Sprintf("%d chunks from %d documents", st.ChunkCount, st.DocumentCount)
	m := tui.New(ctx, svc, summary, topK)
	_, err = tea.NewProgram(m, tea.WithContext(ctx)).Run()
	return err
}

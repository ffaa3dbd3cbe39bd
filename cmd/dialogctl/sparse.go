package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/sparse"
)

func init() {
	sparseCmd.AddCommand(sparseFitCmd)
	sparseCmd.AddCommand(sparseInfoCmd)
	rootCmd.AddCommand(sparseCmd)
}

var sparseCmd = &cobra.Command{
	Use:   "sparse",
	Short: "Sparse encoder maintenance",
	Long: `Fit or inspect the TF-IDF sparse encoder used for hybrid search.

The encoder state path and limits come from the dialogd config file
(sparse.path, sparse.max_features, sparse.top_k). A running dialogd
picks up a refitted state automatically.`,
}

// sparseFitCmd fits the TF-IDF state from a text corpus
var sparseFitCmd = &cobra.Command{
	Use:   "fit [file...]",
	Short: "Fit the sparse encoder from text files or stdin",
	Long: `Fit the TF-IDF vocabulary from a corpus and persist it to the
configured state path. Each file is one document; blank-line separated
paragraphs within a file are treated as separate documents. Use - to
read a single document from stdin.

Examples:
  # Fit from exported knowledge documents
  dialogctl sparse fit export/*.txt

  # Fit from stdin
  cat corpus.txt | dialogctl sparse fit -`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSparseFit,
}

// sparseInfoCmd reports the persisted encoder state
var sparseInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show sparse encoder state",
	RunE:  runSparseInfo,
}

func newSparseEmbedder() (*sparse.Embedder, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	emb := sparse.New(sparse.Config{
		Path:        cfg.Sparse.Path,
		MaxFeatures: cfg.Sparse.MaxFeatures,
		TopK:        cfg.Sparse.TopK,
	}, zap.NewNop())
	return emb, cfg, nil
}

func runSparseFit(cmd *cobra.Command, args []string) error {
	var texts []string
	for _, arg := range args {
		var content []byte
		var err error
		if arg == "-" {
			content, err = io.ReadAll(os.Stdin)
		} else {
			content, err = os.ReadFile(arg)
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", arg, err)
		}
		texts = append(texts, splitParagraphs(string(content))...)
	}
	if len(texts) == 0 {
		return fmt.Errorf("no text to fit on")
	}

	emb, cfg, err := newSparseEmbedder()
	if err != nil {
		return err
	}
	if err := emb.Fit(texts); err != nil {
		return fmt.Errorf("fit: %w", err)
	}

	fmt.Printf("Fitted on %d documents\n", len(texts))
	fmt.Printf("State written to %s\n", cfg.Sparse.Path)
	return nil
}

func runSparseInfo(cmd *cobra.Command, args []string) error {
	emb, cfg, err := newSparseEmbedder()
	if err != nil {
		return err
	}

	fmt.Printf("State path:   %s\n", cfg.Sparse.Path)
	fmt.Printf("Max features: %d\n", cfg.Sparse.MaxFeatures)
	fmt.Printf("Top-k:        %d\n", cfg.Sparse.TopK)

	if err := emb.Load(); err != nil {
		fmt.Printf("Fitted:       no (%v)\n", err)
		return nil
	}
	fmt.Printf("Fitted:       %v\n", emb.Fitted())
	return nil
}

// splitParagraphs breaks a file into blank-line separated documents.
func splitParagraphs(content string) []string {
	var docs []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			docs = append(docs, s)
		}
		cur.Reset()
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}
	flush()
	return docs
}

// Package sparse implements a TF-IDF sparse vector encoder with a fixed,
// persistable vocabulary. Fitting is an offline operation; the running
// service only loads the persisted state and encodes queries and chunks
// against it.
package sparse

import (
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrNotFitted is returned when encoding is requested before a vocabulary
// has been fitted or loaded.
var ErrNotFitted = errors.New("sparse: embedder not fitted and no persisted vocabulary available")

const (
	defaultMaxFeatures = 50000
	defaultTopK        = 64
)

// Tokens are maximal runs of two or more word characters, Unicode-aware.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

// Vector is a sparse embedding: parallel index/value slices sorted by
// descending value.
type Vector struct {
	Indices []uint32  `json:"indexes"`
	Values  []float32 `json:"values"`
}

// Config controls vocabulary size, per-vector density and persistence.
type Config struct {
	// Path is where the fitted state is persisted. Empty disables persistence.
	Path string
	// MaxFeatures fixes the vocabulary size (default 50000).
	MaxFeatures int
	// TopK caps non-zero entries kept per vector (default 64).
	TopK int
}

// Embedder encodes texts into TF-IDF sparse vectors over unigrams and
// bigrams. Safe for concurrent use; Fit and Load swap the vocabulary under a
// write lock so encoding can continue during hot reloads.
type Embedder struct {
	mu     sync.RWMutex
	fitted bool
	vocab  map[string]uint32
	idf    []float64

	path        string
	maxFeatures int
	topK        int
	logger      *zap.Logger
}

type persistedState struct {
	MaxFeatures int
	Vocab       map[string]uint32
	IDF         []float64
}

// New creates an unfitted embedder. Call Fit or Load before encoding.
func New(cfg Config, logger *zap.Logger) *Embedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFeatures <= 0 {
		cfg.MaxFeatures = defaultMaxFeatures
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	return &Embedder{
		path:        cfg.Path,
		maxFeatures: cfg.MaxFeatures,
		topK:        cfg.TopK,
		logger:      logger,
	}
}

// Fitted reports whether a vocabulary is available.
func (e *Embedder) Fitted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fitted
}

// Fit builds the vocabulary from a corpus and persists it atomically.
//
// Terms are unigrams and bigrams; when the corpus yields more than
// MaxFeatures distinct terms, the most frequent across the corpus are kept.
// Column indices are assigned in lexicographic term order and idf uses the
// smoothed form log((1+n)/(1+df)) + 1.
func (e *Embedder) Fit(texts []string) error {
	if len(texts) == 0 {
		return errors.New("sparse: cannot fit on an empty corpus")
	}

	df := make(map[string]int)
	corpusFreq := make(map[string]int64)
	for _, text := range texts {
		counts := termCounts(text)
		for term, c := range counts {
			corpusFreq[term] += int64(c)
			df[term]++
		}
	}

	terms := make([]string, 0, len(corpusFreq))
	for term := range corpusFreq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if corpusFreq[terms[i]] != corpusFreq[terms[j]] {
			return corpusFreq[terms[i]] > corpusFreq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > e.maxFeatures {
		terms = terms[:e.maxFeatures]
	}
	sort.Strings(terms)

	vocab := make(map[string]uint32, len(terms))
	idf := make([]float64, len(terms))
	n := float64(len(texts))
	for i, term := range terms {
		vocab[term] = uint32(i)
		idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}

	e.mu.Lock()
	e.vocab = vocab
	e.idf = idf
	e.fitted = true
	e.mu.Unlock()

	if e.path == "" {
		return nil
	}
	if err := e.persist(vocab, idf); err != nil {
		return err
	}
	e.logger.Info("sparse vocabulary persisted",
		zap.String("path", e.path), zap.Int("terms", len(terms)))
	return nil
}

// Load reads persisted state. A missing file is a no-op; a corrupt file is
// tolerated and leaves the embedder unfitted.
func (e *Embedder) Load() error {
	if e.path == "" {
		return nil
	}
	f, err := os.Open(e.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open vocabulary %s: %w", e.path, err)
	}
	defer f.Close()

	var state persistedState
	if err := gob.NewDecoder(f).Decode(&state); err != nil || state.Vocab == nil {
		e.logger.Warn("persisted sparse vocabulary is corrupt, ignoring",
			zap.String("path", e.path), zap.Error(err))
		e.mu.Lock()
		e.fitted = false
		e.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	e.vocab = state.Vocab
	e.idf = state.IDF
	if state.MaxFeatures > 0 {
		e.maxFeatures = state.MaxFeatures
	}
	e.fitted = true
	e.mu.Unlock()

	e.logger.Info("sparse vocabulary loaded",
		zap.String("path", e.path), zap.Int("terms", len(state.Vocab)))
	return nil
}

// EncodeBatch encodes texts against the fitted vocabulary, lazily loading
// persisted state on first use. Each vector keeps at most TopK entries by
// descending value.
func (e *Embedder) EncodeBatch(texts []string) ([]Vector, error) {
	e.mu.RLock()
	fitted := e.fitted
	e.mu.RUnlock()
	if !fitted {
		if err := e.Load(); err != nil {
			return nil, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.fitted {
		return nil, ErrNotFitted
	}

	out := make([]Vector, len(texts))
	for i, text := range texts {
		out[i] = e.encodeRow(text)
	}
	return out, nil
}

// Encode encodes a single text.
func (e *Embedder) Encode(text string) (Vector, error) {
	vecs, err := e.EncodeBatch([]string{text})
	if err != nil {
		return Vector{}, err
	}
	return vecs[0], nil
}

// encodeRow computes one l2-normalized TF-IDF row. Caller holds e.mu.
func (e *Embedder) encodeRow(text string) Vector {
	type entry struct {
		idx uint32
		val float64
	}

	counts := termCounts(text)
	entries := make([]entry, 0, len(counts))
	var sumSquares float64
	for term, c := range counts {
		col, ok := e.vocab[term]
		if !ok {
			continue
		}
		v := float64(c) * e.idf[col]
		entries = append(entries, entry{idx: col, val: v})
		sumSquares += v * v
	}
	if len(entries) == 0 {
		return Vector{}
	}

	l2 := math.Sqrt(sumSquares)
	for i := range entries {
		entries[i].val /= l2
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].val != entries[j].val {
			return entries[i].val > entries[j].val
		}
		return entries[i].idx < entries[j].idx
	})
	if len(entries) > e.topK {
		entries = entries[:e.topK]
	}

	vec := Vector{
		Indices: make([]uint32, 0, len(entries)),
		Values:  make([]float32, 0, len(entries)),
	}
	for _, en := range entries {
		// A state fitted with a larger vocabulary than the running config
		// can carry out-of-range columns.
		if int(en.idx) >= e.maxFeatures {
			e.logger.Warn("sparse index out of range, skipping",
				zap.Uint32("index", en.idx), zap.Int("max_features", e.maxFeatures))
			continue
		}
		vec.Indices = append(vec.Indices, en.idx)
		vec.Values = append(vec.Values, float32(en.val))
	}
	return vec
}

// persist writes state to a temp file and renames it into place.
func (e *Embedder) persist(vocab map[string]uint32, idf []float64) error {
	tmp := e.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp vocabulary: %w", err)
	}
	state := persistedState{MaxFeatures: e.maxFeatures, Vocab: vocab, IDF: idf}
	if err := gob.NewEncoder(f).Encode(state); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode vocabulary: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp vocabulary: %w", err)
	}
	if err := os.Rename(tmp, e.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace vocabulary %s: %w", e.path, err)
	}
	if err := os.Chmod(e.path, 0o600); err != nil {
		e.logger.Warn("failed to tighten vocabulary permissions",
			zap.String("path", e.path), zap.Error(err))
	}
	return nil
}

// termCounts tokenizes lowercased text into unigram and bigram counts.
func termCounts(text string) map[string]int {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	counts := make(map[string]int, len(tokens)*2)
	for _, tok := range tokens {
		counts[tok]++
	}
	for i := 0; i+1 < len(tokens); i++ {
		counts[tokens[i]+" "+tokens[i+1]]++
	}
	return counts
}

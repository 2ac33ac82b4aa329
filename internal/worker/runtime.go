package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync"
)

// Model geometry. The dense model emits unit-length 384-dim vectors; the
// late-interaction model emits 48-dim token vectors, int8-quantized for
// documents with a per-doc scale.
const (
	DenseDim   = 384
	ColBERTDim = 48
)

// QueryPrefix matches the asymmetric-retrieval instruction the dense model
// was trained with; it is prepended to queries but never to documents.
const QueryPrefix = "Represent this sentence for searching relevant passages: "

// DefaultEmbedBatchSize caps in-worker batch memory.
const DefaultEmbedBatchSize = 12

// skipTokenRanges enumerates token ids excluded from MaxSim on both sides:
// punctuation and special ids the reranker was trained to ignore.
var skipTokenRanges = [][2]uint32{{2, 16}, {27, 33}, {60, 65}, {92, 95}}

func skippedTokenID(id uint32) bool {
	for _, r := range skipTokenRanges {
		if id >= r[0] && id <= r[1] {
			return true
		}
	}
	return false
}

// Runtime serves the embedding and rerank methods inside one worker
// process. It reads no model files: vectors come from the deterministic
// hash projections below, so output depends only on the input text. The
// pool sends one task at a time per worker.
type Runtime struct {
	mu     sync.Mutex
	loaded bool
}

// Local wraps a Runtime as an in-process Inference for tests and for code
// paths that do not need process isolation.
type Local struct {
	rt Runtime
}

// NewLocal creates an in-process Inference.
func NewLocal() *Local { return &Local{} }

// EmbedBatch implements Inference.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return l.rt.EmbedBatch(texts)
}

// EncodeQuery implements Inference.
func (l *Local) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	return l.rt.EncodeQuery(text)
}

// Rerank implements Inference.
func (l *Local) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	return l.rt.Rerank(query, docs)
}

// ensureLoaded marks the runtime as initialized; no model files are loaded.
func (r *Runtime) ensureLoaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = true
}

// EmbedBatch runs the dense model over a batch of texts, returning one
// unit-length DenseDim vector per text.
func (r *Runtime) EmbedBatch(texts []string) ([][]float32, error) {
	r.ensureLoaded()

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = denseEmbed(text)
	}
	return vectors, nil
}

// EncodeQuery embeds a query with the instruction prefix.
func (r *Runtime) EncodeQuery(text string) ([]float32, error) {
	r.ensureLoaded()
	return denseEmbed(QueryPrefix + text), nil
}

// Rerank scores each doc against the query with ColBERT-style MaxSim:
// score = Σ over query tokens of the max dot product against any doc token.
// Document token matrices are int8-quantized and dequantized with a per-doc
// scale before scoring. Skiplisted tokens are excluded on both sides.
func (r *Runtime) Rerank(query string, docs []string) ([]float64, error) {
	r.ensureLoaded()

	qTokens := encodeTokens(query)
	if len(qTokens) == 0 {
		return make([]float64, len(docs)), nil
	}

	scores := make([]float64, len(docs))
	for i, doc := range docs {
		quantized, scale := quantizeDoc(encodeTokens(doc))
		scores[i] = maxSim(qTokens, quantized, scale)
	}
	return scores, nil
}

// tokenVec is one token's id and its ColBERTDim embedding.
type tokenVec struct {
	id  uint32
	vec []float32
}

var wordRe = regexp.MustCompile(`[A-Za-z0-9_]+|[^\sA-Za-z0-9_]`)

// punctIDs maps single-character punctuation tokens into the skiplisted id
// ranges, mirroring how the bundled tokenizer assigns special ids.
var punctIDs = func() map[string]uint32 {
	ids := make(map[string]uint32)
	var pool []uint32
	for _, r := range skipTokenRanges {
		for id := r[0]; id <= r[1]; id++ {
			pool = append(pool, id)
		}
	}
	punct := `.,;:!?'"()[]{}<>@#$%^&*-+=/\|~` + "`"
	for i, ch := range strings.Split(punct, "") {
		ids[ch] = pool[i%len(pool)]
	}
	return ids
}()

// tokenID assigns a stable id: punctuation lands in the skiplisted ranges,
// word tokens hash into the open vocabulary above them.
func tokenID(tok string) uint32 {
	if id, ok := punctIDs[tok]; ok {
		return id
	}
	h := fnv.New32a()
	h.Write([]byte(tok))
	return 128 + h.Sum32()%(1<<24)
}

// encodeTokens tokenizes text and embeds each non-skiplisted token into a
// unit-length ColBERTDim vector.
func encodeTokens(text string) []tokenVec {
	toks := wordRe.FindAllString(strings.ToLower(text), -1)
	out := make([]tokenVec, 0, len(toks))
	for _, tok := range toks {
		id := tokenID(tok)
		if skippedTokenID(id) {
			continue
		}
		out = append(out, tokenVec{id: id, vec: hashProject(tok, ColBERTDim)})
	}
	return out
}

// quantizeDoc packs a doc's token matrix as int8 rows with one shared scale
// (maxAbs/127), matching the on-disk document representation.
func quantizeDoc(tokens []tokenVec) ([][]int8, float32) {
	var maxAbs float32
	for _, t := range tokens {
		for _, v := range t.vec {
			if a := float32(math.Abs(float64(v))); a > maxAbs {
				maxAbs = a
			}
		}
	}
	if maxAbs == 0 {
		return nil, 0
	}
	scale := maxAbs / 127

	rows := make([][]int8, len(tokens))
	for i, t := range tokens {
		row := make([]int8, len(t.vec))
		for j, v := range t.vec {
			q := math.Round(float64(v / scale))
			if q > 127 {
				q = 127
			} else if q < -127 {
				q = -127
			}
			row[j] = int8(q)
		}
		rows[i] = row
	}
	return rows, scale
}

// maxSim sums, over query tokens, the best dequantized dot product against
// any document token.
func maxSim(qTokens []tokenVec, doc [][]int8, scale float32) float64 {
	if len(doc) == 0 {
		return 0
	}
	var total float64
	for _, q := range qTokens {
		best := math.Inf(-1)
		for _, d := range doc {
			var dot float64
			for i, qv := range q.vec {
				dot += float64(qv) * float64(d[i]) * float64(scale)
			}
			if dot > best {
				best = dot
			}
		}
		total += best
	}
	return total
}

// denseEmbed produces the DenseDim document/query vector: token and
// trigram features hashed into a fixed-width projection, unit-normalized.
func denseEmbed(text string) []float32 {
	vec := make([]float32, DenseDim)

	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return vec
	}

	const (
		tokenWeight = 0.7
		ngramWeight = 0.3
	)

	for _, tok := range splitIdentifiers(text) {
		vec[hashIndex(tok, DenseDim)] += tokenWeight
	}
	for _, ng := range trigrams(text) {
		vec[hashIndex(ng, DenseDim)] += ngramWeight
	}

	normalize(vec)
	return vec
}

var identRe = regexp.MustCompile(`[A-Za-z0-9_]+`)

// splitIdentifiers tokenizes code-aware: snake_case identifiers split into
// their parts alongside the whole token. camelCase words are not split.
func splitIdentifiers(text string) []string {
	var out []string
	for _, word := range identRe.FindAllString(text, -1) {
		out = append(out, word)
		for _, part := range strings.Split(word, "_") {
			if part != word && part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func trigrams(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return ' '
	}, text)
	fields := strings.Fields(cleaned)
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			out = append(out, f)
			continue
		}
		for i := 0; i+3 <= len(f); i++ {
			out = append(out, f[i:i+3])
		}
	}
	return out
}

func hashIndex(s string, dim int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(dim))
}

// hashProject deterministically expands a token into a unit vector of the
// given width.
func hashProject(tok string, dim int) []float32 {
	vec := make([]float32, dim)
	h := fnv.New64a()
	h.Write([]byte(tok))
	state := h.Sum64()
	for i := range vec {
		// xorshift64 over the token hash gives stable pseudo-random features.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		vec[i] = float32(int64(state%2000)-1000) / 1000
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// validateBatch bounds the batch size a caller may request.
func validateBatch(n int) error {
	if n < 1 || n > 256 {
		return fmt.Errorf("batch size %d out of range [1, 256]", n)
	}
	return nil
}

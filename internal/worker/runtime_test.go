package worker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedBatch_ShapeAndNorm(t *testing.T) {
	rt := &Runtime{}

	vectors, err := rt.EmbedBatch([]string{"func main() {}", "hello world"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	for _, vec := range vectors {
		require.Len(t, vec, DenseDim)
		var sum float64
		for _, v := range vec {
			sum += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-4, "vectors must be unit length")
	}
}

func TestEmbedBatch_Deterministic(t *testing.T) {
	rt := &Runtime{}

	a, err := rt.EmbedBatch([]string{"parse config file"})
	require.NoError(t, err)
	b, err := rt.EmbedBatch([]string{"parse config file"})
	require.NoError(t, err)

	assert.Equal(t, a[0], b[0])
}

func TestEncodeQuery_PrefixChangesVector(t *testing.T) {
	rt := &Runtime{}

	query, err := rt.EncodeQuery("database connection")
	require.NoError(t, err)
	doc, err := rt.EmbedBatch([]string{"database connection"})
	require.NoError(t, err)

	assert.NotEqual(t, doc[0], query, "query encoding must apply the instruction prefix")
}

func TestRerank_RelevantDocScoresHigher(t *testing.T) {
	rt := &Runtime{}

	scores, err := rt.Rerank("open database connection", []string{
		"open the database connection and retry on failure",
		"the weather in lisbon is sunny today",
	})
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Greater(t, scores[0], scores[1])
}

func TestRerank_EmptyQueryTokens(t *testing.T) {
	rt := &Runtime{}

	// Pure punctuation tokenizes onto the skiplist and scores zero.
	scores, err := rt.Rerank("...!!!", []string{"anything"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, scores)
}

func TestSkippedTokenID_Ranges(t *testing.T) {
	for _, id := range []uint32{2, 16, 27, 33, 60, 65, 92, 95} {
		assert.True(t, skippedTokenID(id), "id %d", id)
	}
	for _, id := range []uint32{0, 1, 17, 26, 34, 59, 66, 91, 96, 128} {
		assert.False(t, skippedTokenID(id), "id %d", id)
	}
}

func TestTokenID_PunctuationLandsOnSkiplist(t *testing.T) {
	for _, tok := range []string{".", ",", "(", ")", "/"} {
		assert.True(t, skippedTokenID(tokenID(tok)), "token %q", tok)
	}
	assert.False(t, skippedTokenID(tokenID("database")))
}

func TestQuantizeDoc_RoundTripsWithinScale(t *testing.T) {
	tokens := encodeTokens("quantize these tokens precisely")
	require.NotEmpty(t, tokens)

	rows, scale := quantizeDoc(tokens)
	require.Len(t, rows, len(tokens))
	require.Greater(t, scale, float32(0))

	for i, row := range rows {
		for j, q := range row {
			reconstructed := float64(q) * float64(scale)
			assert.InDelta(t, float64(tokens[i].vec[j]), reconstructed, float64(scale)*0.51,
				"dequantized value within half a quantization step")
		}
	}
}

func TestMaxSim_IdenticalDocMaximal(t *testing.T) {
	q := encodeTokens("exact match text")
	self, scale := quantizeDoc(q)
	other, otherScale := quantizeDoc(encodeTokens("unrelated words entirely"))

	selfScore := maxSim(q, self, scale)
	otherScore := maxSim(q, other, otherScale)

	assert.Greater(t, selfScore, otherScore)
	// Each query token's best match against itself approaches 1.
	assert.InDelta(t, float64(len(q)), selfScore, 0.2)
}

func TestMaxSim_EmptyDoc(t *testing.T) {
	q := encodeTokens("query")
	assert.Equal(t, 0.0, maxSim(q, nil, 0))
}

func TestHashProject_UnitLength(t *testing.T) {
	vec := hashProject("token", ColBERTDim)
	require.Len(t, vec, ColBERTDim)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

func TestDenseEmbed_EmptyText(t *testing.T) {
	vec := denseEmbed("   ")
	require.Len(t, vec, DenseDim)
	for _, v := range vec {
		assert.Equal(t, float32(0), v)
	}
}

func TestLocal_ImplementsInference(t *testing.T) {
	var _ Inference = NewLocal()
}

func TestValidateBatch(t *testing.T) {
	assert.Error(t, validateBatch(0))
	assert.NoError(t, validateBatch(1))
	assert.NoError(t, validateBatch(DefaultEmbedBatchSize))
	assert.NoError(t, validateBatch(256))
	assert.Error(t, validateBatch(257))
}

func TestSplitIdentifiers_SnakeCase(t *testing.T) {
	parts := splitIdentifiers("parse_config_file")
	assert.Contains(t, parts, "parse_config_file")
	assert.Contains(t, parts, "parse")
	assert.Contains(t, parts, "config")
}

func TestCosineOfPrefixedQueryStillComparable(t *testing.T) {
	rt := &Runtime{}

	q, err := rt.EncodeQuery("reciprocal rank fusion")
	require.NoError(t, err)
	docs, err := rt.EmbedBatch([]string{
		"func fuseResults combines ranked lists with reciprocal rank fusion",
		"completely unrelated text about gardening tulips",
	})
	require.NoError(t, err)

	dot := func(a, b []float32) float64 {
		var s float64
		for i := range a {
			s += float64(a[i]) * float64(b[i])
		}
		return s
	}
	assert.Greater(t, dot(q, docs[0]), dot(q, docs[1]))
	assert.False(t, math.IsNaN(dot(q, docs[0])))
}

package painter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEmbeddingsGuided(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(1))

	emb, err := p.BuildEmbeddings([]string{"a cat"}, nil, 1, 7.5)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 2}, emb.Shape)

	// unconditional half first, derived from the empty prompt
	oracle := newFakeOracle()
	uncond, err := oracle.EncodeText(oracle.Tokenize("", 8))
	require.NoError(t, err)
	cond, err := oracle.EncodeText(oracle.Tokenize("a cat", 8))
	require.NoError(t, err)
	assert.Equal(t, uncond.Data, emb.Data[:len(uncond.Data)])
	assert.Equal(t, cond.Data, emb.Data[len(uncond.Data):])
}

func TestBuildEmbeddingsUnguided(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(1))

	emb, err := p.BuildEmbeddings([]string{"a cat"}, nil, 1, 1.0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2}, emb.Shape)
}

func TestBuildEmbeddingsBroadcastsSinglePrompt(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(1))

	emb, err := p.BuildEmbeddings([]string{"a cat"}, nil, 3, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3, 2}, emb.Shape)
}

func TestBuildEmbeddingsNegativePrompt(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(1))

	withNeg, err := p.BuildEmbeddings([]string{"a cat"}, []string{"blurry"}, 1, 7.5)
	require.NoError(t, err)
	withDefault, err := p.BuildEmbeddings([]string{"a cat"}, nil, 1, 7.5)
	require.NoError(t, err)

	half := len(withNeg.Data) / 2
	assert.NotEqual(t, withDefault.Data[:half], withNeg.Data[:half],
		"negative prompt should change the unconditional half")
	assert.Equal(t, withDefault.Data[half:], withNeg.Data[half:],
		"conditional half is independent of the negative prompt")
}

func TestBuildEmbeddingsErrors(t *testing.T) {
	p := NewPipeline(newFakeOracle(), testConfig(1))

	_, err := p.BuildEmbeddings(nil, nil, 1, 7.5)
	var invalid *InvalidInputError
	require.ErrorAs(t, err, &invalid)

	_, err = p.BuildEmbeddings([]string{"a", "b"}, nil, 3, 7.5)
	require.ErrorAs(t, err, &invalid)
}

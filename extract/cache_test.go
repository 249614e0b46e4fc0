package extract

import (
	"context"
	"testing"

	"github.com/siherrmann/kgrag/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachingLLMServesRepeatCallsFromCache(t *testing.T) {
	cache := storagetest.NewKV()
	calls := 0
	underlying := func(_ context.Context, prompt string, _ []Message, _ string) (string, error) {
		calls++
		return "response for " + prompt, nil
	}

	cached := CachingLLM(cache, "extract", underlying)

	r1, err := cached(context.Background(), "same prompt", nil, "")
	require.NoError(t, err)
	r2, err := cached(context.Background(), "same prompt", nil, "")
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, calls)
}

func TestCachingLLMKeysByModeAndPrompt(t *testing.T) {
	cache := storagetest.NewKV()
	calls := 0
	underlying := func(_ context.Context, prompt string, _ []Message, _ string) (string, error) {
		calls++
		return "response", nil
	}

	naive := CachingLLM(cache, "naive", underlying)
	mini := CachingLLM(cache, "mini", underlying)

	_, err := naive(context.Background(), "same prompt", nil, "")
	require.NoError(t, err)
	_, err = mini(context.Background(), "same prompt", nil, "")
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "distinct modes must not share a cache entry even for an identical prompt")
}

func TestCachingLLMNilCacheDisablesWrapping(t *testing.T) {
	calls := 0
	underlying := func(_ context.Context, _ string, _ []Message, _ string) (string, error) {
		calls++
		return "response", nil
	}

	cached := CachingLLM(nil, "extract", underlying)
	_, err := cached(context.Background(), "same prompt", nil, "")
	require.NoError(t, err)
	_, err = cached(context.Background(), "same prompt", nil, "")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliu238/vacalibration"
	"github.com/cliu238/vacalibration/cache"
	"github.com/cliu238/vacalibration/id"
	"github.com/cliu238/vacalibration/store/memory"
)

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a, err := cache.Fingerprint("calibration", json.RawMessage(`{"a":1,"b":{"y":2,"x":[1,2]}}`))
	require.NoError(t, err)
	b, err := cache.Fingerprint("calibration", json.RawMessage(" {\"b\":{\"x\":[1,2],\"y\":2},\n\"a\":1} "))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintKeepsEveryInputKey(t *testing.T) {
	// Keys that look like job metadata are ordinary inputs once they are
	// inside the document.
	for _, key := range []string{"timeout", "priority", "owner", "created_at", "max_retries", "use_cache", "job_id"} {
		a, err := cache.Fingerprint("calibration", json.RawMessage(`{"a":1,"`+key+`":5}`))
		require.NoError(t, err)
		b, err := cache.Fingerprint("calibration", json.RawMessage(`{"a":1,"`+key+`":9}`))
		require.NoError(t, err)
		assert.NotEqual(t, a, b, key)

		c, err := cache.Fingerprint("calibration", json.RawMessage(`{"a":1}`))
		require.NoError(t, err)
		assert.NotEqual(t, a, c, key)
	}
}

func TestFingerprintSeparatesSemanticChanges(t *testing.T) {
	inputs := []string{
		`{"a":1}`,
		`{"a":2}`,
		`{"a":1.0}`,
		`{"a":"1"}`,
		`{"a":1,"b":null}`,
		`{"a":[1,2]}`,
		`{"a":[2,1]}`,
		`{"nested":{"a":1}}`,
	}
	seen := make(map[string]string)
	for _, in := range inputs {
		fp, err := cache.Fingerprint("calibration", json.RawMessage(in))
		require.NoError(t, err)
		if prev, dup := seen[fp]; dup {
			t.Fatalf("%s and %s collide", prev, in)
		}
		seen[fp] = in
	}

	x, _ := cache.Fingerprint("one", json.RawMessage(`{"a":1}`))
	y, _ := cache.Fingerprint("two", json.RawMessage(`{"a":1}`))
	assert.NotEqual(t, x, y, "job name is part of the fingerprint")
}

func TestFingerprintExcludeAndInvalid(t *testing.T) {
	a, err := cache.Fingerprint("n", json.RawMessage(`{"a":1,"seed":3}`), "seed")
	require.NoError(t, err)
	b, err := cache.Fingerprint("n", json.RawMessage(`{"a":1,"seed":4}`), "seed")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = cache.Fingerprint("n", json.RawMessage(`{"a":`))
	assert.ErrorIs(t, err, vacalibration.ErrInvalidInput)
}

func TestCanonical(t *testing.T) {
	out, err := cache.Canonical(json.RawMessage(`{ "b": 1.50, "a": {"d": "<x>", "c": true} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":true,"d":"<x>"},"b":1.50}`, string(out))

	out, err = cache.Canonical(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestLookupStoreAndStats(t *testing.T) {
	ctx := context.Background()
	c := cache.New(memory.New(), cache.WithTTL(time.Hour))

	_, ok, err := c.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, ok)

	src := id.NewJobID()
	_, err = c.Store(ctx, "fp", "calibration", json.RawMessage(`{"x":42}`), src)
	require.NoError(t, err)

	e, ok, err := c.Lookup(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":42}`, string(e.Result))
	assert.Equal(t, src.String(), e.SourceJobID.String())

	// Last write wins.
	newer := id.NewJobID()
	_, err = c.Store(ctx, "fp", "calibration", json.RawMessage(`{"x":43}`), newer)
	require.NoError(t, err)
	e, _, _ = c.Lookup(ctx, "fp")
	assert.Equal(t, newer.String(), e.SourceJobID.String())

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)
	assert.Positive(t, st.ApproximateSize)
	require.NotNil(t, st.Oldest)
	require.NotNil(t, st.Newest)
	assert.EqualValues(t, 2, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
	assert.InDelta(t, 2.0/3.0, st.HitRate, 1e-9)
}

func TestClearWithPredicate(t *testing.T) {
	ctx := context.Background()
	c := cache.New(memory.New())

	for _, e := range []struct{ fp, name string }{{"a", "x"}, {"b", "x"}, {"c", "y"}} {
		_, err := c.Store(ctx, e.fp, e.name, json.RawMessage(`1`), id.NewJobID())
		require.NoError(t, err)
	}

	n, err := c.Clear(ctx, cache.ByJobName("x"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Clear(ctx, cache.And(cache.ByJobName("y"), cache.CachedBefore(time.Now().Add(-time.Hour))))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.Clear(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Count)
	assert.Nil(t, st.Oldest)
}

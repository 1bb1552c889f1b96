// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/gridrun/pkg/errors"
)

// fillAt enumerates the point at index pnum
func fillAt(t *testing.T, src Source, pnum int) map[string]string {
	t.Helper()
	point := NewPoint()
	src.Fill(pnum, point)
	return point.Values()
}

// enumerate collects all points of a finite source
func enumerate(t *testing.T, src Source) []map[string]string {
	t.Helper()
	require.NotEqual(t, LenInfinite, src.Len())
	result := make([]map[string]string, 0, src.Len())
	for pnum := 0; pnum < src.Len(); pnum++ {
		result = append(result, fillAt(t, src, pnum))
	}
	return result
}

func mustChain(t *testing.T, sources ...Source) Source {
	t.Helper()
	src, err := NewChain(sources...)
	require.NoError(t, err)
	return src
}

func mustCross(t *testing.T, sources ...Source) Source {
	t.Helper()
	src, err := NewCross(sources...)
	require.NoError(t, err)
	return src
}

func mustZipLong(t *testing.T, sources ...Source) Source {
	t.Helper()
	src, err := NewZipLong(sources...)
	require.NoError(t, err)
	return src
}

func mustRange(t *testing.T, child Source, start int, end *int) Source {
	t.Helper()
	src, err := NewRange(child, start, end)
	require.NoError(t, err)
	return src
}

func TestValuesSource_Enumeration(t *testing.T) {
	src := NewValuesSource("A", "x", "y", "z")

	assert.Equal(t, 3, src.Len())
	assert.Equal(t, map[string]string{"A": "x"}, fillAt(t, src, 0))
	assert.Equal(t, map[string]string{"A": "z"}, fillAt(t, src, 2))

	metadata, err := src.Metadata()
	require.NoError(t, err)
	assert.Equal(t, []Metadata{{Name: "A"}}, metadata)
}

func TestChain_Enumeration(t *testing.T) {
	src := mustChain(t, NewValuesSource("A", "x", "y"), NewValuesSource("B", "1"))

	assert.Equal(t, 3, src.Len())
	assert.Equal(t, map[string]string{"A": "x"}, fillAt(t, src, 0))
	assert.Equal(t, map[string]string{"A": "y"}, fillAt(t, src, 1))
	assert.Equal(t, map[string]string{"B": "1"}, fillAt(t, src, 2))
}

func TestCross_Enumeration(t *testing.T) {
	a := NewValuesSource("A", "x", "y")
	b := NewValuesSource("B", "1", "2", "3")
	src := mustCross(t, a, b)

	require.Equal(t, 6, src.Len())
	// The first child varies fastest: point p combines
	// (fill(a, p mod len(a)), fill(b, p div len(a)))
	for pnum := 0; pnum < src.Len(); pnum++ {
		expected := map[string]string{}
		for k, v := range fillAt(t, a, pnum%a.Len()) {
			expected[k] = v
		}
		for k, v := range fillAt(t, b, pnum/a.Len()) {
			expected[k] = v
		}
		assert.Equal(t, expected, fillAt(t, src, pnum), "pnum %d", pnum)
	}
}

func TestZipLong_Enumeration(t *testing.T) {
	src := mustZipLong(t, NewValuesSource("A", "x", "y"), NewValuesSource("B", "1", "2", "3"))

	require.Equal(t, 3, src.Len())
	assert.Equal(t, map[string]string{"A": "x", "B": "1"}, fillAt(t, src, 0))
	assert.Equal(t, map[string]string{"A": "y", "B": "2"}, fillAt(t, src, 1))
	// The exhausted child drops out beyond its length
	assert.Equal(t, map[string]string{"B": "3"}, fillAt(t, src, 2))
}

func TestZipShort_Enumeration(t *testing.T) {
	src, err := NewZipShort(NewValuesSource("A", "x", "y"), NewValuesSource("B", "1", "2", "3"))
	require.NoError(t, err)

	require.Equal(t, 2, src.Len())
	assert.Equal(t, map[string]string{"A": "y", "B": "2"}, fillAt(t, src, 1))
}

func TestRepeat_Enumeration(t *testing.T) {
	src := NewRepeat(NewValuesSource("A", "x", "y"), 3)

	require.Equal(t, 6, src.Len())
	assert.Equal(t, map[string]string{"A": "x"}, fillAt(t, src, 0))
	assert.Equal(t, map[string]string{"A": "y"}, fillAt(t, src, 3))
	assert.Equal(t, map[string]string{"A": "x"}, fillAt(t, src, 4))
}

func TestRange_Enumeration(t *testing.T) {
	src := mustRange(t, NewValuesSource("A", "x", "y", "z"), 1, nil)

	require.Equal(t, 2, src.Len())
	assert.Equal(t, map[string]string{"A": "y"}, fillAt(t, src, 0))
	assert.Equal(t, map[string]string{"A": "z"}, fillAt(t, src, 1))
}

func TestScenario_ParameterEnumeration(t *testing.T) {
	// cross(chain(range(A in {x,y}, 0, 1), range(A in {z}, 0, 0)),
	//       range(B in {1,2,3}, 0, 2))
	left := mustChain(t,
		mustRange(t, NewValuesSource("A", "x", "y"), 0, intPtr(1)),
		mustRange(t, NewValuesSource("A", "z"), 0, intPtr(0)))
	right := mustRange(t, NewValuesSource("B", "1", "2", "3"), 0, intPtr(2))
	src := mustCross(t, left, right)

	require.Equal(t, 9, src.Len())
	assert.Equal(t, map[string]string{"A": "y", "B": "2"}, fillAt(t, src, 4))
}

func TestEnumeration_IsBijective(t *testing.T) {
	src := mustCross(t,
		NewValuesSource("A", "x", "y"),
		mustChain(t, NewValuesSource("B", "1", "2"), NewValuesSource("B", "3")))

	points := enumerate(t, src)
	seen := make(map[string]bool)
	for _, point := range points {
		key := point["A"] + "/" + point["B"]
		assert.False(t, seen[key], "duplicate point %v", point)
		seen[key] = true
	}
	assert.Len(t, seen, src.Len())
}

func TestNormalization_NullStripAndCollapse(t *testing.T) {
	a := NewValuesSource("A", "x")

	collapsed := mustChain(t, NewNullSource(), a, NewNullSource())
	assert.Equal(t, a, collapsed, "single remaining child collapses to that child")

	empty := mustChain(t, NewNullSource(), NewNullSource())
	assert.True(t, isNull(empty), "empty multi-source collapses to null")

	zipped := mustZipLong(t, NewNullSource())
	assert.True(t, isNull(zipped))
}

func TestNormalization_Flattening(t *testing.T) {
	a := NewValuesSource("A", "x", "y")
	b := NewValuesSource("B", "1")
	c := NewValuesSource("C", "7")

	nested := mustChain(t, mustChain(t, a, b), c)
	flat := mustChain(t, a, b, c)
	assert.Equal(t, flat.Hash(), nested.Hash())
	assert.Equal(t, flat.Len(), nested.Len())

	nestedCross := mustCross(t, mustCross(t, a, b), c)
	flatCross := mustCross(t, a, b, c)
	assert.Equal(t, flatCross.Hash(), nestedCross.Hash())
}

func TestNormalization_Repeat(t *testing.T) {
	a := NewValuesSource("A", "x", "y")

	assert.Equal(t, Source(a), NewRepeat(a, 1), "repeat(s, 1) collapses to s")
	assert.True(t, isNull(NewRepeat(a, 0)), "repeat(s, 0) collapses to null")
	assert.Equal(t, Source(a), NewRepeat(a, -1), "negative repeat collapses to s")

	counter := NewCounterSource("N", 0)
	truncated := NewRepeat(counter, 4)
	assert.Equal(t, 4, truncated.Len(), "repeating an infinite child truncates it")
}

func TestNormalization_Truncate(t *testing.T) {
	a := NewValuesSource("A", "x", "y")

	assert.True(t, isNull(NewTruncate(a, 0)))
	assert.Equal(t, Source(a), NewTruncate(a, -1))

	over := NewTruncate(a, 5)
	require.Equal(t, 5, over.Len())
	assert.Equal(t, map[string]string{"A": "y"}, fillAt(t, over, 1))
	assert.Equal(t, map[string]string{}, fillAt(t, over, 3), "beyond the child the point stays empty")
}

func TestNormalization_CrossCollapsesToZip(t *testing.T) {
	a := NewValuesSource("A", "x", "y")

	single := mustCross(t, a)
	assert.Equal(t, Source(a), single)

	withCounter := mustCross(t, a, NewCounterSource("N", 0))
	assert.Equal(t, 2, withCounter.Len(), "one finite child collapses to zip semantics")
	assert.Equal(t, map[string]string{"A": "y", "N": "1"}, fillAt(t, withCounter, 1))
}

func TestNormalization_Idempotent(t *testing.T) {
	a := NewValuesSource("A", "x", "y")
	b := NewValuesSource("B", "1")

	once := mustChain(t, a, b)
	twice := mustChain(t, once)
	assert.Equal(t, once.Hash(), twice.Hash())
}

func TestChain_WrapsInfiniteChildren(t *testing.T) {
	a := NewValuesSource("A", "x", "y")
	src := mustChain(t, NewCounterSource("N", 5), a)

	require.Equal(t, 3, src.Len(), "chain(truncate(inf, 1), s) has length 1+len(s)")
	assert.Equal(t, map[string]string{"N": "5"}, fillAt(t, src, 0))
	assert.Equal(t, map[string]string{"A": "x"}, fillAt(t, src, 1))
}

func TestRange_InvertedWindowIsEmpty(t *testing.T) {
	src := mustRange(t, NewValuesSource("A", "x", "y", "z"), 2, intPtr(1))
	assert.Equal(t, 0, src.Len())
}

func TestRange_InfiniteChildNeedsEnd(t *testing.T) {
	_, err := NewRange(NewCounterSource("N", 0), 0, nil)
	require.Error(t, err)
	var paramErr *errors.ParameterError
	assert.True(t, errors.As(err, &paramErr))
}

func TestCross_ZeroLengthChild(t *testing.T) {
	src := mustCross(t, NewValuesSource("A", "x", "y"), NewValuesSource("B"), NewValuesSource("C", "7", "8"))
	assert.Equal(t, 0, src.Len())
}

func TestMetadata_CollisionRejected(t *testing.T) {
	_, err := NewCross(NewValuesSource("A", "x"), NewValuesSource("A", "y"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NewGridError(errors.ErrorCodeParameterCollision, "")))

	_, err = NewZipLong(NewValuesSource("A", "x"), NewValuesSource("A", "y"))
	require.Error(t, err)
}

func TestMetadata_ChainToleratesAgreeingDuplicates(t *testing.T) {
	src := mustChain(t, NewValuesSource("A", "x"), NewValuesSource("A", "y"))

	metadata, err := src.Metadata()
	require.NoError(t, err)
	assert.Equal(t, []Metadata{{Name: "A"}}, metadata)

	_, err = NewChain(
		NewValuesSource("A", "x"),
		NewValuesSource("A", "y").WithUntracked(true))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NewGridError(errors.ErrorCodeTrackingCollision, "")))
}

func TestHash_ContentSensitive(t *testing.T) {
	assert.Equal(t,
		NewValuesSource("A", "x", "y").Hash(),
		NewValuesSource("A", "x", "y").Hash())
	assert.NotEqual(t,
		NewValuesSource("A", "x", "y").Hash(),
		NewValuesSource("A", "x", "z").Hash())
	assert.NotEqual(t,
		mustChain(t, NewValuesSource("A", "x"), NewValuesSource("B", "1")).Hash(),
		mustCross(t, NewValuesSource("A", "x", "y"), NewValuesSource("B", "1", "2")).Hash())
}

func TestVariation_Expansion(t *testing.T) {
	src, err := NewVariation(NewValuesSource("A", "x", "y"), NewValuesSource("B", "1", "2", "3"))
	require.NoError(t, err)

	// baseline + sweep of A (1 point) + sweep of B (2 points)
	require.Equal(t, 4, src.Len())
	assert.Equal(t, map[string]string{"A": "x", "B": "1"}, fillAt(t, src, 0))
	assert.Equal(t, map[string]string{"A": "y", "B": "1"}, fillAt(t, src, 1))
	assert.Equal(t, map[string]string{"A": "x", "B": "2"}, fillAt(t, src, 2))
	assert.Equal(t, map[string]string{"A": "x", "B": "3"}, fillAt(t, src, 3))
}

func TestResync_NoChangeIsEmpty(t *testing.T) {
	src := mustZipLong(t, NewValuesSource("A", "x", "y"), NewValuesSource("B", "1", "2", "3"))

	first := src.Resync()
	assert.True(t, first.Empty())
	second := src.Resync()
	assert.True(t, second.Empty())
}

func TestScenario_ResyncGrowsLeaf(t *testing.T) {
	a := NewValuesSource("A", "x", "y")
	b := NewValuesSource("B", "1", "2", "3")
	src := mustZipLong(t, a, b)
	require.Equal(t, 3, src.Len())

	a.Update("x", "y", "x2", "y2")
	result := src.Resync()

	assert.Equal(t, 4, src.Len())
	assert.True(t, result.SizeChanged)
	assert.True(t, result.Redo.Has(2))
	assert.True(t, result.Redo.Has(3))
}

func TestResync_ChainTranslatesOffsets(t *testing.T) {
	a := NewValuesSource("A", "x", "y")
	b := NewValuesSource("B", "1", "2")
	src := mustChain(t, a, b)

	b.Update("1", "9")
	result := src.Resync()

	assert.False(t, result.SizeChanged)
	assert.Equal(t, []int{3}, result.Redo.Sorted(), "child index 1 shifts by the chain offset")
}

func TestResync_CrossTranslatesCoordinates(t *testing.T) {
	a := NewValuesSource("A", "x", "y")
	b := NewValuesSource("B", "1", "2", "3")
	src := mustCross(t, a, b)

	a.Update("x", "q")
	result := src.Resync()

	// A index 1 changed; it appears at every product index with
	// first coordinate 1
	assert.Equal(t, []int{1, 3, 5}, result.Redo.Sorted())
	assert.False(t, result.SizeChanged)
}

func TestResync_RepeatTranslatesPeriods(t *testing.T) {
	a := NewValuesSource("A", "x", "y")
	src := NewRepeat(a, 3)

	a.Update("x", "q")
	result := src.Resync()

	assert.Equal(t, []int{1, 3, 5}, result.Redo.Sorted())
}

func TestResync_RangeWindowAndSizeChange(t *testing.T) {
	a := NewValuesSource("A", "x", "y", "z")
	src := mustRange(t, a, 1, nil)
	require.Equal(t, 2, src.Len())

	a.Update("x", "y", "z", "w")
	result := src.Resync()

	assert.True(t, result.SizeChanged, "tracking end bound moved")
	assert.Equal(t, 3, src.Len())
	assert.Empty(t, result.Redo, "the appended index lies outside the old window; growth surfaces as a size change")
}

func TestResync_TruncateFiltersAndNeverResizes(t *testing.T) {
	a := NewValuesSource("A", "x", "y", "z")
	src := NewTruncate(a, 2)

	a.Update("x", "q", "z", "w")
	result := src.Resync()

	assert.False(t, result.SizeChanged)
	assert.Equal(t, []int{1}, result.Redo.Sorted(), "changes beyond the limit are filtered")
	assert.Equal(t, 2, src.Len())
}

func TestResync_UntrackedChangesAreSilent(t *testing.T) {
	a := NewValuesSource("A", "x", "y").WithUntracked(true)
	src := NewTruncate(a, 2)

	a.Update("x", "q")
	result := src.Resync()
	assert.Empty(t, result.Redo)
	assert.Empty(t, result.Disable)
}

func TestResyncResult_Merge(t *testing.T) {
	a := ResyncResult{Redo: NewPnumSet(1), Disable: NewPnumSet(2), SizeChanged: false}
	b := ResyncResult{Redo: NewPnumSet(3), Disable: NewPnumSet(2, 4), SizeChanged: true}

	a.Merge(b)
	assert.Equal(t, []int{1, 3}, a.Redo.Sorted())
	assert.Equal(t, []int{2, 4}, a.Disable.Sorted())
	assert.True(t, a.SizeChanged)
}

// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package params

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jontk/gridrun/pkg/errors"
)

// TruncateSource limits a child to its first max points. Truncating an
// infinite child is one way to make it enumerable.
type TruncateSource struct {
	child    Source
	childLen int
	max      int
}

// NewTruncate wraps a child in a length limit. truncate(s, 0) collapses to
// the null source, a negative limit collapses to the child itself.
func NewTruncate(child Source, max int) Source {
	if max == 0 {
		return NewNullSource()
	}
	if max < 0 {
		return child
	}
	return &TruncateSource{child: child, childLen: child.Len(), max: max}
}

// Len returns the truncation limit
func (s *TruncateSource) Len() int { return s.max }

// Fill delegates while the index lies inside the child; beyond the child
// the point stays empty
func (s *TruncateSource) Fill(pnum int, out *Point) {
	if s.childLen == LenInfinite || pnum < s.childLen {
		s.child.Fill(pnum, out)
	}
}

// Metadata delegates to the child
func (s *TruncateSource) Metadata() ([]Metadata, error) { return s.child.Metadata() }

// Hash combines the child hash with the truncation limit
func (s *TruncateSource) Hash() string {
	return hashOf("truncate", s.child.Hash(), strconv.Itoa(s.max))
}

// Resync filters the child sets to indices below the limit. The size of a
// truncate node never changes.
func (s *TruncateSource) Resync() ResyncResult {
	childResult := s.child.Resync()
	result := EmptyResyncResult()
	for pnum := range childResult.Redo {
		if pnum < s.max {
			result.Redo.Add(pnum)
		}
	}
	for pnum := range childResult.Disable {
		if pnum < s.max {
			result.Disable.Add(pnum)
		}
	}
	s.childLen = s.child.Len()
	return result
}

func (s *TruncateSource) String() string {
	return fmt.Sprintf("truncate(%s, %d)", s.child, s.max)
}

// RangeSource exposes the child slice [start, end]. A nil end tracks the
// end of the child across resyncs.
type RangeSource struct {
	child   Source
	start   int
	endUser *int
	end     int
}

// NewRange restricts a child to an index window. The end bound is
// inclusive; a nil end follows the child length.
func NewRange(child Source, start int, end *int) (Source, error) {
	if child.Len() == LenInfinite && end == nil {
		return nil, errors.NewParameterError(errors.ErrorCodeMalformedSubspace,
			"range over an infinite source requires an explicit end", child.String())
	}
	src := &RangeSource{child: child, start: start, endUser: end}
	src.end = src.resolveEnd()
	return src, nil
}

// Len returns the window size; an inverted window is empty
func (s *RangeSource) Len() int {
	if length := s.end - s.start + 1; length > 0 {
		return length
	}
	return 0
}

// Fill delegates with the window offset applied
func (s *RangeSource) Fill(pnum int, out *Point) {
	s.child.Fill(pnum+s.start, out)
}

// Metadata delegates to the child
func (s *RangeSource) Metadata() ([]Metadata, error) { return s.child.Metadata() }

// Hash combines the child hash with the resolved window bounds
func (s *RangeSource) Hash() string {
	return hashOf("range", s.child.Hash(), strconv.Itoa(s.start), strconv.Itoa(s.end))
}

// Resync translates child indices into the window and re-resolves a
// tracking end bound. The size changes when the resolved end moves.
func (s *RangeSource) Resync() ResyncResult {
	childResult := s.child.Resync()
	result := EmptyResyncResult()
	translate := func(source, target PnumSet) {
		for pnum := range source {
			if pnum >= s.start && pnum <= s.end {
				target.Add(pnum - s.start)
			}
		}
	}
	translate(childResult.Redo, result.Redo)
	translate(childResult.Disable, result.Disable)
	endOld := s.end
	s.end = s.resolveEnd()
	result.SizeChanged = endOld != s.end
	return result
}

func (s *RangeSource) String() string {
	if s.endUser != nil {
		return fmt.Sprintf("range(%s, %d, %d)", s.child, s.start, *s.endUser)
	}
	return fmt.Sprintf("range(%s, %d)", s.child, s.start)
}

func (s *RangeSource) resolveEnd() int {
	if s.endUser == nil {
		return s.child.Len() - 1
	}
	return *s.endUser
}

// ChainSource enumerates its children one after another
type ChainSource struct {
	children []Source
	metadata []Metadata
	lens     []int
	offsets  []int
	length   int
}

// NewChain concatenates sources. Null children are stripped, nested chains
// flatten, and infinite children are wrapped in truncate(child, 1) so the
// chain itself stays finite. Children may emit the same parameter name as
// long as its tracking status agrees.
func NewChain(sources ...Source) (Source, error) {
	children := make([]Source, 0, len(sources))
	for _, src := range stripNull(flattenChain(sources)) {
		if src.Len() == LenInfinite {
			src = NewTruncate(src, 1)
		}
		children = append(children, src)
	}
	if len(children) == 0 {
		return NewNullSource(), nil
	}
	if len(children) == 1 {
		return children[0], nil
	}
	metadata, err := mergeChainMetadata(children)
	if err != nil {
		return nil, err
	}
	src := &ChainSource{children: children, metadata: metadata}
	src.recompute()
	return src, nil
}

// Len returns the sum of the child lengths
func (s *ChainSource) Len() int { return s.length }

// Fill locates the child holding pnum and delegates with its offset removed
func (s *ChainSource) Fill(pnum int, out *Point) {
	for i, child := range s.children {
		if pnum < s.offsets[i]+s.lens[i] {
			child.Fill(pnum-s.offsets[i], out)
			return
		}
	}
}

// Metadata returns the merged child metadata, duplicates collapsed
func (s *ChainSource) Metadata() ([]Metadata, error) {
	return append([]Metadata(nil), s.metadata...), nil
}

// Hash combines the child hashes
func (s *ChainSource) Hash() string {
	return hashOf("chain", childHashes(s.children)...)
}

// Resync combines the child resyncs, shifting each child set by the new
// child offset
func (s *ChainSource) Resync() ResyncResult {
	lengthOld := s.length
	childResults := make([]ResyncResult, len(s.children))
	for i, child := range s.children {
		childResults[i] = child.Resync()
	}
	s.recompute()
	result := EmptyResyncResult()
	for i, childResult := range childResults {
		for pnum := range childResult.Redo {
			result.Redo.Add(pnum + s.offsets[i])
		}
		for pnum := range childResult.Disable {
			result.Disable.Add(pnum + s.offsets[i])
		}
	}
	result.SizeChanged = lengthOld != s.length
	return result
}

func (s *ChainSource) String() string {
	return fmt.Sprintf("chain(%s)", joinSources(s.children))
}

func (s *ChainSource) recompute() {
	s.lens = childLens(s.children)
	s.offsets = make([]int, len(s.children))
	total := 0
	for i, length := range s.lens {
		s.offsets[i] = total
		total += length
	}
	s.length = total
}

// CrossSource enumerates the cartesian product of its children. The first
// child varies fastest.
type CrossSource struct {
	children   []Source
	metadata   []Metadata
	lens       []int
	groupSizes []int
	length     int
}

// NewCross builds the cartesian product. Null children are stripped,
// nested cross products flatten, and a product with fewer than two finite
// children collapses to a zip. Children must not share parameter names.
func NewCross(sources ...Source) (Source, error) {
	children := stripNull(flattenCross(sources))
	finite := 0
	for _, src := range children {
		if src.Len() != LenInfinite {
			finite++
		}
	}
	if finite < 2 {
		return NewZipLong(children...)
	}
	metadata, err := mergeStrictMetadata(children)
	if err != nil {
		return nil, err
	}
	src := &CrossSource{children: children, metadata: metadata}
	src.recompute()
	return src, nil
}

// Len returns the product of the finite child lengths
func (s *CrossSource) Len() int { return s.length }

// Fill coordinates the children: child i sees (pnum / groupSize_i) mod
// len_i, infinite children see pnum itself
func (s *CrossSource) Fill(pnum int, out *Point) {
	for i, child := range s.children {
		switch {
		case s.lens[i] == LenInfinite:
			child.Fill(pnum, out)
		case s.lens[i] > 0:
			child.Fill((pnum/s.groupSizes[i])%s.lens[i], out)
		}
	}
}

// Metadata returns the merged child metadata
func (s *CrossSource) Metadata() ([]Metadata, error) {
	return append([]Metadata(nil), s.metadata...), nil
}

// Hash combines the child hashes
func (s *CrossSource) Hash() string {
	return hashOf("cross", childHashes(s.children)...)
}

// Resync combines the child resyncs; a changed index of child i affects
// every product index whose i-th coordinate matches
func (s *CrossSource) Resync() ResyncResult {
	lengthOld := s.length
	childResults := make([]ResyncResult, len(s.children))
	for i, child := range s.children {
		childResults[i] = child.Resync()
	}
	s.recompute()
	result := EmptyResyncResult()
	for i, childResult := range childResults {
		for pnum := range childResult.Redo {
			result.Redo.Union(s.translate(i, pnum))
		}
		for pnum := range childResult.Disable {
			result.Disable.Union(s.translate(i, pnum))
		}
	}
	result.SizeChanged = lengthOld != s.length
	return result
}

func (s *CrossSource) String() string {
	return fmt.Sprintf("cross(%s)", joinSources(s.children))
}

func (s *CrossSource) recompute() {
	s.lens = childLens(s.children)
	s.groupSizes = make([]int, len(s.children))
	groupSize := 1
	for i, length := range s.lens {
		s.groupSizes[i] = groupSize
		if length > 0 {
			groupSize *= length
		}
	}
	s.length = 1
	for _, length := range s.lens {
		if length != LenInfinite {
			s.length *= length
		}
	}
}

// translate expands a local child index into the affected product indices
func (s *CrossSource) translate(childIdx, pnum int) PnumSet {
	result := NewPnumSet()
	if s.lens[childIdx] == LenInfinite {
		if pnum < s.length {
			result.Add(pnum)
		}
		return result
	}
	for q := 0; q < s.length; q++ {
		if (q/s.groupSizes[childIdx])%s.lens[childIdx] == pnum {
			result.Add(q)
		}
	}
	return result
}

// RepeatSource enumerates its child times over
type RepeatSource struct {
	child    Source
	childLen int
	times    int
}

// NewRepeat multiplies a child. A negative count collapses to the child,
// zero to the null source, one to the child, and repeating an infinite
// child truncates it to the count instead.
func NewRepeat(child Source, times int) Source {
	if times < 0 {
		return child
	}
	if child.Len() == LenInfinite {
		return NewTruncate(child, times)
	}
	if times == 0 {
		return NewNullSource()
	}
	if times == 1 {
		return child
	}
	return &RepeatSource{child: child, childLen: child.Len(), times: times}
}

// Len returns times the child length
func (s *RepeatSource) Len() int { return s.times * s.childLen }

// Fill delegates with the index wrapped into the child
func (s *RepeatSource) Fill(pnum int, out *Point) {
	s.child.Fill(pnum%s.childLen, out)
}

// Metadata delegates to the child
func (s *RepeatSource) Metadata() ([]Metadata, error) { return s.child.Metadata() }

// Hash combines the child hash with the repetition count
func (s *RepeatSource) Hash() string {
	return hashOf("repeat", s.child.Hash(), strconv.Itoa(s.times))
}

// Resync maps each changed child index onto all of its repetitions
func (s *RepeatSource) Resync() ResyncResult {
	lengthOld := s.Len()
	childResult := s.child.Resync()
	s.childLen = s.child.Len()
	result := EmptyResyncResult()
	for i := 0; i < s.times; i++ {
		for pnum := range childResult.Redo {
			result.Redo.Add(pnum + i*s.childLen)
		}
		for pnum := range childResult.Disable {
			result.Disable.Add(pnum + i*s.childLen)
		}
	}
	result.SizeChanged = lengthOld != s.Len()
	return result
}

func (s *RepeatSource) String() string {
	return fmt.Sprintf("repeat(%s, %d)", s.child, s.times)
}

// zipSource enumerates its children in parallel. The long variant runs to
// the longest child, the short variant to the shortest.
type zipSource struct {
	children []Source
	metadata []Metadata
	lens     []int
	length   int
	short    bool
}

// NewZipLong zips sources in parallel up to the longest child
func NewZipLong(sources ...Source) (Source, error) {
	return newZip(sources, false)
}

// NewZipShort zips sources in parallel up to the shortest child
func NewZipShort(sources ...Source) (Source, error) {
	return newZip(sources, true)
}

func newZip(sources []Source, short bool) (Source, error) {
	children := stripNull(flattenZip(sources, short))
	if len(children) == 0 {
		return NewNullSource(), nil
	}
	if len(children) == 1 {
		return children[0], nil
	}
	metadata, err := mergeStrictMetadata(children)
	if err != nil {
		return nil, err
	}
	src := &zipSource{children: children, metadata: metadata, short: short}
	src.recompute()
	return src, nil
}

// Len returns the zip length over the finite children, or LenInfinite when
// every child is unbounded
func (s *zipSource) Len() int { return s.length }

// Fill delegates to every child that still enumerates pnum
func (s *zipSource) Fill(pnum int, out *Point) {
	for i, child := range s.children {
		if s.lens[i] == LenInfinite || pnum < s.lens[i] {
			child.Fill(pnum, out)
		}
	}
}

// Metadata returns the merged child metadata
func (s *zipSource) Metadata() ([]Metadata, error) {
	return append([]Metadata(nil), s.metadata...), nil
}

// Hash combines the child hashes under the zip variant tag
func (s *zipSource) Hash() string {
	return hashOf(s.kind(), childHashes(s.children)...)
}

// Resync unions the child resyncs; parallel children share the local
// index space, so no translation is needed
func (s *zipSource) Resync() ResyncResult {
	lengthOld := s.length
	result := EmptyResyncResult()
	for _, child := range s.children {
		result.Merge(child.Resync())
	}
	s.recompute()
	result.SizeChanged = lengthOld != s.length
	return result
}

func (s *zipSource) String() string {
	return fmt.Sprintf("%s(%s)", s.kind(), joinSources(s.children))
}

func (s *zipSource) kind() string {
	if s.short {
		return "szip"
	}
	return "zip"
}

func (s *zipSource) recompute() {
	s.lens = childLens(s.children)
	s.length = LenInfinite
	for _, length := range s.lens {
		if length == LenInfinite {
			continue
		}
		if s.length == LenInfinite {
			s.length = length
			continue
		}
		if s.short && length < s.length {
			s.length = length
		} else if !s.short && length > s.length {
			s.length = length
		}
	}
}

// VariationSource sweeps one axis at a time: a single all-central tuple
// followed, per finite child, by a branch varying only that child while
// the other axes hold their first value.
type VariationSource struct {
	expanded Source
	raw      []Source
}

// NewVariation builds the axis sweep from the given sources
func NewVariation(sources ...Source) (Source, error) {
	children := stripNull(sources)
	central := make([]Source, len(children))
	for i, src := range children {
		rng, err := NewRange(src, 0, intPtr(0))
		if err != nil {
			return nil, err
		}
		central[i] = rng
	}
	baseline, err := NewZipLong(central...)
	if err != nil {
		return nil, err
	}
	branches := []Source{baseline}
	for i, src := range children {
		if src.Len() == LenInfinite {
			continue
		}
		branch := make([]Source, len(central))
		copy(branch, central)
		swept, err := NewRange(src, 1, nil)
		if err != nil {
			return nil, err
		}
		branch[i] = swept
		crossed, err := NewCross(branch...)
		if err != nil {
			return nil, err
		}
		branches = append(branches, crossed)
	}
	expanded, err := NewChain(branches...)
	if err != nil {
		return nil, err
	}
	return &VariationSource{expanded: expanded, raw: children}, nil
}

// Len delegates to the expansion
func (s *VariationSource) Len() int { return s.expanded.Len() }

// Fill delegates to the expansion
func (s *VariationSource) Fill(pnum int, out *Point) { s.expanded.Fill(pnum, out) }

// Metadata delegates to the expansion
func (s *VariationSource) Metadata() ([]Metadata, error) { return s.expanded.Metadata() }

// Hash delegates to the expansion: a variation hashes like the
// chain/cross/range tree it is composed of
func (s *VariationSource) Hash() string { return s.expanded.Hash() }

// Resync delegates to the expansion
func (s *VariationSource) Resync() ResyncResult { return s.expanded.Resync() }

func (s *VariationSource) String() string {
	return fmt.Sprintf("variation(%s)", joinSources(s.raw))
}

// intPtr returns a pointer to the given bound
func intPtr(value int) *int { return &value }

func childLens(children []Source) []int {
	lens := make([]int, len(children))
	for i, child := range children {
		lens[i] = child.Len()
	}
	return lens
}

func childHashes(children []Source) []string {
	hashes := make([]string, len(children))
	for i, child := range children {
		hashes[i] = child.Hash()
	}
	return hashes
}

func joinSources(children []Source) string {
	parts := make([]string, len(children))
	for i, child := range children {
		parts[i] = child.String()
	}
	return strings.Join(parts, ", ")
}

func flattenChain(sources []Source) []Source {
	result := make([]Source, 0, len(sources))
	for _, src := range sources {
		if nested, ok := src.(*ChainSource); ok {
			result = append(result, nested.children...)
		} else {
			result = append(result, src)
		}
	}
	return result
}

func flattenCross(sources []Source) []Source {
	result := make([]Source, 0, len(sources))
	for _, src := range sources {
		if nested, ok := src.(*CrossSource); ok {
			result = append(result, nested.children...)
		} else {
			result = append(result, src)
		}
	}
	return result
}

func flattenZip(sources []Source, short bool) []Source {
	result := make([]Source, 0, len(sources))
	for _, src := range sources {
		if nested, ok := src.(*zipSource); ok && nested.short == short {
			result = append(result, nested.children...)
		} else {
			result = append(result, src)
		}
	}
	return result
}

// mergeStrictMetadata merges child metadata and rejects any parameter name
// emitted by more than one child
func mergeStrictMetadata(children []Source) ([]Metadata, error) {
	seen := make(map[string]Source)
	var merged []Metadata
	for _, child := range children {
		metadata, err := child.Metadata()
		if err != nil {
			return nil, err
		}
		for _, md := range metadata {
			if other, ok := seen[md.Name]; ok {
				return nil, errors.NewParameterError(errors.ErrorCodeParameterCollision,
					fmt.Sprintf("collision of parameter %s between %s and %s", md.Name, child, other),
					child.String())
			}
			seen[md.Name] = child
			merged = append(merged, md)
		}
	}
	return merged, nil
}

// mergeChainMetadata merges child metadata for a chain: repeated names are
// collapsed and tolerated as long as their tracking status agrees
func mergeChainMetadata(children []Source) ([]Metadata, error) {
	seen := make(map[string]bool)
	emitters := make(map[string][]Source)
	var merged []Metadata
	for _, child := range children {
		metadata, err := child.Metadata()
		if err != nil {
			return nil, err
		}
		for _, md := range metadata {
			if untracked, ok := seen[md.Name]; ok {
				if untracked != md.Untracked {
					return nil, errors.NewParameterError(errors.ErrorCodeTrackingCollision,
						fmt.Sprintf("collision of tracking status for parameter %s between %s and %s",
							md.Name, child, joinSources(emitters[md.Name])),
						child.String())
				}
			} else {
				seen[md.Name] = md.Untracked
				merged = append(merged, md)
			}
			emitters[md.Name] = append(emitters[md.Name], child)
		}
	}
	return merged, nil
}

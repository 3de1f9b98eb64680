package calltip

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resolverTestSource = `package widget

// Widget wraps a frobbable thing.
type Widget struct{}

// Frob frobs the widget.
// @tips Do X
// @tips Do Y
func (w *Widget) Frob(n int) *Widget {
	return w
}

// Done finishes the sequence.
// @tips Finish it
func (w *Widget) Done() {}

// Bare has documentation but no tags.
func (w *Widget) Bare() {}

func use() {
	w := &Widget{}
	w.Frob(1)
	w.Frob(2).Done()
	w.Bare()
	s := "w.Frob(3)"
	_ = s
	// w.Frob(4)
}
`

// writeResolverTestModule materializes a minimal module so go/packages can
// type-check it, and returns the absolute path of the source file.
func writeResolverTestModule(t *testing.T, source string) string {
	t.Helper()
	dir := t.TempDir()
	gomod := "module example.com/widget\n\ngo 1.21\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte(gomod), 0644))
	file := filepath.Join(dir, "widget.go")
	require.NoError(t, os.WriteFile(file, []byte(source), 0644))
	return file
}

// offsetAfter returns the byte offset just past the given fragment, i.e. the
// offset reported when the user has just typed the fragment's last character.
func offsetAfter(t *testing.T, source, fragment string) int {
	t.Helper()
	idx := strings.Index(source, fragment)
	require.GreaterOrEqual(t, idx, 0, "fragment %q not found", fragment)
	return idx + len(fragment)
}

func newTestResolver(t *testing.T) *CallResolver {
	t.Helper()
	r := NewCallResolver(time.Minute, testLogger(t))
	t.Cleanup(r.Close)
	return r
}

func TestCallResolver_DetectCompletedCall(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	file := writeResolverTestModule(t, resolverTestSource)
	r := newTestResolver(t)

	offset := offsetAfter(t, resolverTestSource, "w.Frob(1)")
	site := r.Detect(context.Background(), file, nil, 1, offset)
	require.NotNil(t, site)
	require.NotNil(t, site.Decl)

	assert.Equal(t, "Frob", site.Decl.Name)
	assert.Equal(t, "go", site.Decl.Language)
	assert.Contains(t, string(site.Decl.Signature), "Frob(int)")
	assert.Contains(t, string(site.Decl.Signature), "example.com/widget")
	assert.Contains(t, site.Decl.Doc, "@tips Do X")
	assert.Nil(t, site.Chain, "a single call is not a chain")
}

func TestCallResolver_DetectFeedsExtractor(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	file := writeResolverTestModule(t, resolverTestSource)
	r := newTestResolver(t)

	offset := offsetAfter(t, resolverTestSource, "w.Frob(1)")
	site := r.Detect(context.Background(), file, nil, 1, offset)
	require.NotNil(t, site)

	e := NewAnnotationExtractor(DefaultStrategies(testLogger(t)), []string{"tips"}, false, testLogger(t))
	content, ok, err := e.Extract(site.Decl)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Do X\n\nDo Y", content.Text)
	assert.Equal(t, FormatPlainText, content.Format)
}

func TestCallResolver_FluentChainOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	file := writeResolverTestModule(t, resolverTestSource)
	r := newTestResolver(t)

	offset := offsetAfter(t, resolverTestSource, "w.Frob(2).Done()")
	site := r.Detect(context.Background(), file, nil, 1, offset)
	require.NotNil(t, site)
	assert.Equal(t, "Done", site.Decl.Name, "the triggering call is the last in the chain")

	require.Len(t, site.Chain, 2)
	assert.Equal(t, "Frob", site.Chain[0].Decl.Name, "chain lists calls first-called to last-called")
	assert.Equal(t, "Done", site.Chain[1].Decl.Name)
}

func TestCallResolver_UntaggedDeclarationStillResolves(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	file := writeResolverTestModule(t, resolverTestSource)
	r := newTestResolver(t)

	offset := offsetAfter(t, resolverTestSource, "w.Bare()")
	site := r.Detect(context.Background(), file, nil, 1, offset)
	require.NotNil(t, site)

	e := NewAnnotationExtractor(DefaultStrategies(testLogger(t)), []string{"tips"}, false, testLogger(t))
	_, ok, err := e.Extract(site.Decl)
	require.NoError(t, err)
	assert.False(t, ok, "documented but untagged declarations produce no tip")
}

func TestCallResolver_SuppressesStringLiteral(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	file := writeResolverTestModule(t, resolverTestSource)
	r := newTestResolver(t)

	offset := offsetAfter(t, resolverTestSource, "w.Frob(3)")
	assert.Nil(t, r.Detect(context.Background(), file, nil, 1, offset), "call text inside a string literal must not trigger")
}

func TestCallResolver_SuppressesComment(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	file := writeResolverTestModule(t, resolverTestSource)
	r := newTestResolver(t)

	offset := offsetAfter(t, resolverTestSource, "w.Frob(4)")
	assert.Nil(t, r.Detect(context.Background(), file, nil, 1, offset), "call text inside a comment must not trigger")
}

func TestCallResolver_NoCallAtOffset(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	file := writeResolverTestModule(t, resolverTestSource)
	r := newTestResolver(t)

	offset := offsetAfter(t, resolverTestSource, "w := &Widget{}")
	assert.Nil(t, r.Detect(context.Background(), file, nil, 1, offset))
}

func TestCallResolver_OffsetOutOfRange(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	file := writeResolverTestModule(t, resolverTestSource)
	r := newTestResolver(t)

	assert.Nil(t, r.Detect(context.Background(), file, nil, 1, 0))
	assert.Nil(t, r.Detect(context.Background(), file, nil, 1, len(resolverTestSource)+10))
}

func TestCallResolver_IncompleteCall(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	broken := strings.Replace(resolverTestSource, "w.Frob(1)", "w.Frob(1", 1)
	file := writeResolverTestModule(t, broken)
	r := newTestResolver(t)

	offset := offsetAfter(t, broken, "w.Frob(1")
	assert.Nil(t, r.Detect(context.Background(), file, nil, 1, offset), "a call with an unbalanced argument list must not resolve")
}

func TestCallResolver_ResolvesUnsavedBuffer(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	// On disk the triggering call does not exist; only the unsaved buffer
	// contains it.
	onDisk := strings.Replace(resolverTestSource, "w.Frob(1)", "_ = w", 1)
	file := writeResolverTestModule(t, onDisk)
	r := newTestResolver(t)

	buffer := []byte(resolverTestSource)
	offset := offsetAfter(t, resolverTestSource, "w.Frob(1)")
	site := r.Detect(context.Background(), file, buffer, 1, offset)
	require.NotNil(t, site, "resolution must see the live buffer, not the stale on-disk content")
	assert.Equal(t, "Frob", site.Decl.Name)
	assert.Contains(t, site.Decl.Doc, "@tips Do X")
}

func TestCallResolver_MissingFile(t *testing.T) {
	if testing.Short() {
		t.Skip("resolution tests load packages, skipping in short mode")
	}
	r := newTestResolver(t)
	assert.Nil(t, r.Detect(context.Background(), filepath.Join(t.TempDir(), "nope.go"), nil, 1, 5))
}

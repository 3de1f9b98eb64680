package calltip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtractor(t *testing.T, markers []string, fullDoc bool) *AnnotationExtractor {
	t.Helper()
	return NewAnnotationExtractor(nil, markers, fullDoc, testLogger(t))
}

func goDecl(doc string) *Declaration {
	return &Declaration{
		Signature: "example.com/pkg.Widget.Frob(int)",
		Name:      "Frob",
		Language:  "go",
		Doc:       doc,
	}
}

func TestExtract_SingleTag(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	content, ok, err := e.Extract(goDecl("// Frob frobs the widget.\n// @tips Do X\n"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Do X", content.Text)
	assert.Equal(t, FormatPlainText, content.Format)
}

func TestExtract_MergesMultipleTagsInOrder(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	content, ok, err := e.Extract(goDecl("// @tips Do X\n// Some prose between.\n// @tips Do Y\n"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Do X\nSome prose between.\n\nDo Y", content.Text)
}

func TestExtract_TwoAdjacentTags(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	content, ok, err := e.Extract(goDecl("// @tips Do X\n// @tips Do Y\n"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Do X\n\nDo Y", content.Text, "occurrences merge with a blank-line separator in source order")
	assert.Equal(t, FormatPlainText, content.Format)
}

func TestExtract_NoDocComment(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	_, ok, err := e.Extract(goDecl(""))
	require.NoError(t, err)
	assert.False(t, ok, "no doc comment is a normal no-tip outcome, not an error")
}

func TestExtract_NoTagsInDoc(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	_, ok, err := e.Extract(goDecl("// Frob frobs the widget thoroughly.\n"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtract_BlankTagDropped(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	content, ok, err := e.Extract(goDecl("// @tips   \n// @tips Do Y\n"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Do Y", content.Text, "whitespace-only occurrences are rejected, not merged as empty")
}

func TestExtract_AllTagsBlank(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	_, ok, err := e.Extract(goDecl("// @tips\n// @tips \t\n"))
	require.NoError(t, err)
	assert.False(t, ok, "a method whose every occurrence is blank has no tip")
}

func TestExtract_AliasMarkers(t *testing.T) {
	cfg := Config{TagAliases: []string{"@hint", "note"}}
	e := newTestExtractor(t, cfg.Markers(), false)

	content, ok, err := e.Extract(goDecl("// @hint Use sparingly\n// @note Prefer Frob2\n"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Use sparingly\n\nPrefer Frob2", content.Text)
}

func TestExtract_MarkerMustBeWholeWord(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	_, ok, err := e.Extract(goDecl("// @tipsy is not a tag\n"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtract_MultiLineTagText(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	content, ok, err := e.Extract(goDecl("// @tips Do X\n//   and keep doing it\n"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Do X\nand keep doing it", content.Text, "tag text runs to the next tag, newlines preserved")
}

func TestExtract_FormatDetection(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	tests := []struct {
		name string
		doc  string
		want TipFormat
	}{
		{"plain", "// @tips Do X\n", FormatPlainText},
		{"html", "// @tips Use <b>bold</b> moves\n", FormatHTML},
		{"markdown bold", "// @tips Prefer **Frob2** instead\n", FormatMarkdown},
		{"markdown fence", "// @tips ```w.Frob(1)```\n", FormatMarkdown},
		{"comparison is not markup", "// @tips keep x < y and y > z\n", FormatPlainText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, ok, err := e.Extract(goDecl(tt.doc))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, content.Format)
		})
	}
}

func TestExtract_FullDocumentationMode(t *testing.T) {
	e := newTestExtractor(t, nil, true)

	content, ok, err := e.Extract(goDecl("// Frob frobs the widget.\n// @tips Do X\n"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Frob frobs the widget.\n@tips Do X", content.Text, "full mode keeps the whole comment, markers stripped")
}

func TestExtract_NilDeclaration(t *testing.T) {
	e := newTestExtractor(t, nil, false)

	_, _, err := e.Extract(nil)
	assert.ErrorIs(t, err, ErrMissingNode)
}

func TestFindTagAnnotations_Ordinals(t *testing.T) {
	annotations := findTagAnnotations("@tips one\nprose\n@tips two\n@tips three", []string{"tips"})
	require.Len(t, annotations, 3)
	for i, a := range annotations {
		assert.Equal(t, i+1, a.Ordinal, "ordinals strictly increase in source order")
	}
	assert.Equal(t, "one\nprose", annotations[0].Text)
	assert.Equal(t, "two", annotations[1].Text)
	assert.Equal(t, "three", annotations[2].Text)
}

func TestMatchTagStart_SigilForms(t *testing.T) {
	markers := []string{"tips"}

	for _, line := range []string{"@tips Do X", "tips: Do X", ":tips: Do X"} {
		marker, rest, ok := matchTagStart(line, markers)
		require.True(t, ok, "line %q should open a tag", line)
		assert.Equal(t, "tips", marker)
		assert.Equal(t, "Do X", rest)
	}

	_, _, ok := matchTagStart("multitips: nope", markers)
	assert.False(t, ok)
}

func TestStripContinuationMarkers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"line comment", "// text", "text"},
		{"doc comment", "/// text", "text"},
		{"block star", " * text", "text"},
		{"block open", "/** text", "text"},
		{"block close", " * text */", "text"},
		{"hash", "# text", "text"},
		{"bare text", "  text", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripContinuationMarker(tt.in))
		})
	}
}

func TestValidateTagText(t *testing.T) {
	assert.True(t, ValidateTagText("Do X"))
	assert.False(t, ValidateTagText(""))
	assert.False(t, ValidateTagText("   \t\n"))
}

func TestDefaultStrategyFallback(t *testing.T) {
	e := NewAnnotationExtractor([]ExtractionStrategy{goDocStrategy{}}, []string{"tips"}, false, testLogger(t))

	// Unknown language falls through to the default strategy, which reads the
	// raw doc text the resolver attached.
	decl := &Declaration{Language: "ruby", Doc: "# @tips Do X\n"}
	content, ok, err := e.Extract(decl)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Do X", content.Text)
}

// calltip/extractor.go
// AnnotationExtractor: scans a resolved declaration's documentation comment
// for recognized tag markers, extracts and normalizes each occurrence, and
// merges them into one ordered, format-detected tip.
package calltip

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// ExtractionStrategy locates the raw documentation comment of a declaration
// for one source language. Strategies are consulted in order; the first
// whose Supports returns true wins, falling back to the default strategy.
type ExtractionStrategy interface {
	// Supports reports whether this strategy can read the declaration.
	Supports(decl *Declaration) bool
	// DocComment returns the raw documentation comment text, markers
	// included. An empty string with a nil error means "no doc comment".
	DocComment(decl *Declaration) (string, error)
}

// AnnotationExtractor holds the ordered strategy list and the recognized tag
// set. Instances are immutable; the engine rebuilds one when configuration
// changes, so config is effectively sampled at extraction time.
type AnnotationExtractor struct {
	strategies []ExtractionStrategy
	fallback   ExtractionStrategy
	markers    []string
	fullDoc    bool
	logger     *slog.Logger
}

// NewAnnotationExtractor creates an extractor recognizing the given markers
// (the default marker plus normalized aliases). When fullDoc is set, the
// whole documentation comment is extracted instead of only tagged portions.
func NewAnnotationExtractor(strategies []ExtractionStrategy, markers []string, fullDoc bool, logger *slog.Logger) *AnnotationExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	if len(markers) == 0 {
		markers = []string{defaultTagMarker}
	}
	return &AnnotationExtractor{
		strategies: strategies,
		fallback:   defaultDocStrategy{},
		markers:    markers,
		fullDoc:    fullDoc,
		logger:     logger.With("component", "AnnotationExtractor"),
	}
}

// DefaultStrategies returns the standard strategy list: Go first, then the
// tree-sitter-backed languages.
func DefaultStrategies(logger *slog.Logger) []ExtractionStrategy {
	return []ExtractionStrategy{
		goDocStrategy{},
		newPythonDocStrategy(logger),
		newJavaScriptDocStrategy(logger),
	}
}

// Extract reads the declaration's documentation comment through the first
// supporting strategy and returns the merged tip. ok is false when the
// declaration has no tip, which is a normal outcome; a non-nil error is a
// genuine parsing failure for the recovery policy.
func (e *AnnotationExtractor) Extract(decl *Declaration) (TipContent, bool, error) {
	if decl == nil {
		return TipContent{}, false, fmt.Errorf("%w: nil declaration", ErrMissingNode)
	}
	extractLogger := e.logger.With("signature", decl.Signature, "language", decl.Language)

	strategy := e.fallback
	for _, s := range e.strategies {
		if s.Supports(decl) {
			strategy = s
			break
		}
	}

	doc, err := strategy.DocComment(decl)
	if err != nil {
		return TipContent{}, false, err
	}
	if doc == "" {
		extractLogger.Debug("Declaration has no documentation comment")
		return TipContent{}, false, nil
	}

	cleaned := stripContinuationMarkers(doc)

	if e.fullDoc {
		text := strings.TrimSpace(cleaned)
		if text == "" {
			return TipContent{}, false, nil
		}
		return TipContent{Text: text, Format: detectTipFormat(text)}, true, nil
	}

	annotations := findTagAnnotations(cleaned, e.markers)
	accepted := annotations[:0]
	for _, a := range annotations {
		if !ValidateTagText(a.Text) {
			extractLogger.Debug("Dropping blank tag occurrence", "marker", a.Marker, "ordinal", a.Ordinal)
			continue
		}
		accepted = append(accepted, a)
	}
	return MergeTipAnnotations(accepted)
}

// ============================================================================
// Tag Discovery & Merging
// ============================================================================

// findTagAnnotations scans a cleaned documentation comment for tag
// occurrences, in comment order. A tag starts at a line beginning with
// "@marker", "marker:" or ":marker:" and its text runs until the next tag
// line or the end of the comment, internal newlines preserved.
func findTagAnnotations(doc string, markers []string) []TagAnnotation {
	lines := strings.Split(doc, "\n")
	var annotations []TagAnnotation
	ordinal := 0

	var current *TagAnnotation
	var currentText []string
	flush := func() {
		if current == nil {
			return
		}
		current.Text = strings.TrimSpace(strings.Join(currentText, "\n"))
		annotations = append(annotations, *current)
		current = nil
		currentText = nil
	}

	for _, line := range lines {
		if marker, rest, ok := matchTagStart(line, markers); ok {
			flush()
			ordinal++
			current = &TagAnnotation{Marker: marker, Ordinal: ordinal}
			currentText = []string{rest}
			continue
		}
		if current != nil {
			currentText = append(currentText, strings.TrimSpace(line))
		}
	}
	flush()
	return annotations
}

// matchTagStart reports whether a line opens a tag occurrence for one of the
// recognized markers and returns the marker plus the remainder of the line.
func matchTagStart(line string, markers []string) (marker, rest string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", "", false
	}
	for _, m := range markers {
		for _, prefix := range []string{"@" + m, ":" + m + ":", m + ":"} {
			if !strings.HasPrefix(trimmed, prefix) {
				continue
			}
			remainder := trimmed[len(prefix):]
			// The marker must be a whole word: end of line, or followed by
			// whitespace/colon.
			if remainder != "" && !strings.HasPrefix(remainder, " ") && !strings.HasPrefix(remainder, "\t") && !strings.HasPrefix(remainder, ":") {
				continue
			}
			remainder = strings.TrimPrefix(remainder, ":")
			return m, strings.TrimSpace(remainder), true
		}
	}
	return "", "", false
}

// ValidateTagText accepts any non-blank string: empty or whitespace-only
// extracted text is rejected.
func ValidateTagText(text string) bool {
	return strings.TrimSpace(text) != ""
}

// MergeTipAnnotations joins accepted occurrences' texts with a blank-line
// separator, preserving discovery order. Zero occurrences yield ok=false:
// "method has no tip" is never represented as an empty string.
func MergeTipAnnotations(annotations []TagAnnotation) (TipContent, bool, error) {
	if len(annotations) == 0 {
		return TipContent{}, false, nil
	}
	texts := make([]string, 0, len(annotations))
	for _, a := range annotations {
		texts = append(texts, strings.TrimSpace(a.Text))
	}
	merged := strings.Join(texts, "\n\n")
	return TipContent{Text: merged, Format: detectTipFormat(merged)}, true, nil
}

// ============================================================================
// Normalization & Format Detection
// ============================================================================

var markupTagRe = regexp.MustCompile(`<[^<>\s][^<>]*>`)

// detectTipFormat classifies merged tip text: markup-tag syntax means HTML,
// common markdown cues mean Markdown, anything else is plain text.
func detectTipFormat(text string) TipFormat {
	if markupTagRe.MatchString(text) {
		return FormatHTML
	}
	if strings.Contains(text, "```") || strings.Contains(text, "**") || strings.Contains(text, "](") {
		return FormatMarkdown
	}
	return FormatPlainText
}

// continuationMarkers are the per-line decorations comment syntaxes prepend.
// Ordered longest-first so "///" wins over "//".
var continuationMarkers = []string{"///", "//!", "/**", "//", "/*", "*/", "*", "#"}

// stripContinuationMarkers removes per-line leading comment continuation
// markers (a decorative prefix plus one following space) to recover the
// author's intended text, preserving internal newlines.
func stripContinuationMarkers(doc string) string {
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		lines[i] = stripContinuationMarker(line)
	}
	return strings.Join(lines, "\n")
}

func stripContinuationMarker(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	for _, marker := range continuationMarkers {
		if strings.HasPrefix(trimmed, marker) {
			trimmed = strings.TrimPrefix(trimmed[len(marker):], " ")
			break
		}
	}
	// Block comment closers trail the last line.
	trimmed = strings.TrimSuffix(strings.TrimRight(trimmed, " \t"), "*/")
	return strings.TrimRight(trimmed, " \t")
}

// ============================================================================
// Built-in Strategies
// ============================================================================

// goDocStrategy reads the doc comment the resolver attached from the
// declaration's *ast.FuncDecl.
type goDocStrategy struct{}

func (goDocStrategy) Supports(decl *Declaration) bool {
	return decl.Language == "go"
}

func (goDocStrategy) DocComment(decl *Declaration) (string, error) {
	return decl.Doc, nil
}

// defaultDocStrategy is the fallback for unrecognized languages: whatever
// raw doc text the resolver attached is used as-is.
type defaultDocStrategy struct{}

func (defaultDocStrategy) Supports(*Declaration) bool { return true }

func (defaultDocStrategy) DocComment(decl *Declaration) (string, error) {
	return decl.Doc, nil
}

// calltip/resolver.go
// CallResolver: given a source offset, finds the enclosing call expression,
// validates it is syntactically complete and outside comments/strings, and
// resolves the callee to a single concrete method declaration.
//
// Every lookup is defensive. Structural anomalies yield nil, never an error
// or panic, because Detect sits on the hot path of every trigger.
package calltip

import (
	"context"
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/tools/go/ast/astutil"
	"golang.org/x/tools/go/packages"
)

const (
	// How many statement/declaration boundaries the ancestor walk may cross
	// while looking for an enclosing call. Bounds the per-trigger cost on
	// deeply nested files.
	maxBoundaryHops = 8

	// Resolving a receiver chain deeper than this is abandoned; fluent chains
	// in practice are short.
	maxChainDepth = 16
)

// CallResolver resolves trigger offsets to call sites. Resolution results
// are memoized per (file, version, offset) in a ristretto cache, since the
// same physical keystroke is frequently re-observed.
type CallResolver struct {
	memo    *ristretto.Cache
	memoTTL time.Duration
	logger  *slog.Logger
}

// detectMemo wraps a memoized result; site is nil for negative results,
// which are worth caching just as much.
type detectMemo struct {
	site *CallSite
}

// NewCallResolver creates a resolver. A failed memo-cache initialization
// disables memoization but not resolution.
func NewCallResolver(memoTTL time.Duration, logger *slog.Logger) *CallResolver {
	if logger == nil {
		logger = slog.Default()
	}
	resolverLogger := logger.With("component", "CallResolver")
	if memoTTL <= 0 {
		memoTTL = defaultResolveMemoTTLSeconds * time.Second
	}

	memo, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26, // 64MB
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		resolverLogger.Warn("Failed to create resolution memo cache, memoization disabled.", "error", err)
		memo = nil
	}

	return &CallResolver{
		memo:    memo,
		memoTTL: memoTTL,
		logger:  resolverLogger,
	}
}

// Detect resolves the call site whose argument list was just completed at
// offset (the character at offset-1) in the given file. content is the live
// buffer the offset addresses; a nil content falls back to the on-disk file.
// Returns nil when no complete, unambiguous call encloses the offset.
func (r *CallResolver) Detect(ctx context.Context, absFilename string, content []byte, version, offset int) (site *CallSite) {
	detectLogger := r.logger.With("absFile", absFilename, "version", version, "offset", offset, "op", "Detect")

	defer func() {
		if rec := recover(); rec != nil {
			detectLogger.Error("Panic recovered during Detect", "panic_value", rec)
			site = nil
		}
	}()

	memoKey := fmt.Sprintf("detect:%s:%d:%d", absFilename, version, offset)
	if r.memo != nil {
		if cached, found := r.memo.Get(memoKey); found {
			if m, ok := cached.(detectMemo); ok {
				detectLogger.Debug("Resolution memo hit", "resolved", m.site != nil)
				return m.site
			}
		}
	}

	site = r.detectUncached(ctx, absFilename, content, offset, detectLogger)

	if r.memo != nil {
		if !r.memo.SetWithTTL(memoKey, detectMemo{site: site}, 1, r.memoTTL) {
			detectLogger.Debug("Resolution memo set rejected")
		}
	}
	return site
}

func (r *CallResolver) detectUncached(ctx context.Context, absFilename string, content []byte, offset int, logger *slog.Logger) *CallSite {
	if content == nil {
		data, err := os.ReadFile(absFilename)
		if err != nil {
			logger.Debug("Cannot read file content, no resolution", "error", err)
			return nil
		}
		content = data
	}
	if err := validOffset(offset, len(content)); err != nil {
		logger.Debug("Offset outside document, no resolution", "error", err)
		return nil
	}

	loaded, err := loadFileForResolution(ctx, absFilename, content, logger)
	if err != nil {
		logger.Debug("Package load failed, no resolution", "error", err)
		return nil
	}

	// The character just completed lives at offset-1.
	pos := loaded.tokFile.Pos(offset - 1)
	if !pos.IsValid() {
		return nil
	}

	path, _ := astutil.PathEnclosingInterval(loaded.astFile, pos, pos)
	if len(path) == 0 {
		logger.Debug("No AST path encloses offset")
		return nil
	}

	if r.insideStringLiteral(path, pos) {
		logger.Debug("Offset inside string literal, suppressing trigger")
		return nil
	}
	if r.insideComment(loaded, path, pos) {
		logger.Debug("Offset inside comment, suppressing trigger")
		return nil
	}

	callExpr := findEnclosingCall(path)
	if callExpr == nil {
		logger.Debug("No enclosing call expression within boundary budget")
		return nil
	}
	if !callIsComplete(callExpr, loaded.tokFile, content) {
		logger.Debug("Enclosing call is incomplete, suppressing trigger")
		return nil
	}

	site := r.resolveCall(callExpr, loaded, content, logger)
	if site == nil {
		return nil
	}
	site.Chain = r.unwindChain(callExpr, loaded, content, logger)
	return site
}

// insideStringLiteral checks whether the innermost node covering pos is a
// string or character literal.
func (r *CallResolver) insideStringLiteral(path []ast.Node, pos token.Pos) bool {
	lit, ok := path[0].(*ast.BasicLit)
	if !ok {
		return false
	}
	if lit.Kind != token.STRING && lit.Kind != token.CHAR {
		return false
	}
	return pos >= lit.Pos() && pos < lit.End()
}

// insideComment checks the comment groups attached within the enclosing
// declaration's span rather than the whole file, for cost control.
func (r *CallResolver) insideComment(loaded *loadedFile, path []ast.Node, pos token.Pos) bool {
	var declStart, declEnd token.Pos
	for _, node := range path {
		if _, ok := node.(ast.Decl); ok {
			declStart, declEnd = node.Pos(), node.End()
			break
		}
	}
	if !declStart.IsValid() {
		declStart, declEnd = loaded.astFile.Pos(), loaded.astFile.End()
	}
	for _, group := range loaded.astFile.Comments {
		if group.End() < declStart || group.Pos() > declEnd {
			continue
		}
		if pos >= group.Pos() && pos < group.End() {
			return true
		}
	}
	return false
}

// findEnclosingCall walks ancestors from the innermost node outward looking
// for a call expression, giving up after crossing maxBoundaryHops
// statement/declaration boundaries.
func findEnclosingCall(path []ast.Node) *ast.CallExpr {
	boundaries := 0
	for _, node := range path {
		if call, ok := node.(*ast.CallExpr); ok {
			return call
		}
		switch node.(type) {
		case ast.Stmt, ast.Decl:
			boundaries++
			if boundaries > maxBoundaryHops {
				return nil
			}
		}
	}
	return nil
}

// callIsComplete verifies the call has no embedded error nodes, a non-empty
// callee reference, and an argument list whose source text begins and ends
// with the delimiter pair. Incomplete calls never resolve.
func callIsComplete(call *ast.CallExpr, tokFile *token.File, content []byte) bool {
	if call.Fun == nil || !call.Lparen.IsValid() || !call.Rparen.IsValid() {
		return false
	}
	if calleeName(call) == "" {
		return false
	}

	bad := false
	ast.Inspect(call, func(n ast.Node) bool {
		switch n.(type) {
		case *ast.BadExpr, *ast.BadStmt, *ast.BadDecl:
			bad = true
			return false
		}
		return !bad
	})
	if bad {
		return false
	}

	lparen := tokFile.Offset(call.Lparen)
	rparen := tokFile.Offset(call.Rparen)
	if lparen < 0 || rparen >= len(content) || lparen >= rparen {
		return false
	}
	argText := content[lparen : rparen+1]
	return argText[0] == '(' && argText[len(argText)-1] == ')'
}

// calleeName extracts the called identifier's name, unwrapping parentheses.
func calleeName(call *ast.CallExpr) string {
	switch fun := astutil.Unparen(call.Fun).(type) {
	case *ast.Ident:
		return fun.Name
	case *ast.SelectorExpr:
		if fun.Sel != nil {
			return fun.Sel.Name
		}
	}
	return ""
}

// resolveCall resolves the callee reference to a single concrete declaration
// using the package's type information. Ambiguous or unresolved references
// yield nil. Override and interface dispatch are already accounted for by
// the type checker, as is resolution into referenced external packages.
func (r *CallResolver) resolveCall(call *ast.CallExpr, loaded *loadedFile, content []byte, logger *slog.Logger) *CallSite {
	if loaded.pkg == nil || loaded.pkg.TypesInfo == nil {
		return nil
	}
	info := loaded.pkg.TypesInfo

	var fn *types.Func
	switch fun := astutil.Unparen(call.Fun).(type) {
	case *ast.Ident:
		fn, _ = info.Uses[fun].(*types.Func)
	case *ast.SelectorExpr:
		if fun.Sel != nil {
			fn, _ = info.Uses[fun.Sel].(*types.Func)
		}
	}
	if fn == nil {
		logger.Debug("Callee did not resolve to a single function declaration")
		return nil
	}

	decl := r.buildDeclaration(fn, loaded, content, logger)
	if decl == nil {
		return nil
	}
	return &CallSite{Decl: decl, Expr: call, CallPos: call.Lparen}
}

// buildDeclaration assembles the language-neutral declaration record handed
// to the annotation extractor.
func (r *CallResolver) buildDeclaration(fn *types.Func, loaded *loadedFile, content []byte, logger *slog.Logger) *Declaration {
	sig, ok := fn.Type().(*types.Signature)
	if !ok {
		logger.Debug("Function object type is not a signature", "func", fn.Name())
		return nil
	}

	declaringType := ""
	if recv := sig.Recv(); recv != nil && recv.Type() != nil {
		declaringType = types.TypeString(recv.Type(), pathQualifier)
	} else if fn.Pkg() != nil {
		declaringType = fn.Pkg().Path()
	}

	decl := &Declaration{
		Signature:     buildMethodSignature(fn, sig),
		Name:          fn.Name(),
		DeclaringType: declaringType,
		Language:      "go",
	}

	funcDecl := findFuncDecl(loaded.pkg, fn)
	if funcDecl == nil {
		// Externally defined declaration: no syntax available, so no doc
		// comment. The extractor will report "no tip", which is correct.
		return decl
	}

	decl.Doc = rawCommentText(funcDecl.Doc)
	declPos := loaded.fset.Position(funcDecl.Pos())
	decl.FilePath = declPos.Filename
	if loaded.fset.File(funcDecl.Pos()) == loaded.tokFile {
		decl.Source = content
		decl.Offset = loaded.tokFile.Offset(funcDecl.Pos())
	}
	return decl
}

// unwindChain reconstructs the ordered list of calls in a fluent expression
// ending at call: first-called to last-called. A receiver sub-expression
// that is not itself a call stops the descent. Returns nil for non-chained
// calls.
func (r *CallResolver) unwindChain(call *ast.CallExpr, loaded *loadedFile, content []byte, logger *slog.Logger) []*CallSite {
	var receivers []*ast.CallExpr
	cur := call
	for depth := 0; depth < maxChainDepth; depth++ {
		sel, ok := astutil.Unparen(cur.Fun).(*ast.SelectorExpr)
		if !ok {
			break
		}
		recvCall, ok := astutil.Unparen(sel.X).(*ast.CallExpr)
		if !ok {
			break
		}
		receivers = append(receivers, recvCall)
		cur = recvCall
	}
	if len(receivers) == 0 {
		return nil
	}

	// receivers is last-to-first; emit first-called to last-called, ending
	// with the triggering call itself.
	chain := make([]*CallSite, 0, len(receivers)+1)
	for i := len(receivers) - 1; i >= 0; i-- {
		link := r.resolveCall(receivers[i], loaded, content, logger)
		if link == nil {
			// A broken link invalidates order reconstruction.
			return nil
		}
		chain = append(chain, link)
	}
	if last := r.resolveCall(call, loaded, content, logger); last != nil {
		chain = append(chain, last)
	}
	return chain
}

// ClearMemo drops all memoized resolutions, e.g. after a ResetState action.
func (r *CallResolver) ClearMemo() {
	if r.memo != nil {
		r.memo.Clear()
	}
}

// MemoMetrics exposes the memo cache's performance counters, consumed by the
// engine's cache-miss-rate performance signal.
func (r *CallResolver) MemoMetrics() *ristretto.Metrics {
	if r.memo == nil {
		return nil
	}
	return r.memo.Metrics
}

// Close releases the memo cache.
func (r *CallResolver) Close() {
	if r.memo != nil {
		r.memo.Close()
		r.memo = nil
	}
}

// ============================================================================
// Signature & Declaration Helpers
// ============================================================================

// pathQualifier qualifies type names with their full package path so
// signatures are stable across resolutions regardless of import aliasing.
func pathQualifier(pkg *types.Package) string {
	if pkg == nil {
		return ""
	}
	return pkg.Path()
}

// buildMethodSignature derives the stable cache key for a declaration:
// fully-qualified declaring type (or package), method name, and parameter
// shape. Deterministic for the same declaration across repeated resolutions.
func buildMethodSignature(fn *types.Func, sig *types.Signature) MethodSignature {
	var b strings.Builder
	b.WriteString(fn.FullName())
	b.WriteByte('(')
	params := sig.Params()
	for i := 0; i < params.Len(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(types.TypeString(params.At(i).Type(), pathQualifier))
	}
	b.WriteByte(')')
	return MethodSignature(b.String())
}

// findFuncDecl locates the AST declaration for fn within the loaded
// package's syntax trees, matching by declaration position.
func findFuncDecl(pkg *packages.Package, fn *types.Func) *ast.FuncDecl {
	if pkg == nil || !fn.Pos().IsValid() {
		return nil
	}
	for _, file := range pkg.Syntax {
		if file == nil {
			continue
		}
		for _, d := range file.Decls {
			funcDecl, ok := d.(*ast.FuncDecl)
			if !ok || funcDecl.Name == nil {
				continue
			}
			if funcDecl.Name.Pos() == fn.Pos() {
				return funcDecl
			}
		}
	}
	return nil
}

// rawCommentText reassembles a comment group's raw text, markers included,
// one comment per line. The extractor strips continuation markers itself.
func rawCommentText(group *ast.CommentGroup) string {
	if group == nil || len(group.List) == 0 {
		return ""
	}
	lines := make([]string, 0, len(group.List))
	for _, c := range group.List {
		if c != nil {
			lines = append(lines, c.Text)
		}
	}
	return strings.Join(lines, "\n")
}

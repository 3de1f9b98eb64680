// calltip/loader.go
// Loads type-checked package information for a single file using go/packages.
// This is the host source-analysis facility consumed by the resolver.
package calltip

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"log/slog"
	"path/filepath"

	"golang.org/x/tools/go/packages"
)

// loadedFile bundles what the resolver needs from one package load: the
// type-checked package, the target file's AST and its token.File.
type loadedFile struct {
	pkg     *packages.Package
	astFile *ast.File
	tokFile *token.File
	fset    *token.FileSet
}

// loadFileForResolution loads the package containing absFilename with full
// syntax and type information. A non-nil content is installed as an overlay
// so unsaved buffer state takes precedence over the file on disk. It returns
// the loaded file bundle or an error joining everything that went wrong;
// partial type information is tolerated (the resolver degrades to "no
// resolution" on missing entries).
func loadFileForResolution(ctx context.Context, absFilename string, content []byte, logger *slog.Logger) (*loadedFile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(absFilename)
	logger = logger.With("loadDir", dir)

	fset := token.NewFileSet()
	loadCfg := &packages.Config{
		Context: ctx,
		Dir:     dir,
		Fset:    fset,
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
			packages.NeedImports | packages.NeedTypes | packages.NeedSyntax | packages.NeedTypesInfo,
		Tests: false,
		Logf:  func(format string, args ...interface{}) { logger.Debug(fmt.Sprintf(format, args...)) },
	}
	if content != nil {
		loadCfg.Overlay = map[string][]byte{absFilename: content}
	}

	logger.Debug("Calling packages.Load")
	pkgs, err := packages.Load(loadCfg, fmt.Sprintf("file=%s", absFilename))
	if err != nil {
		return nil, fmt.Errorf("packages.Load failed: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, errors.New("packages.Load returned no packages")
	}

	var loadErrors []error
	for _, p := range pkgs {
		if p == nil {
			continue
		}
		for i := range p.Errors {
			pkgErr := p.Errors[i]
			loadErrors = append(loadErrors, &pkgErr)
			logger.Debug("Package loading error encountered", "package", p.PkgPath, "error", pkgErr.Error())
		}
	}

	for _, p := range pkgs {
		if p == nil {
			continue
		}
		for _, astFile := range p.Syntax {
			if astFile == nil {
				continue
			}
			filePos := fset.Position(astFile.Pos())
			if !filePos.IsValid() {
				continue
			}
			astFilePath, _ := filepath.Abs(filePos.Filename)
			if astFilePath != absFilename {
				continue
			}
			tokFile := fset.File(astFile.Pos())
			if tokFile == nil {
				loadErrors = append(loadErrors, fmt.Errorf("no token.File for %s in fileset", absFilename))
				return nil, errors.Join(loadErrors...)
			}
			if p.TypesInfo == nil {
				logger.Warn("Type info unavailable, resolution may fail", "package", p.PkgPath)
			}
			return &loadedFile{pkg: p, astFile: astFile, tokFile: tokFile, fset: fset}, nil
		}
	}

	loadErrors = append(loadErrors, fmt.Errorf("target file %s not found in loaded packages", absFilename))
	return nil, errors.Join(loadErrors...)
}

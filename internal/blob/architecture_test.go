package blob

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// infraRule names an infra package tree and the only facade allowed to import it.
type infraRule struct {
	infra   string
	facade  string
	subject string
}

var infraRules = []infraRule{
	{infra: "rnastate/internal/infra/blob", facade: "rnastate/internal/blob", subject: "blob"},
	{infra: "rnastate/internal/infra/persistence", facade: "rnastate/internal/catalog", subject: "persistence"},
}

// TestOnlyFacadesImportInfra ensures that the blob and catalog facades are
// the only packages wrapping infra-backed implementations. Everything else
// depends on blob.Store or domain.IngestionCatalog.
func TestOnlyFacadesImportInfra(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "rnastate/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})

	for _, pkg := range pkgs {
		for _, rule := range infraRules {
			if isUnder(pkg.PkgPath, rule.facade) || isUnder(pkg.PkgPath, rule.infra) {
				continue
			}
			for importPath := range pkg.Imports {
				if isUnder(importPath, rule.infra) {
					pos := filepath.Join(pkg.PkgPath, "...")
					seen[pos+": "+rule.subject+" "+importPath] = struct{}{}
				}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of infra package: %s", v)
		}
		t.Fatalf("found %d forbidden imports of infra packages", len(violations))
	}
}

func isUnder(importPath, prefix string) bool {
	return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
}

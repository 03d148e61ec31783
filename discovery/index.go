package discovery

import (
	"fmt"

	"github.com/ethereum-optimism/infra/op-testlens/types"
)

// Index finds the source location of a test by the name the test framework reports
// for it at run time
type Index struct {
	byName map[string]types.TestLocation
}

// NewIndex indexes method locations
func NewIndex(locations []types.TestLocation) *Index {
	idx := &Index{byName: make(map[string]types.TestLocation)}
	for _, loc := range locations {
		if loc.Type != types.NodeTypeMethod {
			continue
		}
		idx.byName[loc.QualifiedName] = loc
		if loc.Runner != "" {
			// testify reports suite methods as subtests of the runner
			idx.byName[loc.Package+"."+loc.Runner+"/"+loc.DisplayName] = loc
		}
	}
	return idx
}

// Len returns the number of indexed names
func (i *Index) Len() int {
	return len(i.byName)
}

// Lookup returns the location of a reported test. Subtests resolve to the closest
// enclosing test that has one.
func (i *Index) Lookup(pkg, test string) (types.TestLocation, bool) {
	for name := test; name != ""; name = types.ParentTestName(name) {
		if loc, ok := i.byName[pkg+"."+name]; ok {
			return loc, true
		}
	}
	return types.TestLocation{}, false
}

// Locate renders the location as uri:line, or "" when unknown
func (i *Index) Locate(pkg, test string) string {
	loc, ok := i.Lookup(pkg, test)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", loc.URI, loc.Range.Start.Line)
}

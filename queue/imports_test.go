package queue

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
)

// TestImportGroupsSorted keeps every import group in gofmt order.
func TestImportGroupsSorted(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatal(err)
	}
	fset := token.NewFileSet()
	for _, name := range files {
		f, err := parser.ParseFile(fset, name, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		var group []string
		last := 0
		check := func() {
			if !sort.StringsAreSorted(group) {
				t.Errorf("%s: unsorted import group %v", name, group)
			}
			group = group[:0]
		}
		for _, spec := range f.Imports {
			line := fset.Position(spec.Pos()).Line
			if last != 0 && line != last+1 {
				check()
			}
			path, _ := strconv.Unquote(spec.Path.Value)
			group = append(group, path)
			last = line
		}
		check()
	}
}

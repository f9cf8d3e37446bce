package libspec

import (
	"errors"
	"sort"
)

// Extension is the filename suffix of spec documents.
const Extension = ".libspec"

var ErrLoad = errors.New("unable to load library spec")

type KeywordDoc struct {
	Name   string   `json:"name"`
	Args   []string `json:"args,omitempty"`
	Doc    string   `json:"doc,omitempty"`
	Source string   `json:"source,omitempty"`
	Lineno int      `json:"lineno,omitempty"`
}

type LibraryDoc struct {
	Name     string       `json:"name"`
	Version  string       `json:"version,omitempty"`
	Doc      string       `json:"doc,omitempty"`
	Source   string       `json:"source,omitempty"`
	Keywords []KeywordDoc `json:"keywords"`
}

// HasKeywords reports whether the doc describes a usable library.
func (d *LibraryDoc) HasKeywords() bool {
	return d != nil && len(d.Keywords) > 0
}

// Sources returns the sorted, distinct set of source files referenced by the
// library and its keywords.
func (d *LibraryDoc) Sources() []string {
	seen := make(map[string]struct{})
	if d.Source != "" {
		seen[d.Source] = struct{}{}
	}
	for _, kw := range d.Keywords {
		if kw.Source != "" {
			seen[kw.Source] = struct{}{}
		}
	}

	sources := make([]string, 0, len(seen))
	for s := range seen {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	return sources
}

// Builder turns a spec file on disk into a LibraryDoc.
type Builder interface {
	Build(path string) (*LibraryDoc, error)
}

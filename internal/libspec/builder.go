package libspec

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

type xmlArg struct {
	Repr string `xml:"repr,attr"`
	Name string `xml:"name"`
	Text string `xml:",chardata"`
}

type xmlKeyword struct {
	Name   string   `xml:"name,attr"`
	Source string   `xml:"source,attr"`
	Lineno int      `xml:"lineno,attr"`
	Args   []xmlArg `xml:"arguments>arg"`
	Doc    string   `xml:"doc"`
}

type xmlSpec struct {
	XMLName  xml.Name     `xml:"keywordspec"`
	Name     string       `xml:"name,attr"`
	Source   string       `xml:"source,attr"`
	Version  string       `xml:"version"`
	Doc      string       `xml:"doc"`
	Keywords []xmlKeyword `xml:"keywords>kw"`
	// specversion 2 and older list keywords directly under the root.
	Legacy []xmlKeyword `xml:"kw"`
}

// XMLBuilder reads libdoc XML spec files.
type XMLBuilder struct{}

func NewXMLBuilder() *XMLBuilder {
	return &XMLBuilder{}
}

func (b *XMLBuilder) Build(path string) (*LibraryDoc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}
	defer f.Close()

	doc, err := Decode(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}
	return doc, nil
}

// Decode parses a spec document. Relative source paths are resolved against
// baseDir.
func Decode(r io.Reader, baseDir string) (*LibraryDoc, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charsetReader

	var spec xmlSpec
	if err := decoder.Decode(&spec); err != nil {
		return nil, err
	}

	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("spec has no library name")
	}

	doc := &LibraryDoc{
		Name:    strings.TrimSpace(spec.Name),
		Version: strings.TrimSpace(spec.Version),
		Doc:     spec.Doc,
		Source:  resolveSource(spec.Source, baseDir),
	}

	keywords := spec.Keywords
	if len(keywords) == 0 {
		keywords = spec.Legacy
	}

	doc.Keywords = make([]KeywordDoc, 0, len(keywords))
	for _, kw := range keywords {
		if kw.Name == "" {
			continue
		}
		doc.Keywords = append(doc.Keywords, KeywordDoc{
			Name:   kw.Name,
			Args:   argStrings(kw.Args),
			Doc:    kw.Doc,
			Source: resolveSource(kw.Source, baseDir),
			Lineno: kw.Lineno,
		})
	}

	return doc, nil
}

func argStrings(args []xmlArg) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch {
		case a.Repr != "":
			out = append(out, a.Repr)
		case strings.TrimSpace(a.Name) != "":
			out = append(out, strings.TrimSpace(a.Name))
		default:
			out = append(out, strings.TrimSpace(a.Text))
		}
	}
	return out
}

func resolveSource(source, baseDir string) string {
	source = strings.TrimSpace(source)
	if source == "" || filepath.IsAbs(source) || baseDir == "" {
		return source
	}
	return filepath.Join(baseDir, source)
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

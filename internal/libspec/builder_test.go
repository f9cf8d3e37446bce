package libspec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const collectionsSpec = `<?xml version="1.0" encoding="UTF-8"?>
<keywordspec name="Collections" type="LIBRARY" format="ROBOT" specversion="3" source="/usr/lib/robot/libraries/Collections.py">
<version>7.0</version>
<doc>A library providing keywords for handling lists and dictionaries.</doc>
<keywords>
<kw name="Append To List" source="/usr/lib/robot/libraries/Collections.py" lineno="40">
<arguments repr="list_, *values">
<arg kind="POSITIONAL_OR_NAMED" required="true" repr="list_"><name>list_</name></arg>
<arg kind="VAR_POSITIONAL" required="false" repr="*values"><name>values</name></arg>
</arguments>
<doc>Adds values to the end of list.</doc>
</kw>
<kw name="Copy List" lineno="80">
<arguments repr="list_, deepcopy=False">
<arg kind="POSITIONAL_OR_NAMED" required="true" repr="list_"><name>list_</name></arg>
<arg kind="POSITIONAL_OR_NAMED" required="false" repr="deepcopy=False"><name>deepcopy</name><default>False</default></arg>
</arguments>
<doc>Returns a copy of the given list.</doc>
</kw>
</keywords>
</keywordspec>
`

func TestDecodeSpecVersion3(t *testing.T) {
	doc, err := Decode(strings.NewReader(collectionsSpec), "/specs")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	want := &LibraryDoc{
		Name:    "Collections",
		Version: "7.0",
		Doc:     "A library providing keywords for handling lists and dictionaries.",
		Source:  "/usr/lib/robot/libraries/Collections.py",
		Keywords: []KeywordDoc{
			{
				Name:   "Append To List",
				Args:   []string{"list_", "*values"},
				Doc:    "Adds values to the end of list.",
				Source: "/usr/lib/robot/libraries/Collections.py",
				Lineno: 40,
			},
			{
				Name:   "Copy List",
				Args:   []string{"list_", "deepcopy=False"},
				Doc:    "Returns a copy of the given list.",
				Lineno: 80,
			},
		},
	}

	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("unexpected doc (-want +got):\n%s", diff)
	}
}

func TestDecodeLegacyKeywords(t *testing.T) {
	spec := `<keywordspec name="Legacy" source="legacy.py">
<kw name="Do Thing"><arguments><arg>first</arg><arg>second=2</arg></arguments><doc>x</doc></kw>
</keywordspec>`

	doc, err := Decode(strings.NewReader(spec), "/proj")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if doc.Source != filepath.Join("/proj", "legacy.py") {
		t.Errorf("expected relative source resolved, got %s", doc.Source)
	}
	if len(doc.Keywords) != 1 {
		t.Fatalf("expected 1 keyword, got %d", len(doc.Keywords))
	}
	if diff := cmp.Diff([]string{"first", "second=2"}, doc.Keywords[0].Args); diff != "" {
		t.Errorf("unexpected args (-want +got):\n%s", diff)
	}
}

func TestDecodeLatin1(t *testing.T) {
	// "Café" encoded as ISO-8859-1.
	spec := []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<keywordspec name=\"Caf\xe9\"><kw name=\"K\"/></keywordspec>")

	doc, err := Decode(strings.NewReader(string(spec)), "")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if doc.Name != "Café" {
		t.Errorf("expected Café, got %q", doc.Name)
	}
}

func TestBuildRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.libspec")
	if err := os.WriteFile(path, []byte("<keywordspec name="), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewXMLBuilder().Build(path)
	if !errors.Is(err, ErrLoad) {
		t.Errorf("expected ErrLoad, got %v", err)
	}
}

func TestBuildEmptyLibraryParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.libspec")
	if err := os.WriteFile(path, []byte(`<keywordspec name="foo"><keywords></keywords></keywordspec>`), 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := NewXMLBuilder().Build(path)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if doc.HasKeywords() {
		t.Error("expected empty library")
	}
}

func TestSources(t *testing.T) {
	doc := &LibraryDoc{
		Source: "/a.py",
		Keywords: []KeywordDoc{
			{Name: "x", Source: "/b.py"},
			{Name: "y", Source: "/a.py"},
			{Name: "z"},
		},
	}

	if diff := cmp.Diff([]string{"/a.py", "/b.py"}, doc.Sources()); diff != "" {
		t.Errorf("unexpected sources (-want +got):\n%s", diff)
	}
}

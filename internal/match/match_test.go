package match

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMatches(t *testing.T) {
	for _, tc := range []struct {
		name     string
		rel      string
		includes []string
		excludes []string
		want     bool
	}{
		{"basename match", "Admin.cs", []string{"*.cs"}, nil, true},
		{"basename at depth", "sub/dir/Admin.cs", []string{"*.cs"}, nil, true},
		{"wrong extension", "Admin.txt", []string{"*.cs"}, nil, false},
		{"no includes", "Admin.cs", nil, nil, false},
		{"exclude wins", "Admin.cs", []string{"*.cs"}, []string{"Admin*"}, false},
		{"exclude other file", "Kits.cs", []string{"*.cs"}, []string{"Admin*"}, true},
		{"exclude at depth", "wip/Kits.cs", []string{"*.cs"}, []string{"wip/*"}, false},
		{"bare exclude matches basename at depth", "sub/Broken.cs", []string{"*.cs"}, []string{"Broken*"}, false},
		{"segment pattern", "sub/Admin.cs", []string{"sub/*.cs"}, nil, true},
		{"segment pattern wrong dir", "other/Admin.cs", []string{"sub/*.cs"}, nil, false},
		{"segment pattern depth mismatch", "sub/deep/Admin.cs", []string{"sub/*.cs"}, nil, false},
		{"doublestar prefix", "a/b/c/Admin.cs", []string{"**/*.cs"}, nil, true},
		{"doublestar zero segments", "Admin.cs", []string{"**/*.cs"}, nil, true},
		{"doublestar middle", "plugins/x/y/data.json", []string{"plugins/**/*.json"}, nil, true},
		{"doublestar middle zero", "plugins/data.json", []string{"plugins/**/*.json"}, nil, true},
		{"multiple includes", "Rules.json", []string{"*.cs", "*.json"}, nil, true},
		{"question mark", "a1.cs", []string{"a?.cs"}, nil, true},
		{"char class", "a1.cs", []string{"a[0-9].cs"}, nil, true},
		{"bad pattern never matches", "Admin.cs", []string{"[.cs"}, nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(tc.rel, tc.includes, tc.excludes); got != tc.want {
				t.Errorf("Matches(%q, %v, %v) = %v, want %v",
					tc.rel, tc.includes, tc.excludes, got, tc.want)
			}
		})
	}
}

func TestCollect(t *testing.T) {
	tmp := t.TempDir()
	write := func(rel string) {
		t.Helper()
		path := filepath.Join(tmp, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	write("Admin.cs")
	write("sub/Kits.cs")
	write("notes.txt")
	write(".git/objects/Sneaky.cs")
	write(".hidden.cs")

	files, err := Collect(tmp, []string{"*.cs"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{"Admin.cs": true, "sub/Kits.cs": true}
	if len(files) != len(want) {
		t.Fatalf("collected %v, want keys %v", files, want)
	}
	for rel, abs := range files {
		if !want[rel] {
			t.Errorf("unexpected file %s", rel)
		}
		if _, err := os.Stat(abs); err != nil {
			t.Errorf("absolute path %s unusable: %v", abs, err)
		}
	}
}

func TestCollectExcludes(t *testing.T) {
	tmp := t.TempDir()
	for _, rel := range []string{"Admin.cs", "Kits.cs"} {
		if err := os.WriteFile(filepath.Join(tmp, rel), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := Collect(tmp, []string{"*.cs"}, []string{"Admin*"})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("collected %v, want only Kits.cs", files)
	}
	if _, ok := files["Kits.cs"]; !ok {
		t.Errorf("collected %v, want Kits.cs", files)
	}
}

func TestCollectMissingDir(t *testing.T) {
	files, err := Collect(filepath.Join(t.TempDir(), "does-not-exist"), []string{"*"}, nil)
	if err != nil {
		t.Fatalf("missing dir should not error, got %v", err)
	}
	if len(files) != 0 {
		t.Errorf("collected %v, want empty", files)
	}
}

package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/GoCodeAlone/trok/git"
	"github.com/GoCodeAlone/trok/internal/gittest"
	"github.com/GoCodeAlone/trok/workspace"
)

type fakeDiffer struct {
	files []string
	err   error
	calls int
}

func (f *fakeDiffer) DiffNames(context.Context, string, string) ([]string, error) {
	f.calls++
	return f.files, f.err
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		sel  string
		want Kind
	}{
		{".", KindPath},
		{"./packages/ui", KindPath},
		{"HEAD^...HEAD", KindRange},
		{"v1..v2", KindRange},
		{"HEAD", KindRevision},
		{"abc123", KindRevision},
	}
	for _, tt := range tests {
		if got := KindOf(tt.sel); got != tt.want {
			t.Errorf("KindOf(%q) = %s, want %s", tt.sel, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, sel := range []string{"", " HEAD", "a b", "--output=/tmp/x"} {
		if err := Validate(sel); !errors.Is(err, ErrInvalidSelector) {
			t.Errorf("Validate(%q) = %v, want ErrInvalidSelector", sel, err)
		}
	}
	for _, sel := range []string{"HEAD", ".", "./a", "HEAD^...HEAD"} {
		if err := Validate(sel); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", sel, err)
		}
	}
}

func TestAttribute(t *testing.T) {
	tests := []struct {
		name     string
		packages []string
		files    []string
		want     []string
	}{
		{
			name:     "longest prefix wins",
			packages: []string{"./a", "./a/b"},
			files:    []string{"a/b/c.ts"},
			want:     []string{"./a/b"},
		},
		{
			name:     "segment boundary",
			packages: []string{"./a", "./ab"},
			files:    []string{"ab/x.ts"},
			want:     []string{"./ab"},
		},
		{
			name:     "root catches unowned files",
			packages: []string{".", "./a"},
			files:    []string{"README.md", "a/index.ts"},
			want:     []string{".", "./a"},
		},
		{
			name:     "unowned files dropped without root",
			packages: []string{"./a"},
			files:    []string{"docs/readme.md"},
			want:     nil,
		},
		{
			name:     "registry order not diff order",
			packages: []string{"./a", "./b", "./c"},
			files:    []string{"c/1", "a/1", "c/2"},
			want:     []string{"./a", "./c"},
		},
		{
			name:     "package manifest itself",
			packages: []string{"./a"},
			files:    []string{"a"},
			want:     []string{"./a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Attribute(tt.packages, tt.files)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Attribute mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSelect_Path(t *testing.T) {
	repo := workspace.Repository{Path: "/w/r", Packages: []string{".", "./a"}}
	d := &fakeDiffer{}
	s := &Selector{Differ: d}

	for sel, want := range map[string]string{".": ".", "./": ".", "./a": "./a", "./a/": "./a"} {
		got, err := s.Select(context.Background(), repo, sel)
		if err != nil {
			t.Errorf("Select(%q): %v", sel, err)
			continue
		}
		if diff := cmp.Diff([]string{want}, got); diff != "" {
			t.Errorf("Select(%q) mismatch (-want +got):\n%s", sel, diff)
		}
	}

	_, err := s.Select(context.Background(), repo, "./missing")
	if !errors.Is(err, ErrNoPackageFound) {
		t.Errorf("unknown path err = %v, want ErrNoPackageFound", err)
	}
	if d.calls != 0 {
		t.Errorf("path selectors called git %d times", d.calls)
	}
}

func TestSelect_Range(t *testing.T) {
	repo := workspace.Repository{Path: "/w/r", Packages: []string{"./a", "./a/b", "./c"}}
	s := &Selector{Differ: &fakeDiffer{files: []string{"a/b/c.ts", "c/x.ts"}}}

	got, err := s.Select(context.Background(), repo, "HEAD^...HEAD")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if diff := cmp.Diff([]string{"./a/b", "./c"}, got); diff != "" {
		t.Errorf("Select mismatch (-want +got):\n%s", diff)
	}
}

func TestSelect_NothingChanged(t *testing.T) {
	repo := workspace.Repository{Path: "/w/r", Packages: []string{"./a"}}
	s := &Selector{Differ: &fakeDiffer{files: []string{"docs/x.md"}}}
	_, err := s.Select(context.Background(), repo, "HEAD")
	if !errors.Is(err, ErrNoPackageFound) {
		t.Errorf("err = %v, want ErrNoPackageFound", err)
	}
}

func TestSelect_GitFailure(t *testing.T) {
	repo := workspace.Repository{Path: "/w/r", Packages: []string{"./a"}}
	cause := &git.CommandError{Args: []string{"diff"}, Stderr: "fatal: bad revision 'nope'\n", Err: errors.New("exit status 128")}
	s := &Selector{Differ: &fakeDiffer{err: cause}}

	_, err := s.Select(context.Background(), repo, "nope...HEAD")
	if !errors.Is(err, ErrGitDiffFailed) {
		t.Fatalf("err = %v, want ErrGitDiffFailed", err)
	}
	var gd *GitDiffError
	if !errors.As(err, &gd) {
		t.Fatalf("err = %v, want *GitDiffError", err)
	}
	if gd.Stderr != cause.Stderr {
		t.Errorf("Stderr = %q, want %q", gd.Stderr, cause.Stderr)
	}
}

func TestSelect_RealRepository(t *testing.T) {
	r := gittest.New(t, "")
	r.Commit("init", map[string]string{
		"package.json":          "{}",
		"apps/web/package.json": "{}",
		"apps/api/package.json": "{}",
	})
	r.Commit("touch web", map[string]string{"apps/web/index.ts": "x"})

	repo := workspace.Repository{Path: r.Dir, Packages: []string{".", "./apps/api", "./apps/web"}}
	got, err := New(&git.Client{}).Select(context.Background(), repo, "HEAD^...HEAD")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if diff := cmp.Diff([]string{"./apps/web"}, got); diff != "" {
		t.Errorf("Select mismatch (-want +got):\n%s", diff)
	}
}

func TestSelect_NonASCIIPackagePath(t *testing.T) {
	r := gittest.New(t, "")
	r.Commit("init", map[string]string{
		"package.json":               "{}",
		"packages/café/package.json": "{}",
	})
	r.Commit("touch café", map[string]string{"packages/café/index.ts": "x"})

	repo := workspace.Repository{Path: r.Dir, Packages: []string{".", "./packages/café"}}
	got, err := New(&git.Client{}).Select(context.Background(), repo, "HEAD^...HEAD")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if diff := cmp.Diff([]string{"./packages/café"}, got); diff != "" {
		t.Errorf("Select mismatch (-want +got):\n%s", diff)
	}
}

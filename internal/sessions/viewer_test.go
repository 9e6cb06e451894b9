package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/hive/internal/hiveerr"
)

func writeLines(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `{"id":%d}`+"\n", i)
	}
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestViewBlock(t *testing.T) {
	path := writeLines(t, 7)

	out, err := View(path, 4, 2)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")

	if lines[0] != "File: "+path {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[1] != "Line: 4 (context: 2)" {
		t.Fatalf("line header = %q", lines[1])
	}
	if len(lines[2]) != 40 || strings.Trim(lines[2], "-") != "" {
		t.Fatalf("rule = %q", lines[2])
	}

	content := lines[3 : len(lines)-1]
	if len(content) != 5 {
		t.Fatalf("content lines = %d, want 5 (lines 2..6)", len(content))
	}
	if content[2] != `>    4 | {"id":4}` {
		t.Fatalf("target line = %q", content[2])
	}
	marked := 0
	for _, l := range content {
		if strings.HasPrefix(l, ">") {
			marked++
		}
	}
	if marked != 1 {
		t.Fatalf("marked lines = %d, want exactly 1", marked)
	}
	if lines[len(lines)-1] != lines[2] {
		t.Fatalf("closing rule = %q", lines[len(lines)-1])
	}
}

func TestViewLineCountFormula(t *testing.T) {
	const n = 7
	path := writeLines(t, n)

	for line := 1; line <= n; line++ {
		for _, k := range []int{0, 1, 3, 10} {
			out, err := View(path, line, k)
			if err != nil {
				t.Fatalf("view(%d,%d): %v", line, k, err)
			}
			all := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
			content := len(all) - 4 // header, line header, two rules
			lo := line - k
			if lo < 1 {
				lo = 1
			}
			hi := line + k
			if hi > n {
				hi = n
			}
			if want := hi - lo + 1; content != want {
				t.Fatalf("view(%d,%d) content lines = %d, want %d", line, k, content, want)
			}
		}
	}
}

func TestViewOutOfRange(t *testing.T) {
	path := writeLines(t, 3)
	for _, line := range []int{0, -1, 4, 100} {
		_, err := View(path, line, 2)
		if !hiveerr.Is(err, hiveerr.KindOutOfRange) {
			t.Fatalf("view line %d: err = %v, want OutOfRange", line, err)
		}
		if !strings.Contains(err.Error(), "1..3") {
			t.Fatalf("error %q missing range", err)
		}
	}
}

func TestViewDropsTrailingBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	if err := os.WriteFile(path, []byte("{\"id\":1}\n{\"id\":2}\n\n\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := View(path, 3, 1); !hiveerr.Is(err, hiveerr.KindOutOfRange) {
		t.Fatalf("err = %v, want OutOfRange after dropping blanks", err)
	}
	if _, err := View(path, 2, 1); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestViewMissingFile(t *testing.T) {
	_, err := View(filepath.Join(t.TempDir(), "nope.jsonl"), 1, 1)
	if !hiveerr.Is(err, hiveerr.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

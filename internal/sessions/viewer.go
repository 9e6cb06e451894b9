package sessions

import (
	"fmt"
	"os"
	"strings"

	"github.com/basket/hive/internal/hiveerr"
)

// DefaultViewContext is the number of lines shown either side of the
// target.
const DefaultViewContext = 3

const viewRule = "----------------------------------------"

// View renders a deterministic context block around one line of a
// transcript file: header, 40-char rule, numbered lines with the target
// marked by '>', closing rule. Empty trailing lines are dropped before
// range validation; line numbers are 1-based.
func View(path string, line, context int) (string, error) {
	if context < 0 {
		context = DefaultViewContext
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", hiveerr.Wrap(hiveerr.KindNotFound, path, err)
		}
		return "", hiveerr.Wrap(hiveerr.KindIO, "read "+path, err)
	}

	lines := strings.Split(string(raw), "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	n := len(lines)
	if line < 1 || line > n {
		return "", hiveerr.Newf(hiveerr.KindOutOfRange, "line %d out of range 1..%d", line, n)
	}

	start := line - context
	if start < 1 {
		start = 1
	}
	end := line + context
	if end > n {
		end = n
	}

	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", path)
	fmt.Fprintf(&b, "Line: %d (context: %d)\n", line, context)
	b.WriteString(viewRule + "\n")
	for i := start; i <= end; i++ {
		marker := ' '
		if i == line {
			marker = '>'
		}
		fmt.Fprintf(&b, "%c%5d | %s\n", marker, i, lines[i-1])
	}
	b.WriteString(viewRule + "\n")
	return b.String(), nil
}

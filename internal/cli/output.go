package cli

import (
	"encoding/json"
	"io"
	"os"

	"golang.org/x/term"
)

const defaultWidth = 100

// terminalWidth returns the column count of w when it is a terminal, else 0.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// descWidth is the room left for a description column after fixed columns.
func descWidth(w io.Writer, fixed int) int {
	width := terminalWidth(w)
	if width == 0 {
		width = defaultWidth
	}
	if width-fixed < 20 {
		return 20
	}
	return width - fixed
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// marks returns the ok and failure markers, falling back to ASCII off a terminal.
func marks(w io.Writer) (ok, warn, fail string) {
	if terminalWidth(w) == 0 {
		return "[ok]", "[warn]", "[fail]"
	}
	return "✓", "⚠", "✗"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package ffmpeg

import (
	"fmt"
	"strings"
)

// Layout places n video inputs on a grid over a fixed canvas.
type Layout struct {
	Cols  int
	Rows  int
	CellW int
	CellH int
}

// Grid returns the column and row count for n video inputs. A single input
// is not stacked and yields 1x1.
func Grid(n int) (cols, rows int) {
	switch {
	case n <= 1:
		return 1, 1
	case n <= 2:
		return 2, 1
	case n <= 4:
		return 2, 2
	case n <= 6:
		return 3, 2
	case n <= 9:
		return 3, 3
	default:
		return 4, (n + 3) / 4
	}
}

func NewLayout(n, width, height int) Layout {
	cols, rows := Grid(n)
	return Layout{
		Cols:  cols,
		Rows:  rows,
		CellW: even(width / cols),
		CellH: even(height / rows),
	}
}

// Offset returns the top-left pixel of cell i, filled row by row.
func (l Layout) Offset(i int) (x, y int) {
	return (i % l.Cols) * l.CellW, (i / l.Cols) * l.CellH
}

// VideoFilter scales and crops every input to a cell and stacks them at
// their grid offsets; cells without an input stay black.
func (l Layout) VideoFilter(n int) string {
	parts := make([]string, 0, n+1)
	labels := make([]string, 0, n)
	positions := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, fmt.Sprintf(
			"[0:v:%d]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1[v%d]",
			i, l.CellW, l.CellH, l.CellW, l.CellH, i))
		labels = append(labels, fmt.Sprintf("[v%d]", i))
		x, y := l.Offset(i)
		positions = append(positions, fmt.Sprintf("%d_%d", x, y))
	}
	parts = append(parts, fmt.Sprintf("%sxstack=inputs=%d:layout=%s:fill=black[v]",
		strings.Join(labels, ""), n, strings.Join(positions, "|")))
	return strings.Join(parts, ";")
}

func AudioFilter(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "[0:a:%d]", i)
	}
	fmt.Fprintf(&b, "amix=inputs=%d:duration=longest[a]", n)
	return b.String()
}

func even(v int) int {
	return v &^ 1
}

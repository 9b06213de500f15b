package display

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/caesar-terminal/depthbook/internal/book"
)

// Format selects how values are written by Encode.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a user supplied output format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want text, json or yaml)", s)
	}
}

const barWidth = 20

var header = []string{"Price", "Size", "Total"}

// Render writes the stacked book view: asks with the best ask nearest the
// middle, the spread line, then bids best first. rows limits the levels per
// side; rows <= 0 renders everything.
func Render(w io.Writer, snap book.Snapshot, rows int) error {
	view := snap.Truncate(rows)
	asks := slices.Clone(view.Asks)
	slices.Reverse(asks)

	askRows := cells(asks)
	bidRows := cells(view.Bids)

	widths := make([]int, len(header))
	for _, row := range slices.Concat([][]string{header}, askRows, bidRows) {
		for i, c := range row {
			widths[i] = max(widths[i], len(c))
		}
	}

	var b strings.Builder
	writeRow(&b, widths, header, "Depth")
	for i, row := range askRows {
		writeRow(&b, widths, row, DepthBar(asks[i].Total, view.MaxTotal, barWidth))
	}
	b.WriteString(SpreadLabel(view.Spread, view.Margin))
	b.WriteByte('\n')
	for i, row := range bidRows {
		writeRow(&b, widths, row, DepthBar(view.Bids[i].Total, view.MaxTotal, barWidth))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func cells(levels []book.RankedLevel) [][]string {
	out := make([][]string, len(levels))
	for i, l := range levels {
		out[i] = []string{Number(l.Price, 2), Number(l.Size, -1), Number(l.Total, -1)}
	}
	return out
}

func writeRow(b *strings.Builder, widths []int, row []string, bar string) {
	for i, c := range row {
		fmt.Fprintf(b, "%*s  ", widths[i], c)
	}
	b.WriteString(bar)
	b.WriteByte('\n')
}

// DepthBar draws total as a fraction of maxTotal using at most width cells.
func DepthBar(total, maxTotal float64, width int) string {
	if maxTotal <= 0 {
		maxTotal = 1
	}
	n := int(total / maxTotal * float64(width))
	n = min(max(n, 0), width)
	return strings.Repeat("#", n)
}

// Encode writes v in the given format. Text output renders snapshots as a
// table and falls back to fmt for anything else.
func Encode(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		if snap, ok := v.(book.Snapshot); ok {
			return Render(w, snap, 0)
		}
		_, err := fmt.Fprintln(w, v)
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

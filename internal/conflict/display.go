package conflict

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/stepsync/internal/record"
)

// Op is the kind of a display diff segment.
type Op int

const (
	OpEqual Op = iota
	OpDelete
	OpInsert
)

// Segment is a run of tokens with the same Op.
type Segment struct {
	Op   Op
	Text string
}

// tokenPattern splits text into words, whitespace runs and single
// punctuation characters.
var tokenPattern = regexp.MustCompile(`\s+|[\p{L}\p{N}_]+|.`)

func tokenize(s string) []string {
	return tokenPattern.FindAllString(s, -1)
}

// TokenDiff computes a longest-common-subsequence diff of server against
// client at word granularity, for display only.
func TokenDiff(server, client string) []Segment {
	// Map each distinct token to one rune so the diff runs over tokens
	// instead of characters.
	index := map[string]rune{}
	var tokens []string
	encode := func(s string) []rune {
		var out []rune
		for _, tok := range tokenize(s) {
			r, ok := index[tok]
			if !ok {
				r = tokenRune(len(tokens))
				index[tok] = r
				tokens = append(tokens, tok)
			}
			out = append(out, r)
		}
		return out
	}
	a := encode(server)
	b := encode(client)

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMainRunes(a, b, false)

	decode := make(map[rune]string, len(tokens))
	for tok, r := range index {
		decode[r] = tok
	}

	var out []Segment
	for _, d := range diffs {
		var text strings.Builder
		for _, r := range d.Text {
			text.WriteString(decode[r])
		}
		op := OpEqual
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = OpDelete
		case diffmatchpatch.DiffInsert:
			op = OpInsert
		}
		if n := len(out); n > 0 && out[n-1].Op == op {
			out[n-1].Text += text.String()
			continue
		}
		out = append(out, Segment{Op: op, Text: text.String()})
	}
	return out
}

// tokenRune maps a token index to a rune, skipping the surrogate range.
func tokenRune(i int) rune {
	r := rune(i + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

// RenderSegments writes deletions as [-text-] and insertions as {+text+}.
func RenderSegments(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		switch s.Op {
		case OpDelete:
			b.WriteString("[-" + s.Text + "-]")
		case OpInsert:
			b.WriteString("{+" + s.Text + "+}")
		default:
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// FormatConflict renders a conflict descriptor for a person deciding how
// to resolve it.
func FormatConflict(c record.ConflictDescriptor) string {
	var b strings.Builder
	if c.WholeRecord() {
		fmt.Fprintf(&b, "step %d: whole-record conflict\n", c.Step)
		return b.String()
	}

	fields := make(map[string]record.FieldConflict, len(c.Fields))
	for _, f := range c.Fields {
		fields[f.Name] = f
	}

	fmt.Fprintf(&b, "step %d: %d conflicting field(s)\n", c.Step, len(c.Fields))
	for _, name := range c.FieldNames() {
		f := fields[name]
		fmt.Fprintf(&b, "  %s\n", name)
		fmt.Fprintf(&b, "    server: %s\n", displayValue(f.Server))
		fmt.Fprintf(&b, "    client: %s\n", displayValue(f.Client))
		fmt.Fprintf(&b, "    diff:   %s\n", RenderSegments(TokenDiff(valueText(f.Server), valueText(f.Client))))
	}
	return b.String()
}

func displayValue(v record.Value) string {
	if v == nil {
		return "(absent)"
	}
	return v.Text()
}

func valueText(v record.Value) string {
	if v == nil {
		return ""
	}
	return v.Text()
}

package diag

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// ColorMode selects how diagnostics are colorized.
type ColorMode uint8

const (
	// ColorAuto enables color when stderr is a terminal.
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

var (
	errColor  = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
	infoColor = color.New(color.FgCyan)
)

func useColor(mode ColorMode) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	default:
		return term.IsTerminal(int(os.Stderr.Fd()))
	}
}

// Fprint writes the bag's diagnostics to w, sorted and deduplicated.
func Fprint(w io.Writer, bag *Bag, mode ColorMode) {
	if bag == nil || bag.Len() == 0 {
		return
	}
	bag.Sort()
	bag.Dedup()
	colored := useColor(mode)
	for _, d := range bag.Items() {
		if !colored {
			fmt.Fprintln(w, d)
			continue
		}
		var c *color.Color
		switch d.Severity {
		case SevError:
			c = errColor
		case SevWarning:
			c = warnColor
		default:
			c = infoColor
		}
		c.Fprintf(w, "%s [%s]", d.Severity, d.Code)
		where := d.Fn
		if d.Line != 0 {
			where = fmt.Sprintf("%s:%d", d.Fn, d.Line)
		}
		if where != "" {
			fmt.Fprintf(w, " %s:", where)
		}
		fmt.Fprintf(w, " %s\n", d.Message)
		for _, n := range d.Notes {
			fmt.Fprintf(w, "  note: %s\n", n.Msg)
		}
	}
}

package ir

import (
	"fmt"
	"sort"
	"strings"

	"numir/internal/types"
)

// Print renders a module as text for dumps and golden tests.
func Print(m *Module) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "module %s {\n", m.Name)
	for _, na := range m.Attrs {
		fmt.Fprintf(&sb, "  attr %s = %s\n", na.Name, na.Attr)
	}
	for _, f := range m.Funcs {
		printFunc(&sb, m.Types, f)
	}
	sb.WriteString("}\n")
	return sb.String()
}

// PrintFunc renders a single function.
func PrintFunc(in *types.Interner, f *Func) string {
	var sb strings.Builder
	printFunc(&sb, in, f)
	return sb.String()
}

func printFunc(sb *strings.Builder, in *types.Interner, f *Func) {
	kind := "func"
	if f.Decl {
		kind = "declare"
	}
	fmt.Fprintf(sb, "  %s @%s %s", kind, f.Name, in.String(f.Type))
	for _, na := range f.Attrs {
		fmt.Fprintf(sb, " [%s = %s]", na.Name, na.Attr)
	}
	if f.Decl {
		sb.WriteString("\n")
		return
	}
	sb.WriteString(" {\n")
	printRegion(sb, in, f, &f.Body, "    ")
	sb.WriteString("  }\n")
}

func printRegion(sb *strings.Builder, in *types.Interner, f *Func, r *Region, indent string) {
	for _, blk := range r.Blocks {
		fmt.Fprintf(sb, "%sbb%d", indent, blk.ID)
		if len(blk.Params) > 0 {
			parts := make([]string, len(blk.Params))
			for i, p := range blk.Params {
				parts[i] = fmt.Sprintf("v%d: %s", p, in.String(f.ValueType(p)))
			}
			fmt.Fprintf(sb, "(%s)", strings.Join(parts, ", "))
		}
		sb.WriteString(":\n")
		for i := range blk.Ops {
			printOp(sb, in, f, &blk.Ops[i], indent+"  ")
		}
		printTerm(sb, &blk.Term, indent+"  ")
	}
}

func printOp(sb *strings.Builder, in *types.Interner, f *Func, op *Op, indent string) {
	sb.WriteString(indent)
	if len(op.Results) > 0 {
		parts := make([]string, len(op.Results))
		for i, r := range op.Results {
			parts[i] = fmt.Sprintf("v%d", r)
		}
		fmt.Fprintf(sb, "%s = ", strings.Join(parts, ", "))
	}
	sb.WriteString(op.Kind.String())
	for i, o := range op.Operands {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(sb, "v%d", o)
	}
	if len(op.Attrs) > 0 {
		attrs := make([]string, len(op.Attrs))
		for i, na := range op.Attrs {
			attrs[i] = fmt.Sprintf("%s = %s", na.Name, na.Attr)
		}
		sort.Strings(attrs)
		fmt.Fprintf(sb, " {%s}", strings.Join(attrs, ", "))
	}
	if len(op.Results) == 1 {
		fmt.Fprintf(sb, " : %s", in.String(f.ValueType(op.Results[0])))
	}
	sb.WriteString("\n")
	for i := range op.Regions {
		fmt.Fprintf(sb, "%s{\n", indent)
		printRegion(sb, in, f, &op.Regions[i], indent+"  ")
		fmt.Fprintf(sb, "%s}\n", indent)
	}
}

func printTerm(sb *strings.Builder, t *Terminator, indent string) {
	args := func(vs []ValueID) string {
		if len(vs) == 0 {
			return ""
		}
		parts := make([]string, len(vs))
		for i, v := range vs {
			parts[i] = fmt.Sprintf("v%d", v)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	}
	switch t.Kind {
	case TermNone:
		fmt.Fprintf(sb, "%s<unterminated>\n", indent)
	case TermBr:
		fmt.Fprintf(sb, "%sbr bb%d%s\n", indent, t.Br.Target, args(t.Br.Args))
	case TermCondBr:
		fmt.Fprintf(sb, "%scond_br v%d, bb%d%s, bb%d%s\n", indent,
			t.CondBr.Cond, t.CondBr.True, args(t.CondBr.TrueArgs),
			t.CondBr.False, args(t.CondBr.FalseArgs))
	case TermReturn:
		if len(t.Return.Values) == 0 {
			fmt.Fprintf(sb, "%sreturn\n", indent)
		} else {
			parts := make([]string, len(t.Return.Values))
			for i, v := range t.Return.Values {
				parts[i] = fmt.Sprintf("v%d", v)
			}
			fmt.Fprintf(sb, "%sreturn %s\n", indent, strings.Join(parts, ", "))
		}
	case TermUnreachable:
		fmt.Fprintf(sb, "%sunreachable\n", indent)
	}
}

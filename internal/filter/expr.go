package filter

import (
	"fmt"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"

	"tickpipe/internal/table"
)

// Expr evaluates an expr-lang boolean expression once per row, with the
// columns it names bound by name. Null columns are nil. It is the per-record
// counterpart of the vectorized predicates.
type Expr struct {
	source  string
	sql     string
	program *vm.Program
	idents  []string
}

// NewExpr compiles source. sqlText, when non-empty, is the equivalent SQL
// used for reader pushdown; the caller asserts the two agree.
func NewExpr(source, sqlText string) (*Expr, error) {
	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", source, err)
	}
	var idents identifiers
	node := program.Node()
	ast.Walk(&node, &idents)
	return &Expr{source: source, sql: sqlText, program: program, idents: idents}, nil
}

type identifiers []string

func (ids *identifiers) Visit(node *ast.Node) {
	if id, ok := (*node).(*ast.IdentifierNode); ok && !slices.Contains(*ids, id.Value) {
		*ids = append(*ids, id.Value)
	}
}

// Columns returns the columns of schema the expression reads.
func (e *Expr) Columns(schema *arrow.Schema) []string {
	cols := make([]string, 0, len(e.idents))
	for _, id := range e.idents {
		if schema.HasField(id) {
			cols = append(cols, id)
		}
	}
	return cols
}

func (e *Expr) Mask(rec arrow.Record) ([]bool, error) {
	n := int(rec.NumRows())
	mask := make([]bool, n)
	cols := e.Columns(rec.Schema())
	for i := 0; i < n; i++ {
		row, err := table.RowAt(rec, i, cols)
		if err != nil {
			return nil, err
		}
		out, err := expr.Run(e.program, map[string]any(row))
		if err != nil {
			return nil, fmt.Errorf("evaluate %q at row %d: %w", e.source, i, err)
		}
		b, ok := out.(bool)
		if !ok {
			return nil, fmt.Errorf("expression %q returned %T, want bool", e.source, out)
		}
		mask[i] = b
	}
	return mask, nil
}

func (e *Expr) SQL() (string, bool) {
	return e.sql, e.sql != ""
}

func (e *Expr) String() string { return e.source }

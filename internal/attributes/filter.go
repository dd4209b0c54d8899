package attributes

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mrzor/net-tracer/internal/facts"
)

// Filter selects the facts to emit. A nil Filter keeps everything.
type Filter struct {
	source  string
	program *vm.Program
}

// NewFilter compiles a boolean expression such as
// `kind == "http_response" && status_code >= 500`. An empty expression
// returns a nil Filter.
func NewFilter(expression string) (*Filter, error) {
	if expression == "" {
		return nil, nil
	}
	program, err := expr.Compile(expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter %q: %w", expression, err)
	}
	return &Filter{source: expression, program: program}, nil
}

// String returns the filter expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match reports whether fact passes the filter. Evaluation errors reject the
// fact.
func (f *Filter) Match(fact facts.Fact) (bool, error) {
	if f == nil {
		return true, nil
	}
	output, err := expr.Run(f.program, fact.Fields())
	if err != nil {
		return false, fmt.Errorf("evaluating filter on %s: %w", fact.Kind(), err)
	}
	keep, _ := output.(bool)
	return keep, nil
}

// Package expr evaluates sequence-flow guard conditions and plan-item rule
// expressions against a message-token context.
//
// Two expression languages are supported:
//   - JavaScript (default), evaluated with a `context` object bound to the
//     incoming tokens
//   - FEEL, selected by a leading "=", evaluated with a variable scope built
//     from token names
//
// Expression sources may arrive HTML-encoded from XML definitions and are
// decoded before parsing.
package expr

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/pbinitiative/feel"
)

// Token is the evaluation-context view of one message token.
type Token struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

type EvaluationError struct {
	Expression string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate expression %q: %v", e.Expression, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Evaluator evaluates boolean expressions over a token context.
// It is safe for concurrent use.
type Evaluator struct {
	vms *vmPool
}

func NewEvaluator(ctx context.Context) *Evaluator {
	return &Evaluator{
		vms: newVmPool(ctx, 10, 2),
	}
}

// EvaluateBool decodes and evaluates expression against the given tokens.
// A non-boolean result is an evaluation error.
func (e *Evaluator) EvaluateBool(expression string, tokens []Token) (bool, error) {
	decoded := strings.TrimSpace(html.UnescapeString(expression))
	if strings.HasPrefix(decoded, "=") {
		return e.evaluateFeel(strings.TrimPrefix(decoded, "="), tokens)
	}
	return e.evaluateJs(decoded, tokens)
}

func (e *Evaluator) evaluateJs(expression string, tokens []Token) (bool, error) {
	vm := e.vms.get()
	defer e.vms.put(vm)

	if err := vm.Set("context", newJsContext(tokens)); err != nil {
		return false, &EvaluationError{Expression: expression, Err: err}
	}
	res, err := vm.RunString(expression)
	if err != nil {
		return false, &EvaluationError{Expression: expression, Err: err}
	}
	out, ok := res.Export().(bool)
	if !ok {
		return false, &EvaluationError{
			Expression: expression,
			Err:        fmt.Errorf("expression returned %T, expected bool", res.Export()),
		}
	}
	return out, nil
}

func (e *Evaluator) evaluateFeel(expression string, tokens []Token) (bool, error) {
	scope := map[string]any{}
	tokenList := make([]any, 0, len(tokens))
	for _, t := range tokens {
		scope[t.Name] = t.Payload
		tokenList = append(tokenList, map[string]any{"name": t.Name, "payload": t.Payload})
	}
	scope["tokens"] = tokenList
	res, err := feel.EvalStringWithScope(expression, scope)
	if err != nil {
		return false, &EvaluationError{Expression: expression, Err: err}
	}
	out, ok := res.(bool)
	if !ok {
		return false, &EvaluationError{
			Expression: expression,
			Err:        fmt.Errorf("expression returned %T, expected bool", res),
		}
	}
	return out, nil
}

// newJsContext builds the `context` object visible to JS expressions.
func newJsContext(tokens []Token) map[string]any {
	tokenList := make([]map[string]any, 0, len(tokens))
	for _, t := range tokens {
		tokenList = append(tokenList, map[string]any{
			"name":    t.Name,
			"payload": t.Payload,
		})
	}
	return map[string]any{
		"tokens": tokenList,
		"anyToken": func(name string) bool {
			for _, t := range tokens {
				if t.Name == name {
					return true
				}
			}
			return false
		},
		"token": func(name string) map[string]any {
			for _, t := range tokens {
				if t.Name == name {
					return map[string]any{"name": t.Name, "payload": t.Payload}
				}
			}
			return nil
		},
	}
}

package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateJsAnyToken(t *testing.T) {
	// setup
	evaluator := NewEvaluator(t.Context())
	tokens := []Token{{Name: "approved", Payload: map[string]any{"content": "yes"}}}

	// when
	res, err := evaluator.EvaluateBool(`context.anyToken("approved")`, tokens)

	// then
	assert.NoError(t, err)
	assert.True(t, res)

	// when the token is absent
	res, err = evaluator.EvaluateBool(`context.anyToken("rejected")`, tokens)

	// then
	assert.NoError(t, err)
	assert.False(t, res)
}

func TestEvaluateJsTokenPayload(t *testing.T) {
	// setup
	evaluator := NewEvaluator(t.Context())
	tokens := []Token{{Name: "repetition", Payload: map[string]any{"count": 1}}}

	// when
	res, err := evaluator.EvaluateBool(`context.token("repetition").payload.count < 3`, tokens)

	// then
	assert.NoError(t, err)
	assert.True(t, res)
}

func TestEvaluateHtmlEncodedExpression(t *testing.T) {
	// setup
	evaluator := NewEvaluator(t.Context())
	tokens := []Token{{Name: "paid", Payload: map[string]any{"content": "100"}}}

	// when condition arrives HTML-encoded from an XML resource
	res, err := evaluator.EvaluateBool(`context.anyToken(&quot;paid&quot;)`, tokens)

	// then
	assert.NoError(t, err)
	assert.True(t, res)
}

func TestEvaluateFeelExpression(t *testing.T) {
	// setup
	evaluator := NewEvaluator(t.Context())
	tokens := []Token{{Name: "order", Payload: map[string]any{"amount": 250}}}

	// when a leading = selects FEEL
	res, err := evaluator.EvaluateBool(`=order.amount > 100`, tokens)

	// then
	assert.NoError(t, err)
	assert.True(t, res)
}

func TestEvaluateNonBoolResult(t *testing.T) {
	// setup
	evaluator := NewEvaluator(t.Context())

	// when
	_, err := evaluator.EvaluateBool(`1 + 1`, nil)

	// then
	var evalErr *EvaluationError
	assert.ErrorAs(t, err, &evalErr)
}

func TestEvaluateBrokenExpression(t *testing.T) {
	// setup
	evaluator := NewEvaluator(t.Context())

	// when
	_, err := evaluator.EvaluateBool(`this is not javascript`, nil)

	// then
	var evalErr *EvaluationError
	assert.ErrorAs(t, err, &evalErr)
}

func TestEvaluatorIsConcurrencySafe(t *testing.T) {
	// setup
	evaluator := NewEvaluator(t.Context())
	tokens := []Token{{Name: "go", Payload: map[string]any{}}}

	// when many goroutines evaluate at once
	done := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		go func() {
			res, err := evaluator.EvaluateBool(`context.anyToken("go")`, tokens)
			done <- err == nil && res
		}()
	}

	// then
	for i := 0; i < 32; i++ {
		assert.True(t, <-done)
	}
}

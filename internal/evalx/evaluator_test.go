package evalx

import (
	"context"
	"testing"
)

func TestEvaluateSimpleComparison(t *testing.T) {
	e := New()
	env := map[string]any{
		"item": map[string]any{"status": "open", "priority": float64(2)},
	}

	ok, err := e.Evaluate(context.Background(), `item.status=open`, env)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}
}

func TestEvaluateAndOrNot(t *testing.T) {
	e := New()
	env := map[string]any{
		"item": map[string]any{"status": "open", "priority": float64(3)},
	}

	ok, err := e.Evaluate(context.Background(), `item.status=open AND item.priority>2`, env)
	if err != nil || !ok {
		t.Fatalf("expected AND match, got ok=%v err=%v", ok, err)
	}

	ok, err = e.Evaluate(context.Background(), `NOT item.status=closed`, env)
	if err != nil || !ok {
		t.Fatalf("expected NOT match, got ok=%v err=%v", ok, err)
	}

	ok, err = e.Evaluate(context.Background(), `item.status=closed OR item.priority>=3`, env)
	if err != nil || !ok {
		t.Fatalf("expected OR match, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluateArrayAnyMatch(t *testing.T) {
	e := New()
	env := map[string]any{
		"item": map[string]any{"labels": []any{"a", "b", "c"}},
	}
	ok, err := e.Evaluate(context.Background(), `item.labels=b`, env)
	if err != nil || !ok {
		t.Fatalf("expected array-any match, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluateMissingFieldIsFalseExceptNotEquals(t *testing.T) {
	e := New()
	env := map[string]any{"item": map[string]any{}}

	ok, _ := e.Evaluate(context.Background(), `item.missing=foo`, env)
	if ok {
		t.Fatalf("expected false for missing field with =")
	}
	ok, _ = e.Evaluate(context.Background(), `item.missing!=foo`, env)
	if !ok {
		t.Fatalf("expected true for missing field with !=")
	}
}

func TestEvaluateEmptyExpressionMatchesEverything(t *testing.T) {
	e := New()
	ok, err := e.Evaluate(context.Background(), "", nil)
	if err != nil || !ok {
		t.Fatalf("expected empty expression to match, got ok=%v err=%v", ok, err)
	}
}

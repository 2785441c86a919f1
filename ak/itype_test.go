package ak

import "testing"

func TestItypeExprEvaluatesComputedStringKey(t *testing.T) {
	expr, err := CompileItype(`record["last"] + "," + record["first"]`)
	if err != nil {
		t.Fatal(err)
	}
	got, err := expr.Eval("CUST001", map[string]any{"last": "Smith", "first": "Jane"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "Smith,Jane" {
		t.Fatalf("got %q", got)
	}
}

func TestItypeExprRejectsBadExpression(t *testing.T) {
	if _, err := CompileItype("record[[["); err == nil {
		t.Fatal("expected compile error")
	}
}

package amount

import "testing"

func TestParseAndString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"whole", "EUR:5", "EUR:5.00000000"},
		{"fraction", "EUR:4.98", "EUR:4.98000000"},
		{"full precision", "EUR:0.00000001", "EUR:0.00000001"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v, err := Parse(tc.in)
			if err != nil {
				t.Fatalf("parse err: %v", err)
			}
			if got := v.String(); got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "EUR", "EUR:", ":5", "EUR:5.123456789"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("Parse(%q) = nil error, want error", bad)
		}
	}
}

func TestAddSub(t *testing.T) {
	a := mustParse(t, "EUR:5.00")
	b := mustParse(t, "EUR:0.01")
	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if sum.String() != "EUR:5.01000000" {
		t.Fatalf("sum = %s", sum)
	}
	diff, err := sum.Sub(a)
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if diff.Cmp(b) != 0 {
		t.Fatalf("diff = %s, want %s", diff, b)
	}
}

func TestSubUnderflow(t *testing.T) {
	a := mustParse(t, "EUR:1.00")
	b := mustParse(t, "EUR:2.00")
	if _, err := a.Sub(b); err == nil {
		t.Fatalf("expected underflow error")
	}
}

func TestCurrencyMismatch(t *testing.T) {
	a := mustParse(t, "EUR:1.00")
	b := mustParse(t, "USD:1.00")
	if _, err := a.Add(b); err == nil {
		t.Fatalf("expected currency mismatch error")
	}
}

func TestSum(t *testing.T) {
	vs := []Value{mustParse(t, "EUR:1.00"), mustParse(t, "EUR:2.50"), mustParse(t, "EUR:0.49")}
	total, err := Sum("EUR", vs)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if total.String() != "EUR:3.99000000" {
		t.Fatalf("total = %s", total)
	}
}

func mustParse(t *testing.T, s string) Value {
	t.Helper()
	v, err := Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

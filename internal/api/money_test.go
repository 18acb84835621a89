package api

import "testing"

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out Cents
		ok  bool
	}{
		{"1", 100, true},
		{"1.0", 100, true},
		{"1.23", 123, true},
		{"1,23", 123, true},
		{"0.01", 1, true},
		{".5", 50, true},
		{"1.005", 101, true}, // half-up rounding
		{"1.004", 100, true},
		{" 2.50 ", 250, true},
		{"-1", 0, false},
		{"0", 0, false},
		{"0.00", 0, false},
		{"abc", 0, false},
		{"1.2.3", 0, false},
		{"1e3", 0, false},
		{"", 0, false},
		{"99999999999999999999", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || got != tc.out {
				t.Fatalf("%q expected %d, got %d (err=%v)", tc.in, tc.out, got, err)
			}
		} else if err == nil {
			t.Fatalf("%q expected error", tc.in)
		}
	}
}

func TestCentsString(t *testing.T) {
	cases := map[Cents]string{0: "0.00", 5: "0.05", 1234: "12.34", -250: "-2.50"}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("Cents(%d).String() = %q, want %q", int64(c), got, want)
		}
	}
}

func TestTotal(t *testing.T) {
	total, skipped := Total([]Expense{
		{ID: 1, Amount: "12.50"},
		{ID: 2, Amount: "0.75"},
		{ID: 3, Amount: "n/a"},
	})
	if total != 1325 || skipped != 1 {
		t.Errorf("Total() = %v, %d; want 13.25, 1", total, skipped)
	}
}

package phone

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"e164", "+919876543210", "919876543210"},
		{"jid", "919876543210@s.whatsapp.net", "919876543210"},
		{"twilio prefix", "whatsapp:+919876543210", "919876543210"},
		{"national", "9876543210", "9876543210"},
		{"spaces and dashes", "98765 432-10", "9876543210"},
		{"empty", "", ""},
		{"no digits", "abc", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.raw); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestVariantsEmptyInput(t *testing.T) {
	if got := Variants(""); got != nil {
		t.Errorf("Variants(\"\") = %v, want nil", got)
	}
	if got := Variants("no digits here"); got != nil {
		t.Errorf("Variants with no digits = %v, want nil", got)
	}
}

func TestVariantsIncludeCanonicalFirst(t *testing.T) {
	inputs := []string{"+919876543210", "9876543210", "919876543210@s.whatsapp.net", "12345"}
	for _, raw := range inputs {
		got := Variants(raw)
		if len(got) == 0 {
			t.Fatalf("Variants(%q) is empty for non-empty normalized input", raw)
		}
		if got[0] != Normalize(raw) {
			t.Errorf("Variants(%q)[0] = %q, want canonical %q", raw, got[0], Normalize(raw))
		}
	}
}

func TestVariantsCountryCodeExpansion(t *testing.T) {
	got := Variants("+919876543210")
	want := []string{"919876543210", "9876543210"}
	if len(got) != len(want) {
		t.Fatalf("Variants = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Variants[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	got = Variants("9876543210")
	want = []string{"9876543210", "919876543210"}
	if len(got) != len(want) {
		t.Fatalf("Variants = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Variants[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNationalSuffix(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"+919876543210", "9876543210"},
		{"9876543210", "9876543210"},
		{"whatsapp:+919876543210", "9876543210"},
		{"12345", "12345"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NationalSuffix(tc.raw); got != tc.want {
			t.Errorf("NationalSuffix(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestVariantsOddLengthsNotExpanded(t *testing.T) {
	// Short codes and odd-length numbers get no country-code games.
	got := Variants("12345")
	if len(got) != 1 || got[0] != "12345" {
		t.Errorf("Variants(\"12345\") = %v, want just the canonical form", got)
	}
}

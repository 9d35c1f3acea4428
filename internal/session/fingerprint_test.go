package session

import "testing"

func TestNormalizeIPv4(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"same /24", "203.0.113.10", "203.0.113.200", true},
		{"different /24", "203.0.113.10", "203.0.114.10", false},
		{"v4-mapped v6 matches plain v4", "::ffff:203.0.113.10", "203.0.113.42", true},
		{"same /64 v6", "2001:db8:1:2::10", "2001:db8:1:2:ffff::1", true},
		{"different /64 v6", "2001:db8:1:2::10", "2001:db8:1:3::10", false},
		{"garbage compares against itself", "not-an-ip", "not-an-ip", true},
		{"garbage differs from real", "not-an-ip", "203.0.113.10", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeIP(tt.a) == normalizeIP(tt.b)
			if got != tt.same {
				t.Errorf("normalizeIP(%q)=%q, normalizeIP(%q)=%q, same=%v want %v",
					tt.a, normalizeIP(tt.a), tt.b, normalizeIP(tt.b), got, tt.same)
			}
		})
	}
}

func TestUAFamily(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"Mozilla/5.0 (X11; Linux x86_64) Firefox/131.0", "mozilla"},
		{"Mozilla/6.0 (Windows NT 10.0)", "mozilla"},
		{"curl/8.5.0", "curl"},
		{"PostmanRuntime/7.39", "postmanruntime"},
		{"", ""},
		{"  Mozilla/5.0  ", "mozilla"},
	}

	for _, tt := range tests {
		if got := uaFamily(tt.ua); got != tt.want {
			t.Errorf("uaFamily(%q) = %q, want %q", tt.ua, got, tt.want)
		}
	}
}

func TestNormalizeMaterialChange(t *testing.T) {
	base := Fingerprint{IP: "203.0.113.10", UserAgent: "Mozilla/5.0 (X11)"}.Normalize()

	// Browser version bumps and in-subnet churn are not material.
	minor := Fingerprint{IP: "203.0.113.99", UserAgent: "Mozilla/6.0 (Windows)"}.Normalize()
	if minor != base {
		t.Errorf("in-subnet churn treated as material: %+v vs %+v", minor, base)
	}

	moved := Fingerprint{IP: "198.51.100.7", UserAgent: "Mozilla/5.0 (X11)"}.Normalize()
	if moved == base {
		t.Error("subnet change not detected")
	}

	swapped := Fingerprint{IP: "203.0.113.10", UserAgent: "curl/8.5.0"}.Normalize()
	if swapped == base {
		t.Error("user agent family change not detected")
	}
}

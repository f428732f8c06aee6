package provision

import "testing"

func TestDeriveIdentityStable(t *testing.T) {
	a := DeriveIdentity("proj-123", "", "pw-")
	b := DeriveIdentity("proj-123", "", "pw-")
	if a != b {
		t.Errorf("DeriveIdentity not stable: %q vs %q", a, b)
	}
	if len(a) != len("pw-")+8 {
		t.Errorf("fallback identity length = %d, want %d", len(a), len("pw-")+8)
	}

	other := DeriveIdentity("proj-124", "", "pw-")
	if other == a {
		t.Errorf("different projects derived the same identity %q", a)
	}
}

func TestDeriveIdentityPrefersSlug(t *testing.T) {
	got := DeriveIdentity("proj-123", "My App", "pw-")
	if got != "my-app" {
		t.Errorf("DeriveIdentity() = %q, want %q", got, "my-app")
	}
}

func TestSanitizeSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"my-app", "my-app", true},
		{"My App", "my-app", true},
		{"  Spaced  Out  ", "spaced-out", true},
		{"foo__bar..baz", "foo-bar-baz", true},
		{"UPPER", "upper", true},
		{"---", "", false},
		{"", "", false},
		{"!!!", "", false},
		{"-leading-trailing-", "leading-trailing", true},
		{"a", "a", true},
		{"42", "42", true},
	}
	for _, tt := range tests {
		got, ok := SanitizeSlug(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("SanitizeSlug(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSanitizeSlugLength(t *testing.T) {
	long := make([]byte, 0, 100)
	for i := 0; i < 100; i++ {
		long = append(long, 'a')
	}
	got, ok := SanitizeSlug(string(long))
	if !ok {
		t.Fatal("SanitizeSlug(long) not ok")
	}
	if len(got) > maxIdentityLen {
		t.Errorf("sanitized length = %d, want <= %d", len(got), maxIdentityLen)
	}
}

func TestPreviewAddress(t *testing.T) {
	got := PreviewAddress("https", "my-app", "preview.example.com")
	want := "https://my-app.preview.example.com/"
	if got != want {
		t.Errorf("PreviewAddress() = %q, want %q", got, want)
	}
}

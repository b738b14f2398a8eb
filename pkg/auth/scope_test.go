package auth

import "testing"

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"admin", false},
		{"publish:all", false},
		{"read:all", false},
		{"publish:pkg:http_retry", false},
		{"publish:pkg:", true},
		{"write:all", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := ParseScope(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseScope(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestScopeCovers(t *testing.T) {
	tests := []struct {
		held     Scope
		required Scope
		want     bool
	}{
		{ScopeAdmin, ScopePublishAll, true},
		{ScopeAdmin, PublishScope("x"), true},
		{ScopeAdmin, ScopeReadAll, true},
		{ScopePublishAll, PublishScope("x"), true},
		{ScopePublishAll, ScopeReadAll, true},
		{PublishScope("x"), PublishScope("x"), true},
		{PublishScope("x"), PublishScope("y"), false},
		{PublishScope("x"), ScopeReadAll, true},
		{ScopeReadAll, PublishScope("x"), false},
		{ScopeReadAll, ScopePublishAll, false},
		{ScopeReadAll, ScopeReadAll, true},
	}
	for _, tt := range tests {
		if got := tt.held.Covers(tt.required); got != tt.want {
			t.Errorf("%q.Covers(%q) = %v, want %v", tt.held, tt.required, got, tt.want)
		}
	}
}

func TestCanPublish(t *testing.T) {
	if !CanPublish([]string{"publish:pkg:mine"}, "mine") {
		t.Error("package scope should allow its own package")
	}
	if CanPublish([]string{"publish:pkg:mine"}, "other") {
		t.Error("package scope should not allow other packages")
	}
	if !CanPublish([]string{"read:all", "publish:all"}, "anything") {
		t.Error("publish:all should allow any package")
	}
	if CanPublish([]string{"read:all"}, "anything") {
		t.Error("read:all should not allow publishing")
	}
	if CanPublish(nil, "anything") {
		t.Error("no scopes should not allow publishing")
	}
}

func TestCanPublishAny(t *testing.T) {
	for _, held := range [][]string{
		{"admin"},
		{"publish:all"},
		{"read:all", "publish:pkg:mine"},
	} {
		if !CanPublishAny(held) {
			t.Errorf("CanPublishAny(%v) = false, want true", held)
		}
	}
	if CanPublishAny([]string{"read:all"}) {
		t.Error("read:all alone should not be publish-capable")
	}
	if CanPublishAny(nil) {
		t.Error("no scopes should not be publish-capable")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	ok, err := VerifyPassword("correct horse battery staple", hash)
	if err != nil || !ok {
		t.Errorf("verify correct password = %v, %v", ok, err)
	}

	ok, err = VerifyPassword("wrong password", hash)
	if err != nil || ok {
		t.Errorf("verify wrong password = %v, %v", ok, err)
	}

	if _, err := VerifyPassword("x", "not-a-hash"); err == nil {
		t.Error("malformed hash should error")
	}
}

func TestPasswordHashesAreSalted(t *testing.T) {
	h1, _ := HashPassword("same")
	h2, _ := HashPassword("same")
	if h1 == h2 {
		t.Error("two hashes of the same password should differ")
	}
}

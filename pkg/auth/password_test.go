package auth

import (
	"strings"
	"testing"
)

func TestHashPasswordUsesBcrypt(t *testing.T) {
	const password = "Insp3ction!Admin"
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if !strings.HasPrefix(hash, "$2a$") {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}
	if !CheckPassword(password, hash) {
		t.Fatalf("expected password to match its hash")
	}
	if CheckPassword("insp3ction!admin", hash) {
		t.Fatalf("check must be case sensitive")
	}
	if CheckPassword(password, "not-a-bcrypt-hash") {
		t.Fatalf("malformed hash must not match")
	}

	again, err := HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if again == hash {
		t.Fatalf("expected a fresh salt per hash")
	}
}

func TestValidatePasswordPolicy(t *testing.T) {
	cases := []struct {
		password string
		wantErr  string
	}{
		{"Str0ng#Password!", ""},
		{"檢查員密碼Aa1!xyzw", ""},
		{"Sh0rt!Pass", "at least 12 characters"},
		{"檢查員密碼Aa1!", "at least 12 characters"},
		{"alllowercase123!", "uppercase"},
		{"ALLUPPERCASE123!", "lowercase"},
		{"NoDigitsHere!!!", "digit"},
		{"NoSpecials1234", "special"},
	}
	for _, tc := range cases {
		err := ValidatePassword(tc.password)
		switch {
		case tc.wantErr == "" && err != nil:
			t.Fatalf("ValidatePassword(%q) unexpected error: %v", tc.password, err)
		case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
			t.Fatalf("ValidatePassword(%q) = %v, want error containing %q", tc.password, err, tc.wantErr)
		}
	}
}

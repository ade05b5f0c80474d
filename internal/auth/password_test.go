package auth

import "testing"

func TestHashAndComparePassword(t *testing.T) {
	plain := "s3cret-password"

	hash, err := HashPassword(plain)
	if err != nil {
		t.Fatalf("HashPassword() failed: %v", err)
	}
	if hash == "" || hash == plain {
		t.Fatalf("unexpected hash %q", hash)
	}

	if err := ComparePassword(hash, plain); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
	if err := ComparePassword(hash, "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
}

func TestHashPassword_Salted(t *testing.T) {
	hash1, _ := HashPassword("same")
	hash2, _ := HashPassword("same")
	if hash1 == hash2 {
		t.Error("bcrypt hashes for the same input should differ")
	}
	if err := ComparePassword(hash2, "same"); err != nil {
		t.Errorf("second hash should validate: %v", err)
	}
}

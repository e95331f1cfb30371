package document

import "golang.org/x/crypto/bcrypt"

// HashPassword bcrypt-hashes a plaintext password for storage as a
// document's password_hash. secret.go's room-secret OTPs used
// crypto/rand tokens, not password hashing, so this reaches past it
// for golang.org/x/crypto/bcrypt instead.
func HashPassword(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}

// CheckPassword reports whether plaintext matches hash.
func CheckPassword(hash []byte, plaintext string) bool {
	if len(hash) == 0 {
		return true
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

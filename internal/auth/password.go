package auth

import (
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// PasswordHasher hashes and verifies passwords using bcrypt.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher clamps cost into bcrypt's range; zero or less means bcrypt.DefaultCost.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &PasswordHasher{cost: cost}
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Matches reports whether password matches the stored hash.
func (h *PasswordHasher) Matches(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

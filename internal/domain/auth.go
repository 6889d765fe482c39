package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims: пользовательский JWT. Выпускает его внешний сервис аутентификации,
// мост только проверяет подпись публичным ключом.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}

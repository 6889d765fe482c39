package postgres

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// ValidatePairing сверяет pairing-токен с bcrypt-хешем активной связки.
// Неизвестная или выключенная связка: не ошибка, а false.
func (s *Store) ValidatePairing(ctx context.Context, extensionID, userID, token string) (bool, error) {
	query := `
		SELECT token_hash FROM extension_pairings
		WHERE extension_id = $1 AND user_id = $2 AND is_active`

	var hash string
	err := s.pool.QueryRow(ctx, query, extensionID, userID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: load pairing: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) TouchLastSeen(ctx context.Context, extensionID, userID string) error {
	query := `UPDATE extension_pairings SET last_seen = NOW() WHERE extension_id = $1 AND user_id = $2`
	if _, err := s.pool.Exec(ctx, query, extensionID, userID); err != nil {
		return fmt.Errorf("postgres: touch last_seen: %w", err)
	}
	return nil
}

// CreatePairing выпускает новый pairing-токен. В базе остается только хеш,
// сам токен возвращается один раз.
func (s *Store) CreatePairing(ctx context.Context, extensionID, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("postgres: generate pairing token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("postgres: hash pairing token: %w", err)
	}

	query := `
		INSERT INTO extension_pairings (extension_id, user_id, token_hash, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (extension_id, user_id)
		DO UPDATE SET token_hash = EXCLUDED.token_hash, is_active = TRUE`
	if _, err := s.pool.Exec(ctx, query, extensionID, userID, string(hash)); err != nil {
		return "", fmt.Errorf("postgres: save pairing: %w", err)
	}
	return token, nil
}

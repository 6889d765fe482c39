// Package signer выпускает и проверяет короткоживущие подписанные команды.
// Подписывает только владелец приватного ключа (RS256); любая поверхность
// исполнения проверяет публичным ключом, но подделать команду не может.
package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/spaceai-browser-bridge/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrInvalidToken  = errors.New("signer: invalid command token")
	ErrTokenExpired  = errors.New("signer: command token expired")
	ErrNoKeyMaterial = errors.New("signer: no signing key configured (set signer.private_key_path or enable signer.dev_mode)")
)

const issuer = "spaceai-browser-bridge"

// commandClaims: полезная нагрузка токена. iat/exp живут в RegisteredClaims.
type commandClaims struct {
	RequestID  string                 `json:"request_id"`
	AgentID    string                 `json:"agent_id"`
	Capability string                 `json:"capability"`
	Args       map[string]interface{} `json:"args"`
	jwt.RegisteredClaims
}

// Verifier проверяет токены. Ему нужен только публичный ключ.
type Verifier struct {
	publicKey *rsa.PublicKey
	now       func() time.Time
}

func NewVerifier(pub *rsa.PublicKey) *Verifier {
	return &Verifier{publicKey: pub, now: time.Now}
}

// Signer выпускает токены и умеет их же проверять.
type Signer struct {
	*Verifier
	privateKey *rsa.PrivateKey
	ttl        time.Duration
}

// New создает Signer. ttl <= 0 означает domain.CommandTTL.
func New(priv *rsa.PrivateKey, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = domain.CommandTTL
	}
	return &Signer{
		Verifier:   NewVerifier(&priv.PublicKey),
		privateKey: priv,
		ttl:        ttl,
	}
}

// FromPEM собирает Signer из PEM. Пустой PEM допустим только в dev-режиме:
// тогда генерируется эфемерная пара ключей, о чем пишется предупреждение.
func FromPEM(privatePEM []byte, devMode bool, ttl time.Duration, logger *zap.Logger) (*Signer, error) {
	if len(privatePEM) == 0 {
		if !devMode {
			return nil, ErrNoKeyMaterial
		}
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("signer: generate dev key: %w", err)
		}
		logger.Warn("DEVELOPMENT MODE: using an ephemeral signing key, commands will not verify after restart")
		return New(key, ttl), nil
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	return New(key, ttl), nil
}

// Sign проставляет issued_at/expiry и подписывает команду.
// Возвращает копию команды с заполненными полями и подписью. Args в копии
// приведены к JSON-типам, ровно в том виде, в каком их вернет Verify.
func (s *Signer) Sign(cmd domain.Command) (domain.Command, error) {
	if cmd.RequestID == "" {
		return domain.Command{}, fmt.Errorf("signer: request_id is required")
	}
	args, err := normalizeArgs(cmd.Args)
	if err != nil {
		return domain.Command{}, err
	}
	cmd.Args = args
	now := s.now().UTC().Truncate(time.Second)
	cmd.IssuedAt = now
	cmd.ExpiresAt = now.Add(s.ttl)

	claims := &commandClaims{
		RequestID:  cmd.RequestID,
		AgentID:    cmd.AgentID,
		Capability: cmd.Capability,
		Args:       cmd.Args,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ID:        cmd.RequestID,
			IssuedAt:  jwt.NewNumericDate(cmd.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cmd.ExpiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return domain.Command{}, fmt.Errorf("signer: sign command: %w", err)
	}
	cmd.Signature = token
	return cmd, nil
}

// normalizeArgs прогоняет аргументы через JSON: []string становится []interface{},
// целые числа становятся float64.
func normalizeArgs(args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		return nil, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("signer: args are not JSON-encodable: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("signer: decode args: %w", err)
	}
	return out, nil
}

// Verify проверяет подпись и срок жизни. Паники наружу не выходят: любой сбой
// превращается в ErrInvalidToken или ErrTokenExpired.
func (v *Verifier) Verify(token string) (cmd domain.Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			cmd, err = domain.Command{}, fmt.Errorf("%w: %v", ErrInvalidToken, r)
		}
	}()

	claims := &commandClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Command{}, ErrTokenExpired
		}
		return domain.Command{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.RequestID == "" {
		return domain.Command{}, ErrInvalidToken
	}

	return domain.Command{
		RequestID:  claims.RequestID,
		AgentID:    claims.AgentID,
		Capability: claims.Capability,
		Args:       claims.Args,
		IssuedAt:   claims.IssuedAt.Time,
		ExpiresAt:  claims.ExpiresAt.Time,
		Signature:  token,
	}, nil
}

// PeekRequestID достает request_id без проверки подписи. Нужен только для того,
// чтобы поверхность могла сообщить об отказе; доверять значению нельзя.
func PeekRequestID(token string) string {
	claims := &commandClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	return claims.RequestID
}

// PublicKeyPEM отдает публичный ключ в PEM для раздачи поверхностям.
func (v *Verifier) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(v.publicKey)
	if err != nil {
		return nil, fmt.Errorf("signer: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// GenerateKeyPEM создает пару ключей для прода (bridge keygen).
func GenerateKeyPEM(bits int) (privatePEM, publicPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("signer: generate key: %w", err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	publicPEM, err = NewVerifier(&key.PublicKey).PublicKeyPEM()
	if err != nil {
		return nil, nil, err
	}
	return privatePEM, publicPEM, nil
}

// VerifierFromPEM парсит публичный ключ поверхности.
func VerifierFromPEM(publicPEM []byte) (*Verifier, error) {
	if len(publicPEM) == 0 {
		return nil, fmt.Errorf("signer: public key data is empty")
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("signer: parse public key: %w", err)
	}
	return NewVerifier(pub), nil
}

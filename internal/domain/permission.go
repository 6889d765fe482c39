package domain

import (
	"strings"
	"time"
)

// AutonomyLevel: степень человеческого надзора, которую допускает выданное разрешение.
type AutonomyLevel string

const (
	AutonomySuggest    AutonomyLevel = "suggest"
	AutonomyConfirm    AutonomyLevel = "confirm"
	AutonomyAutonomous AutonomyLevel = "autonomous"
)

// Permission хранится во внешнем сторе, ядро его только читает.
type Permission struct {
	UserID        string        `json:"user_id"`
	AgentID       string        `json:"agent_id"`
	Scope         string        `json:"scope"`
	Domain        string        `json:"domain,omitempty"`
	AutonomyLevel AutonomyLevel `json:"autonomy_level"`
	IsActive      bool          `json:"is_active"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

// GrantsAutonomy отвечает, покрывает ли разрешение scope для агента без подтверждения человеком.
// host: хост цели команды (может быть пустым). Разрешение с доменом подходит только
// для команд с совпадающим хостом (точное совпадение или поддомен).
func (p Permission) GrantsAutonomy(agentID, scope, host string, now time.Time) bool {
	if !p.IsActive || p.AutonomyLevel != AutonomyAutonomous {
		return false
	}
	if p.AgentID != agentID || p.Scope != scope {
		return false
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	if p.Domain == "" {
		return true
	}
	if host == "" {
		return false
	}
	domain := strings.ToLower(p.Domain)
	host = strings.ToLower(host)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// Pairing: связка расширения браузера с пользователем.
type Pairing struct {
	ExtensionID string
	UserID      string
	TokenHash   string // bcrypt-хеш pairing-токена
	IsActive    bool
	LastSeen    time.Time
}

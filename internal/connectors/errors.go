// Package connectors: исполнители capability, которым браузер не нужен.
// Команда уходит в API провайдера от имени пользователя, результат сразу финальный.
package connectors

import "errors"

var (
	ErrUnsupportedCapability = errors.New("connectors: capability is not supported")
	// ErrRejected: провайдер отказал (4xx) или команда невалидна. Повтор не поможет.
	ErrRejected = errors.New("connectors: request rejected")
	// ErrUnavailable: сеть, 429 или 5xx после всех попыток.
	ErrUnavailable = errors.New("connectors: provider unavailable")
)

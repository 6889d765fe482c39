package handler

import "net/http"

// PublicKey отдает PEM ключа проверки команд для настройки поверхностей.
func PublicKey(pem []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-pem-file")
		_, _ = w.Write(pem)
	}
}

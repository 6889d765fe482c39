package handler

import "net/http"

type capabilitiesResponse struct {
	Capabilities []string `json:"capabilities"`
}

// Capabilities отдает каталог ID, которые мост умеет компилировать.
func Capabilities(ids []string) http.HandlerFunc {
	body := capabilitiesResponse{Capabilities: append([]string{}, ids...)}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}

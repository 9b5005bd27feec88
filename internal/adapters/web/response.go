// Package web — управляющий HTTP-интерфейс движка: CRUD задач, аккаунты,
// статистика и поток событий по WebSocket.
package web

import (
	"encoding/json"
	"net/http"

	"telegram-forwarder/internal/infra/logger"
)

// apiResponse — единый конверт ответов API.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// writeJSON сериализует конверт ответа с указанным HTTP-статусом.
func writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warnf("web: encode response: %v", err)
	}
}

// writeData отвечает успешным конвертом с полезной нагрузкой.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, apiResponse{OK: true, Data: data})
}

// writeError отвечает конвертом с текстом ошибки.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{OK: false, Error: msg})
}

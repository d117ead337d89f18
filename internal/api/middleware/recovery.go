package middleware

import (
	"net/http"
	"runtime/debug"

	"aitrader/pkg/utils"
)

// Recovery перехватывает панику в handler'ах: сервер продолжает
// обслуживать запросы, клиент получает 500, stack trace уходит в лог
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				utils.Error("Паника в HTTP handler",
					utils.Any("panic", err),
					utils.String("path", r.URL.Path),
					utils.String("stack", string(debug.Stack())))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

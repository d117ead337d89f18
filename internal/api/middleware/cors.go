package middleware

import (
	"net/http"
	"os"
	"strings"
)

// corsOrigins - разрешённые origins из CORS_ALLOWED_ORIGINS
// (comma-separated; пусто = разрешены все, режим разработки)
var corsOrigins = parseOrigins(os.Getenv("CORS_ALLOWED_ORIGINS"))

func parseOrigins(env string) map[string]bool {
	if env == "" || env == "*" {
		return nil // все разрешены
	}
	origins := make(map[string]bool)
	for _, origin := range strings.Split(env, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			origins[origin] = true
		}
	}
	return origins
}

// CORS выставляет заголовки для браузерного дашборда
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		switch {
		case corsOrigins == nil:
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		case corsOrigins[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

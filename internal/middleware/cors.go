package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CORS allows the browser client to call the API from another origin and
// answers preflight requests directly.
func CORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Logging logs one line per request.
func Logging(logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	log := logger.Sugar()
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next(rec, r)
			log.Infof("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start))
		}
	}
}

// Chain applies wrappers so that the first one is outermost.
func Chain(wrappers ...func(http.HandlerFunc) http.HandlerFunc) func(http.HandlerFunc) http.HandlerFunc {
	return func(h http.HandlerFunc) http.HandlerFunc {
		for i := len(wrappers) - 1; i >= 0; i-- {
			h = wrappers[i](h)
		}
		return h
	}
}

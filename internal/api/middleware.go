package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"expresso-wa/internal/database"
)

const (
	requestIDHeader = "X-Request-Id"
	accessKeyHeader = "X-Access-Key"
	secretKeyHeader = "X-Secret-Key"
)

// RequestID tags every request with an id and a logger carrying it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		l := log.With().Str("requestId", id).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the recorder.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// RequestLogger logs finished requests. Server errors log at error level,
// client errors at warn; redirects are not logged.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		l := zerolog.Ctx(r.Context())
		var evt *zerolog.Event
		switch {
		case rec.status >= 500:
			evt = l.Error()
		case rec.status >= 400:
			evt = l.Warn()
		case rec.status >= 300 && rec.status < 400:
			return
		default:
			evt = l.Info()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

// Recovery turns a panicking handler into a 500 response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				zerolog.Ctx(r.Context()).Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Panic recovered")
				errorResponse(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RateLimit allows each client ip limit requests per window. X-Forwarded-For
// is only consulted when trustProxy is set.
func RateLimit(limit int, window time.Duration, trustProxy bool) func(http.Handler) http.Handler {
	limiters := cache.New(window, 2*window)
	every := window / time.Duration(limit)

	limiterFor := func(ip string) *rate.Limiter {
		if v, ok := limiters.Get(ip); ok {
			return v.(*rate.Limiter)
		}
		l := rate.NewLimiter(rate.Every(every), limit)
		if err := limiters.Add(ip, l, cache.DefaultExpiration); err != nil {
			// another request created it first
			if v, ok := limiters.Get(ip); ok {
				return v.(*rate.Limiter)
			}
		}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiterFor(clientIP(r, trustProxy)).Allow() {
				errorResponse(w, http.StatusTooManyRequests, "Too many requests, please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the peer address, or the last X-Forwarded-For hop when
// the server sits behind a trusted proxy that appends it.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			hops := strings.Split(fwd, ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var secretTTL = 30 * time.Second

// KeyStore looks up API keys.
type KeyStore interface {
	FindByAccessKey(ctx context.Context, accessKey string) (*database.APIKey, error)
}

// APIKeyAuth requires a valid access/secret key pair, sent as headers or,
// for websocket clients, as access_key and secret_key query parameters.
// Secrets are cached for secretTTL after a lookup, so a deleted key stays
// usable for at most that long.
func APIKeyAuth(keys KeyStore) func(http.Handler) http.Handler {
	secrets := cache.New(secretTTL, 2*secretTTL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accessKey := r.Header.Get(accessKeyHeader)
			secretKey := r.Header.Get(secretKeyHeader)
			if accessKey == "" {
				accessKey = r.URL.Query().Get("access_key")
				secretKey = r.URL.Query().Get("secret_key")
			}
			if accessKey == "" || secretKey == "" {
				errorResponse(w, http.StatusUnauthorized, "access key and secret key are required")
				return
			}

			expected, ok := secrets.Get(accessKey)
			if !ok {
				key, err := keys.FindByAccessKey(r.Context(), accessKey)
				if errors.Is(err, database.ErrNotFound) {
					errorResponse(w, http.StatusUnauthorized, "invalid access key")
					return
				}
				if err != nil {
					zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to look up api key")
					errorResponse(w, http.StatusInternalServerError, "internal server error")
					return
				}
				expected = key.SecretKey
				secrets.SetDefault(accessKey, expected)
			}

			if subtle.ConstantTimeCompare([]byte(expected.(string)), []byte(secretKey)) != 1 {
				errorResponse(w, http.StatusUnauthorized, "invalid secret key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

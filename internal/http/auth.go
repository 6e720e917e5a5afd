package http

import (
	"net"
	"net/http"

	. "github.com/roelfdiedericks/lifeline/internal/logging"
)

const realm = `Basic realm="lifeline"`

// protect requires basic auth when credentials are configured and restricts
// access to loopback clients otherwise.
func (s *Server) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || !s.auth.HasUsers() {
			if !isLoopback(r.RemoteAddr) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		s.basicAuth(next).ServeHTTP(w, r)
	})
}

// basicAuth enforces HTTP Basic Authentication, blocking a client address
// for a while after each failure.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientIP(r)

		if s.rateLimiter.IsLimited(clientIP) {
			L_warn("http: rate limited", "ip", clientIP)
			w.Header().Set("WWW-Authenticate", realm)
			http.Error(w, "Too many failed attempts. Try again later.", http.StatusTooManyRequests)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", realm)
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		id, err := s.auth.Authenticate(username, password)
		if err != nil {
			s.rateLimiter.RecordFailure(clientIP)
			L_warn("http: auth failed", "username", username, "ip", clientIP)
			w.Header().Set("WWW-Authenticate", realm)
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}

		s.rateLimiter.ClearFailure(clientIP)
		L_debug("http: auth success", "identity", id.String(), "ip", clientIP)
		next.ServeHTTP(w, r)
	})
}

// clientIP is the host part of the peer address. Forwarding headers are
// ignored; they are trivially spoofed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

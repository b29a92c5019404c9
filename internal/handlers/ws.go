package handlers

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// AllowedOriginChecker builds the hub upgrader's CheckOrigin func from a
// comma-separated allow-list, matching either the full origin or just its
// hostname.
func AllowedOriginChecker(commaSeparatedOrigins string) func(r *http.Request) bool {
	origins := strings.Split(commaSeparatedOrigins, ",")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, allowed := range origins {
			allowed = strings.TrimSpace(allowed)
			if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, originURL.Hostname()) {
				return true
			}
		}
		log.Printf("websocket connection from disallowed origin rejected: %s", origin)
		return false
	}
}

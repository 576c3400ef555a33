package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

const wildcardOrigin = "*"

// originPolicy is the compiled form of Config.AllowedOrigins. Entries are
// kept as lowercase scheme://host keys.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   zerolog.Logger
}

func newOriginPolicy(origins []string, logger zerolog.Logger) *originPolicy {
	p := &originPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		logger:  logger,
	}

	for _, raw := range origins {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
		case entry == wildcardOrigin:
			p.allowAll = true
		default:
			key, ok := normalizeOrigin(entry)
			if !ok {
				logger.Warn().Str("origin", raw).Msg("ignoring malformed allowed origin")
				continue
			}
			p.allowed[key] = struct{}{}
		}
	}
	return p
}

// normalizeOrigin reduces an origin or URL to scheme://host.
func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

func (p *originPolicy) permits(origin string) bool {
	if p.allowAll {
		return true
	}
	key, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, found := p.allowed[key]
	return found
}

// checkOrigin is the websocket.Upgrader CheckOrigin callback. A request
// without an Origin header only passes under the wildcard.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.permits(origin) {
		return true
	}
	p.logger.Warn().Str("origin", origin).Str("remote", r.RemoteAddr).Msg("websocket upgrade refused for origin")
	return false
}

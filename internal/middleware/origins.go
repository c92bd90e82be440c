package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may use the raffle API, both
// for plain requests and for event stream upgrades. A rule is "*", an exact
// origin such as "https://dash.example.com", or a host suffix starting with
// a dot such as ".raffle.io".
type OriginPolicy struct {
	any      bool
	exact    map[string]struct{}
	suffixes []string
}

// NewOriginPolicy builds a policy from configured rules. No rules means no
// cross-origin access.
func NewOriginPolicy(rules []string) *OriginPolicy {
	p := &OriginPolicy{exact: make(map[string]struct{})}
	for _, rule := range rules {
		rule = strings.ToLower(strings.TrimSpace(rule))
		switch {
		case rule == "":
		case rule == "*":
			p.any = true
		case strings.HasPrefix(rule, "."):
			p.suffixes = append(p.suffixes, rule)
		default:
			p.exact[strings.TrimSuffix(rule, "/")] = struct{}{}
		}
	}
	return p
}

// Allows reports whether origin may call the API.
func (p *OriginPolicy) Allows(origin string) bool {
	if p.any {
		return true
	}
	origin = strings.ToLower(strings.TrimSuffix(origin, "/"))
	if _, ok := p.exact[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// CheckOrigin is the websocket upgrade check. Non-browser clients send no
// Origin and are accepted.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || p.Allows(origin)
}

// Handler sets CORS headers for allowed origins and answers preflights.
// Preflights from other origins get 403.
func (p *OriginPolicy) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && p.Allows(origin)
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+TraceHeader)
			h.Set("Access-Control-Expose-Headers", TraceHeader)
			h.Set("Access-Control-Max-Age", "3600")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			if origin != "" && !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Package geoip resolves a source IP to a coarse country label for
// feature extraction. Resolution is best effort with a bounded timeout:
// private and loopback addresses map to "Local", everything unresolvable
// maps to "Unknown".
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/vmoreau/didgate/internal/circuitbreaker"
	"github.com/vmoreau/didgate/internal/logging"
)

// Fallback labels. Both are legitimate geo categories in the corpus, so a
// lookup failure degrades into a value the model already knows.
const (
	Local   = "Local"
	Unknown = "Unknown"
)

// breakerKey is the single circuit key; all lookups share one upstream.
const breakerKey = "geoip"

// Resolver looks up countries through an ip-api style JSON endpoint.
// A circuit breaker sheds lookups while the endpoint is failing so a
// dead upstream costs nothing on the hot path.
type Resolver struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewResolver builds a resolver for baseURL (e.g. http://ip-api.com/json)
// with the given per-lookup timeout.
func NewResolver(baseURL string, timeout time.Duration) *Resolver {
	return &Resolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

type lookupResponse struct {
	Status  string `json:"status"`
	Country string `json:"country"`
}

// Resolve returns the country for ip, Local for private and loopback
// ranges, or Unknown when the lookup fails for any reason.
func (r *Resolver) Resolve(ctx context.Context, ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Unknown
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() {
		return Local
	}

	if !r.breaker.Allow(breakerKey) {
		return Unknown
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", r.baseURL, ip), nil)
	if err != nil {
		return Unknown
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.breaker.RecordFailure(breakerKey)
		logging.L(ctx).Debug("geo lookup failed", "ip", ip, "error", err)
		return Unknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.breaker.RecordFailure(breakerKey)
		return Unknown
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Unknown
	}
	if body.Status != "success" || body.Country == "" {
		return Unknown
	}
	r.breaker.RecordSuccess(breakerKey)
	return body.Country
}

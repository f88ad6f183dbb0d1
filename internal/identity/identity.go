// Package identity derives the stable per-browser token that keys all
// visitor state. The token travels in a cookie; the resolver never performs
// I/O beyond the cookie read/write hooks supplied by the caller.
package identity

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultCookieName is the identity cookie read from inbound requests.
	DefaultCookieName = "_shieldon"

	// DefaultTTL is the lifetime of the issued identity cookie.
	DefaultTTL = time.Hour
)

// tokenPattern matches a well-formed identity token: 32 lowercase hex
// characters (a UUIDv4 with the dashes stripped).
var tokenPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// SetCookie instructs the caller to set the identity cookie on its response.
// Callers that own the http.ResponseWriter can pass it to Apply; callers
// that manage responses differently read the fields directly.
type SetCookie struct {
	Name    string
	Value   string
	Path    string
	Expires time.Time
}

// Resolver validates inbound identity cookie values and mints replacements.
type Resolver struct {
	cookieName string
	ttl        time.Duration

	now func() time.Time
}

// NewResolver builds a resolver for the given cookie name and TTL. Zero
// values fall back to DefaultCookieName and DefaultTTL.
func NewResolver(cookieName string, ttl time.Duration) *Resolver {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{cookieName: cookieName, ttl: ttl, now: time.Now}
}

// CookieName returns the configured inbound cookie name.
func (r *Resolver) CookieName() string { return r.cookieName }

// Resolve returns a valid visitor token for the given inbound cookie value.
// A well-formed value is returned as-is with a nil instruction. A missing or
// malformed value yields a fresh token plus the cookie instruction the
// caller must apply to its response. Resolve never returns an invalid token.
func (r *Resolver) Resolve(existing string) (string, *SetCookie) {
	if Valid(existing) {
		return existing, nil
	}
	token := newToken()
	return token, &SetCookie{
		Name:    r.cookieName,
		Value:   token,
		Path:    "/",
		Expires: r.now().Add(r.ttl),
	}
}

// FromRequest reads the identity cookie off req and resolves it.
func (r *Resolver) FromRequest(req *http.Request) (string, *SetCookie) {
	var existing string
	if c, err := req.Cookie(r.cookieName); err == nil {
		existing = c.Value
	}
	return r.Resolve(existing)
}

// Apply writes the instruction to w as a Set-Cookie header.
func Apply(w http.ResponseWriter, sc *SetCookie) {
	if sc == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sc.Name,
		Value:    sc.Value,
		Path:     sc.Path,
		Expires:  sc.Expires,
		HttpOnly: true,
	})
}

// Valid reports whether token is a well-formed identity token.
func Valid(token string) bool {
	return tokenPattern.MatchString(token)
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

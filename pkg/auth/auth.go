// Package auth verifies bearer JWTs against a remote JWKS and resolves
// them to a types.User, upserting the user on first sight: verify the
// token, look the subject up locally, and on a miss fall back to the
// OIDC provider's userinfo endpoint to learn the caller's name and
// vicky_roles claim.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/storage"
	"github.com/wobcom/vicky/pkg/types"
)

// Verifier authenticates bearer tokens against a JWKS endpoint and
// resolves the verified subject to a types.User, persisting new users
// the first time they are seen.
type Verifier struct {
	keyfunc       keyfunc.Keyfunc
	store         storage.Store
	userinfoURL   string
	httpClient    *http.Client
	machineTokens map[string]types.User
}

// Config carries the OIDC endpoints and static machine tokens a Verifier
// needs.
type Config struct {
	JWKSURL     string
	UserinfoURL string
	// MachineTokens are accepted as a machine caller without ever being
	// sent to the OIDC provider.
	MachineTokens []string
}

// NewVerifier builds a Verifier whose key set is fetched from
// cfg.JWKSURL and kept refreshed in the background by keyfunc.
func NewVerifier(ctx context.Context, cfg Config, store storage.Store) (*Verifier, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "fetch JWKS from %s", cfg.JWKSURL)
	}

	machineTokens := make(map[string]types.User, len(cfg.MachineTokens))
	for _, token := range cfg.MachineTokens {
		if token == "" {
			continue
		}
		machineTokens[token] = types.User{
			Sub:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(token)),
			FullName: "machine",
			Role:     types.RoleMachine,
		}
	}

	return &Verifier{
		keyfunc:       kf,
		store:         store,
		userinfoURL:   cfg.UserinfoURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		machineTokens: machineTokens,
	}, nil
}

// Authenticate verifies the raw bearer token (without the "Bearer "
// prefix) and returns the associated user, upserting it on first sight.
// A token matching the configured machine-token list short-circuits
// straight to a machine user, without ever touching the JWKS or
// userinfo endpoint.
func (v *Verifier) Authenticate(ctx context.Context, token string) (*types.User, error) {
	if user, ok := v.machineTokens[token]; ok {
		return &user, nil
	}
	if v.keyfunc == nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "token matches no configured machine token and no JWKS is configured")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyfunc.Keyfunc)
	if err != nil || !parsed.Valid {
		return nil, apperr.Wrap(apperr.KindUnauthenticated, err, "verify bearer token")
	}

	subClaim, ok := claims["sub"].(string)
	if !ok || subClaim == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "token must contain sub claim")
	}
	sub, err := uuid.Parse(subClaim)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthenticated, err, "parse sub claim as uuid")
	}

	if user, err := v.store.GetUser(ctx, sub.String()); err == nil {
		return user, nil
	}

	return v.resolveFromUserinfo(ctx, sub, token)
}

// resolveFromUserinfo is invoked the first time a subject is seen: it
// calls the OIDC userinfo endpoint, reads the vicky_roles claim to
// classify the caller as machine or admin, and stores the resulting
// user for future requests.
func (v *Verifier) resolveFromUserinfo(ctx context.Context, sub uuid.UUID, token string) (*types.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.userinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "call userinfo endpoint")
	}
	defer resp.Body.Close()

	var userInfo map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "decode userinfo response")
	}

	role, _ := userInfo["vicky_roles"].(string)

	var user types.User
	switch {
	case strings.HasSuffix(role, "machine"):
		name, _ := userInfo["preferred_username"].(string)
		if name == "" {
			return nil, apperr.New(apperr.KindUnauthenticated, "userinfo missing preferred_username for machine role")
		}
		user = types.User{Sub: sub, FullName: name, Role: types.RoleMachine}
	case strings.HasSuffix(role, "admin"):
		name, _ := userInfo["name"].(string)
		if name == "" {
			return nil, apperr.New(apperr.KindUnauthenticated, "userinfo missing name for admin role")
		}
		user = types.User{Sub: sub, FullName: name, Role: types.RoleAdmin}
	default:
		return nil, apperr.New(apperr.KindUnauthenticated, "vicky_roles claim missing or unrecognized: %q", role)
	}

	err = v.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertUser(ctx, user)
	})
	if err != nil {
		return nil, fmt.Errorf("persist resolved user: %w", err)
	}
	return &user, nil
}

// ExtractBearerToken strips the "Bearer " prefix from an Authorization
// header value, returning false if the header was absent or malformed.
func ExtractBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimPrefix(header, prefix), true
}

// NewForTests builds a Verifier with no JWKS endpoint: every bearer token
// must match one of machineTokens, or Authenticate fails. Handler tests
// that only need the machine-token short-circuit use this instead of
// NewVerifier, which would otherwise dial out to fetch a real key set.
func NewForTests(machineTokens []string, store storage.Store) *Verifier {
	resolved := make(map[string]types.User, len(machineTokens))
	for _, token := range machineTokens {
		resolved[token] = types.User{
			Sub:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(token)),
			FullName: "machine",
			Role:     types.RoleMachine,
		}
	}
	return &Verifier{store: store, machineTokens: resolved}
}

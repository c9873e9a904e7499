package main

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

// Token verification failures. The websocket handler maps these onto
// distinct close codes so clients can tell a garbled token from a token
// minted for another room.
var (
	errTokenFormat    = errors.New("token: malformed")
	errTokenSignature = errors.New("token: bad signature")
	errTokenExpired   = errors.New("token: expired")
	errTokenRoom      = errors.New("token: issued for a different room")
)

// serviceRoom is the wildcard room carried by service-token claims. A claim
// for serviceRoom passes the room check for any target room.
const serviceRoom = "*"

// Claim is the decoded payload of a membership token.
type Claim struct {
	// Room the token authorizes. serviceRoom matches every room.
	Room string `json:"room"`

	// Metadata is an open bag of claim-specific context (nickname, role,
	// device attributes). Policies read their own keys out of it.
	Metadata map[string]string `json:"meta,omitempty"`

	jwt.StandardClaims
}

// ClientID returns the opaque identifier of the token bearer.
func (c *Claim) ClientID() string {
	return c.Subject
}

// IsService reports whether the claim came from the service-token
// allow-list rather than a signed token.
func (c *Claim) IsService() bool {
	return c.Room == serviceRoom
}

// HasPermission reports whether the claim's metadata grants the named
// permission. Permissions live in the "perms" metadata key as a
// comma-separated list; service claims hold every permission.
func (c *Claim) HasPermission(name string) bool {
	if c.IsService() {
		return true
	}
	for _, p := range strings.Split(c.Metadata["perms"], ",") {
		if strings.TrimSpace(p) == name {
			return true
		}
	}
	return false
}

// tokenCodec issues and verifies stateless HS256 membership tokens.
//
// Verification is purely computational: any process holding the same secret
// can verify any token, and the server keeps no token table. The flip side
// is deliberate and must stay that way: the only revocation mechanism is
// rotating the secret, which invalidates every outstanding token at once.
type tokenCodec struct {
	secret []byte

	// service is a short allow-list of out-of-band operational credentials
	// compared by exact string equality. Matching tokens bypass signature
	// verification entirely and never expire. This check runs before, and
	// independent of, the signature path.
	service map[string]struct{}
}

func newTokenCodec(secret []byte, serviceTokens []string) *tokenCodec {
	tc := &tokenCodec{
		secret:  secret,
		service: make(map[string]struct{}, len(serviceTokens)),
	}
	for _, t := range serviceTokens {
		if t != "" {
			tc.service[t] = struct{}{}
		}
	}
	return tc
}

// issue builds and signs a membership token for clientID in room. The claim
// is stamped issuedAt=now, expiresAt=now+ttl. Pure computation, no state.
func (tc *tokenCodec) issue(clientID, room string, ttl time.Duration, metadata map[string]string) (string, error) {
	now := time.Now()
	claim := &Claim{
		Room:     room,
		Metadata: metadata,
		StandardClaims: jwt.StandardClaims{
			Subject:   clientID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claim).SignedString(tc.secret)
}

// verify checks a token and returns its claim. When expectedRoom is
// non-empty the claim must have been issued for that room.
func (tc *tokenCodec) verify(token, expectedRoom string) (*Claim, error) {
	// Service-token backdoor: exact-equality allow-list, checked before the
	// signature path ever runs.
	if _, ok := tc.service[token]; ok {
		slog.Debug("service token accepted", "room", expectedRoom)
		return &Claim{
			Room:           serviceRoom,
			Metadata:       map[string]string{"role": "service"},
			StandardClaims: jwt.StandardClaims{Subject: "service"},
		}, nil
	}

	claim := &Claim{}
	_, err := jwt.ParseWithClaims(token, claim, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errTokenSignature
		}
		return tc.secret, nil
	})
	if err != nil {
		return nil, classifyTokenError(err)
	}
	if expectedRoom != "" && claim.Room != expectedRoom {
		return nil, errTokenRoom
	}
	return claim, nil
}

func classifyTokenError(err error) error {
	var ve *jwt.ValidationError
	if !errors.As(err, &ve) {
		return errTokenFormat
	}
	switch {
	case ve.Errors&jwt.ValidationErrorExpired != 0:
		return errTokenExpired
	case ve.Errors&(jwt.ValidationErrorSignatureInvalid|jwt.ValidationErrorUnverifiable) != 0:
		return errTokenSignature
	default:
		return errTokenFormat
	}
}

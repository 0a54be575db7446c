// Package token decodes SOJ access tokens on the client.
//
// Nothing in this package verifies a signature. The claims it extracts are
// advisory: they drive client-side presentation (showing or hiding admin
// controls, greeting the user) and must never be the basis of an
// authorization decision. The server that issued the token is the only
// party that can vouch for it.
package token

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Authorization levels carried in the role claim.
const (
	LevelBanned     = -1
	LevelUser       = 1
	LevelAdmin      = 2
	LevelSuperAdmin = 3
)

// Identity is the subject information derived from an access token.
type Identity struct {
	SubjectID int64
	Level     int
}

// IsAdmin reports whether the identity claims an administrative level.
// Advisory only, see the package documentation.
func (i Identity) IsAdmin() bool {
	return i.Level >= LevelAdmin
}

// IsBanned reports whether the identity claims the banned level.
func (i Identity) IsBanned() bool {
	return i.Level == LevelBanned
}

// Claims is the claim set issued by the SOJ server.
type Claims struct {
	UserID int64 `json:"user_id"`
	Role   int   `json:"role"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser()

// parseClaims decodes the middle segment of raw. The header and signature
// segments are not read.
func parseClaims(raw string) (*Claims, bool) {
	if strings.Count(raw, ".") != 2 {
		return nil, false
	}
	parts := strings.Split(raw, ".")
	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, false
	}
	claims := &Claims{}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// Decode extracts the subject id and authorization level from raw.
// It never fails loudly: malformed input yields false.
func Decode(raw string) (Identity, bool) {
	claims, ok := parseClaims(raw)
	if !ok {
		return Identity{}, false
	}

	subject := claims.UserID
	if subject == 0 && claims.Subject != "" {
		id, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err != nil {
			return Identity{}, false
		}
		subject = id
	}
	if subject == 0 {
		return Identity{}, false
	}

	return Identity{SubjectID: subject, Level: claims.Role}, true
}

// ExpiresAt returns the exp claim of raw, if it has one.
func ExpiresAt(raw string) (time.Time, bool) {
	claims, ok := parseClaims(raw)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ErrEmptyAccessToken is returned by ParsePair when the payload carries no access token.
var ErrEmptyAccessToken = errors.New("access token is empty")

type pairPayload struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token"`
	AccessTokenCamel  string `json:"accessToken"`
	RefreshTokenCamel string `json:"refreshToken"`
}

// ParsePair decodes the data member of a login or refresh envelope.
// The server answers either with a bare access token string or with an
// object holding access_token and an optional refresh_token.
func ParsePair(data json.RawMessage) (*oauth2.Token, error) {
	var access, refresh string

	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		access = bare
	} else {
		var p pairPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		access = firstNonEmpty(p.AccessToken, p.AccessTokenCamel)
		refresh = firstNonEmpty(p.RefreshToken, p.RefreshTokenCamel)
	}

	if access == "" {
		return nil, ErrEmptyAccessToken
	}

	t := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
	}
	if exp, ok := ExpiresAt(access); ok {
		t.Expiry = exp
	}
	return t, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package tokens issues and validates signed access tokens and generates the
// opaque secrets used for refresh, email verification and password reset.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ridged/authd/types"
)

const (
	// OpaqueTokenBytes is the entropy of refresh, verification and reset secrets.
	OpaqueTokenBytes = 32

	minSecretLen = 32
)

// ErrInvalidToken is the only error surfaced for a token that cannot be trusted.
var ErrInvalidToken = errors.New("invalid token")

var signingMethod = jwt.SigningMethodHS256

// Claims is the claim bundle carried by an access token.
type Claims struct {
	jwt.RegisteredClaims
	Email string     `json:"email"`
	Role  types.Role `json:"role"`
}

// AccountID parses the subject claim.
func (c *Claims) AccountID() (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Subject), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("invalid subject")
	}
	return id, nil
}

// Options configures an Issuer.
type Options struct {
	Secret         string
	Issuer         string
	Audience       string
	AccessTokenTTL time.Duration
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Issuer creates and validates HS256 access tokens.
type Issuer struct {
	secret    []byte
	issuer    string
	audience  string
	accessTTL time.Duration
	now       func() time.Time
}

// NewIssuer validates opts and constructs an Issuer.
func NewIssuer(opts Options) (*Issuer, error) {
	if len(opts.Secret) < minSecretLen {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretLen)
	}
	if strings.TrimSpace(opts.Issuer) == "" || strings.TrimSpace(opts.Audience) == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if opts.AccessTokenTTL <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		secret:    []byte(opts.Secret),
		issuer:    opts.Issuer,
		audience:  opts.Audience,
		accessTTL: opts.AccessTokenTTL,
		now:       now,
	}, nil
}

// AccessTokenTTL returns the validity window of issued access tokens.
func (i *Issuer) AccessTokenTTL() time.Duration {
	return i.accessTTL
}

// IssueAccessToken signs a token binding the account id, email and role.
func (i *Issuer) IssueAccessToken(accountID int64, email string, role types.Role) (string, error) {
	if !role.IsValid() {
		return "", types.ErrUnknownRole
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(accountID, 10),
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
		Email: email,
		Role:  role,
	}
	token := jwt.NewWithClaims(signingMethod, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// IssueRefreshSecret returns a new opaque refresh secret.
func (i *Issuer) IssueRefreshSecret() (string, error) {
	return GenerateOpaqueToken()
}

// ValidateAccessToken reports whether the token is authentic and unexpired.
func (i *Issuer) ValidateAccessToken(token string) bool {
	_, err := i.ParseAccessToken(token)
	return err == nil
}

// ParseAccessToken fully validates the token, expiry included, and returns its claims.
func (i *Issuer) ParseAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, i.keyFunc,
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if err := checkPayload(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractClaimsIgnoringExpiry verifies signature, issuer, audience and claim
// structure but accepts a token whose validity window has elapsed. It lets a
// just-expired access token prove identity during a refresh exchange.
func (i *Issuer) ExtractClaimsIgnoringExpiry(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, i.keyFunc,
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != i.issuer {
		return nil, ErrInvalidToken
	}
	if !slices.Contains(claims.Audience, i.audience) {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	if err := checkPayload(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return i.secret, nil
}

// checkPayload validates the custom claims. The subject is left to AccountID
// so callers can tell an unusable identity apart from an untrusted token.
func checkPayload(claims *Claims) error {
	if strings.TrimSpace(claims.Email) == "" {
		return errors.New("missing email")
	}
	if !claims.Role.IsValid() {
		return types.ErrUnknownRole
	}
	return nil
}

// GenerateOpaqueToken returns OpaqueTokenBytes of crypto/rand output encoded
// as unpadded base64url. The value carries no claims.
func GenerateOpaqueToken() (string, error) {
	buf := make([]byte, OpaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

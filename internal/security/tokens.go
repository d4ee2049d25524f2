package security

import (
	"crypto"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or otherwise fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when the token is well-formed and correctly signed but past its exp.
	ErrTokenExpired = errors.New("token expired")
	// ErrSignatureInvalid is returned when the signature does not verify against the public key.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrIssuerMismatch is returned when iss differs from the configured issuer.
	ErrIssuerMismatch = errors.New("token issuer mismatch")
)

// Claims is the validated view of a token. Extra holds every non-registered claim.
type Claims struct {
	Subject   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Extra     map[string]any
}

// TokenCodec issues and validates JWTs signed with RS256 or ES256 (private/public key).
// It is read-only after construction and safe for concurrent use.
type TokenCodec struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	accessTTL  time.Duration
	nowF       func() time.Time
}

// NewTokenCodec returns a TokenCodec that signs with privateKey and verifies with publicKey.
// accessTTL is the lifetime of tokens issued by IssueAccess.
func NewTokenCodec(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer string, accessTTL time.Duration) *TokenCodec {
	return &TokenCodec{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		accessTTL:  accessTTL,
		nowF:       time.Now,
	}
}

// LoadTokenCodec parses the PEM key pair (inline or file path) and returns a codec.
// Parse failures, unsupported key types or curves, and a public key that does not belong to the
// private key are errors; callers treat them as fatal.
func LoadTokenCodec(privatePEM, publicPEM, issuer string, accessTTL time.Duration) (*TokenCodec, error) {
	signer, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, errors.Join(ErrInvalidPrivateKey, err)
	}
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return nil, errors.Join(ErrInvalidPublicKey, err)
	}
	if KeyAlg(signer.Public()) == "" {
		return nil, errors.Join(ErrInvalidPrivateKey, ErrInvalidKey)
	}
	if !samePublicKey(signer.Public(), pub) {
		return nil, ErrInvalidPublicKey
	}
	return NewTokenCodec(signer, pub, issuer, accessTTL), nil
}

func samePublicKey(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

// AccessTTL returns the lifetime of access tokens.
func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

// Issue builds a signed token for subject with iss, iat=now and exp=now+ttl plus extra claims.
// Registered claim names in extra are overwritten.
func (c *TokenCodec) Issue(subject string, extra map[string]any, ttl time.Duration) (string, time.Time, error) {
	now := c.nowF().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["sub"] = subject
	claims["iss"] = c.issuer
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(expiresAt)
	token, err := c.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// IssueAccess issues an access token for the given email with the configured access TTL.
func (c *TokenCodec) IssueAccess(email string) (string, time.Time, error) {
	return c.Issue(email, nil, c.accessTTL)
}

func (c *TokenCodec) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch KeyAlg(c.privateKey.Public()) {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidKey
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(c.privateKey)
}

// Validate verifies signature, issuer and expiry and returns the claims.
// Errors are ErrSignatureInvalid, ErrIssuerMismatch, ErrTokenExpired or ErrInvalidToken.
// ErrTokenExpired is returned only when expiry is the sole failure.
func (c *TokenCodec) Validate(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.nowF),
	)
	mc := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, mc, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return c.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return c.publicKey, nil
		}
		return nil, ErrInvalidToken
	})
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claimsFromMap(mc)
}

// ExtractClaim validates the token and returns the named claim. The boolean is false when the claim is absent.
func (c *TokenCodec) ExtractClaim(tokenString, name string) (any, bool, error) {
	claims, err := c.Validate(tokenString)
	if err != nil {
		return nil, false, err
	}
	switch name {
	case "sub":
		return claims.Subject, claims.Subject != "", nil
	case "iss":
		return claims.Issuer, true, nil
	case "iat":
		return claims.IssuedAt, !claims.IssuedAt.IsZero(), nil
	case "exp":
		return claims.ExpiresAt, true, nil
	}
	v, ok := claims.Extra[name]
	return v, ok, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenExpired):
		if errors.Is(err, jwt.ErrTokenUsedBeforeIssued) || errors.Is(err, jwt.ErrTokenRequiredClaimMissing) {
			return ErrInvalidToken
		}
		return ErrTokenExpired
	default:
		return ErrInvalidToken
	}
}

func claimsFromMap(mc jwt.MapClaims) (*Claims, error) {
	sub, err := mc.GetSubject()
	if err != nil {
		return nil, ErrInvalidToken
	}
	iss, err := mc.GetIssuer()
	if err != nil {
		return nil, ErrInvalidToken
	}
	iat, err := mc.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, ErrInvalidToken
	}
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken
	}
	extra := make(map[string]any, len(mc))
	for k, v := range mc {
		switch k {
		case "sub", "iss", "iat", "exp":
			continue
		}
		extra[k] = v
	}
	return &Claims{
		Subject:   sub,
		Issuer:    iss,
		IssuedAt:  iat.Time.UTC(),
		ExpiresAt: exp.Time.UTC(),
		Extra:     extra,
	}, nil
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the merchant identity inside an API token.
type Claims struct {
	MerchantID string `json:"merchant_id"`
	jwt.RegisteredClaims
}

// Verifier issues and checks merchant API tokens. Tokens are HS256 signed
// with a shared secret; merchant onboarding and secret distribution happen
// outside this service.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Verifier{secret: []byte(secret), ttl: ttl}
}

// IssueToken mints a token for a merchant. Used by tooling and tests.
func (v *Verifier) IssueToken(merchantID string) (string, error) {
	claims := &Claims{
		MerchantID: merchantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// VerifyToken validates a token and returns its claims. Accepts a raw token
// or an Authorization header value with the "Bearer " prefix.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.MerchantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

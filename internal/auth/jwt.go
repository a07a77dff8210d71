package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
)

// JWTValidator verifies bearer tokens issued by the identity service and returns the subject.
type JWTValidator struct {
	alg    string
	secret []byte
	pub    *rsa.PublicKey
}

func NewJWTValidatorHS256(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("empty hs256 secret")
	}
	return &JWTValidator{alg: "HS256", secret: []byte(secret)}, nil
}

func NewJWTValidatorRS256(path string) (*JWTValidator, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("failed to decode public key")
	}
	pubIfc, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := pubIfc.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return &JWTValidator{alg: "RS256", pub: pub}, nil
}

// NewJWTValidator picks the constructor matching alg.
func NewJWTValidator(alg, secret, publicKeyPath string) (*JWTValidator, error) {
	switch strings.ToUpper(alg) {
	case "RS256":
		return NewJWTValidatorRS256(publicKeyPath)
	case "HS256", "":
		return NewJWTValidatorHS256(secret)
	}
	return nil, fmt.Errorf("unsupported jwt alg %q", alg)
}

// Validate returns the user id carried in sub (or user_id). Every failure is an apperr Auth error.
func (j *JWTValidator) Validate(tokenStr string) (string, error) {
	if strings.TrimSpace(tokenStr) == "" {
		return "", apperr.Auth("missing token", nil)
	}
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if j.alg == "RS256" {
			return j.pub, nil
		}
		return j.secret, nil
	}, jwt.WithValidMethods([]string{j.alg}))
	if err != nil {
		return "", apperr.Auth("invalid token", err)
	}
	if claims, ok := tok.Claims.(jwt.MapClaims); ok && tok.Valid {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
		if userID, ok := claims["user_id"].(string); ok && userID != "" {
			return userID, nil
		}
	}
	return "", apperr.Auth("invalid token", errors.New("no subject claim"))
}

func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", apperr.Auth("authorization header empty", nil)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", apperr.Auth("invalid authorization header format", nil)
	}
	return strings.TrimSpace(parts[1]), nil
}

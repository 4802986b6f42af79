// Package sensorauth signs and verifies the HS256 tokens sensors attach to
// intake messages.
package sensorauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "telhawk-ndr"

var (
	ErrMissingToken   = errors.New("missing sensor token")
	ErrInvalidToken   = errors.New("invalid sensor token")
	ErrSensorMismatch = errors.New("token does not match sensor")
)

// Claims identifies a sensor.
type Claims struct {
	SensorID string `json:"sensor_id"`
	jwt.RegisteredClaims
}

// Verifier checks sensor tokens against a shared secret.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier returns a verifier for secret. Issued tokens are valid for
// ttl.
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Verifier{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for sensorID. ndrctl uses it for simulated sensors.
func (v *Verifier) Issue(sensorID string) (string, error) {
	now := v.now()
	claims := Claims{
		SensorID: sensorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sensorID,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses an Authorization header value ("Bearer <jwt>" or the bare
// token) and returns its claims.
func (v *Verifier) Verify(header string) (*Claims, error) {
	raw := strings.TrimSpace(header)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(v.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.SensorID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authorize verifies header and checks it was issued to sensorID.
func (v *Verifier) Authorize(header, sensorID string) error {
	claims, err := v.Verify(header)
	if err != nil {
		return err
	}
	if claims.SensorID != sensorID {
		return fmt.Errorf("%w: token for %q used by %q", ErrSensorMismatch, claims.SensorID, sensorID)
	}
	return nil
}

package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// CapabilityEcosystemScan allows cross-tenant ecosystem scans.
	CapabilityEcosystemScan = "ecosystem:scan"
	// CapabilityMasterConfig allows editing the operator master config.
	CapabilityMasterConfig = "master_config:write"
)

type AccessClaims struct {
	UserID       string   `json:"uid"`
	Capabilities []string `json:"caps,omitempty"`
	jwt.RegisteredClaims
}

// OwnerID parses the subject user ID.
func (c *AccessClaims) OwnerID() (uuid.UUID, error) {
	return uuid.Parse(c.UserID)
}

// Has reports whether the token grants capability.
func (c *AccessClaims) Has(capability string) bool {
	for _, cp := range c.Capabilities {
		if cp == capability {
			return true
		}
	}
	return false
}

type JWTManager struct {
	secret []byte
	issuer string
	expiry time.Duration
}

func NewJWTManager(secret, issuer string, expiry time.Duration) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
	}
}

// Generate signs an access token for userID carrying capabilities.
func (m *JWTManager) Generate(userID uuid.UUID, capabilities []string) (string, *AccessClaims, error) {
	now := time.Now()
	claims := &AccessClaims{
		UserID:       userID.String(),
		Capabilities: capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing access token: %w", err)
	}
	return signed, claims, nil
}

func (m *JWTManager) Validate(tokenStr string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &AccessClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	if _, err := claims.OwnerID(); err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}

	return claims, nil
}

func (m *JWTManager) Expiry() time.Duration {
	return m.expiry
}

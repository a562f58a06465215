package sessions

import (
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// secretTTL bounds how long a session secret stays verifiable. Sessions
// themselves are reaped long before this.
const secretTTL = 24 * time.Hour

// LoadSigningKey reads the HMAC key used to sign session secrets,
// generating and persisting a fresh one if the file does not exist yet.
func LoadSigningKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read signing key: %w", err)
		}
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		if err := os.WriteFile(path, b, 0600); err != nil {
			return nil, fmt.Errorf("failed to write signing key: %w", err)
		}
		key = b
	}
	return key, nil
}

// MintSecret creates the per-session auth key handed to clients and passed
// to the spawned app: a signed token binding the session ID.
func MintSecret(key []byte, sessionID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sid": sessionID,
		"iat": now.Unix(),
		"exp": now.Add(secretTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// VerifySecret reports whether token is a valid secret for sessionID.
func VerifySecret(key []byte, token, sessionID string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return false
	}
	sid, _ := claims["sid"].(string)
	return sid == sessionID
}

package rodepush

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Application is the administrative scope owning bundles and
// deployments.
type Application struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	// APIKey is the rotating secret the HTTP surface checks as its
	// authentication hook. It is never serialized into responses.
	APIKey string `json:"-"`
}

// NewAPIKey generates a fresh application secret.
func NewAPIKey() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// CheckAPIKey compares a presented key against the application's secret
// in constant time.
func (a *Application) CheckAPIKey(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(a.APIKey), []byte(presented)) == 1
}

// Package identity generates and carries the stable per-process node
// identity described in the node identity data model.
package identity

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Identity is the 128-bit random identifier a node carries for its
// entire process lifetime, plus the addressing information peers need
// to dial it.
type Identity struct {
	ID        uuid.UUID
	Host      string
	Port      int
	StartedAt time.Time
}

// New generates a fresh random identity bound to host:port.
func New(host string, port int) Identity {
	return Identity{
		ID:        uuid.New(),
		Host:      host,
		Port:      port,
		StartedAt: time.Now(),
	}
}

// String renders a short, loggable identity label.
func (id Identity) String() string {
	return id.ID.String()[:8] + "@" + id.Addr()
}

// Addr is the dial address other nodes use to reach this identity.
func (id Identity) Addr() string {
	return id.Host + ":" + strconv.Itoa(id.Port)
}

package sharing

import (
	"time"

	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/metrics"
)

// Actor is whoever presents a request: a signed-in user, an anonymous
// holder of a link token, or both.
type Actor struct {
	UserID       string
	LinkToken    string
	LinkPassword string
}

// Gate evaluates access to entries.
type Gate struct {
	now func() time.Time
}

// NewGate creates a Gate using now as its clock; nil means time.Now.
func NewGate(now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{now: now}
}

// CanRead allows the owner, any collaborator, and the holder of a valid
// link for this entry.
func (g *Gate) CanRead(a Actor, e *metadata.Entry) bool {
	allowed := g.canRead(a, e)
	metrics.RecordPermissionCheck("read", allowed)
	return allowed
}

func (g *Gate) canRead(a Actor, e *metadata.Entry) bool {
	if a.UserID != "" {
		if e.OwnerID == a.UserID {
			return true
		}
		if _, ok := e.GrantFor(a.UserID); ok {
			return true
		}
	}
	if a.LinkToken != "" && e.SharedLink != nil && e.SharedLink.Token == a.LinkToken {
		return CheckLink(e.SharedLink, a.LinkPassword, g.now()) == nil
	}
	return false
}

// CanWrite allows the owner only. Collaborator edit grants are stored but
// do not confer write access.
func (g *Gate) CanWrite(a Actor, e *metadata.Entry) bool {
	allowed := a.UserID != "" && e.OwnerID == a.UserID
	metrics.RecordPermissionCheck("write", allowed)
	return allowed
}

// CanManageSharing allows the owner only.
func (g *Gate) CanManageSharing(a Actor, e *metadata.Entry) bool {
	allowed := a.UserID != "" && e.OwnerID == a.UserID
	metrics.RecordPermissionCheck("share", allowed)
	return allowed
}

package cube

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Role of a member inside a cube.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// PaymentStatus is relative to the cube's current cycle only.
type PaymentStatus string

const (
	PaymentAwaiting PaymentStatus = "awaiting"
	PaymentPaid     PaymentStatus = "paid"
)

// Member is one participant's standing within a cube.
// Corresponds to the 'cube_members' table.
type Member struct {
	ID                uuid.UUID
	CubeID            uuid.UUID
	UserID            int64 // Telegram user id
	Role              Role
	PaymentStatus     PaymentStatus
	HasReceivedPayout bool
	PayoutPosition    sql.NullInt32 // Optional ordering hint, informational only
	JoinedAt          time.Time
	UpdatedAt         time.Time
}

func (m *Member) IsAdmin() bool { return m.Role == RoleAdmin }

func (m *Member) HasPaid() bool { return m.PaymentStatus == PaymentPaid }

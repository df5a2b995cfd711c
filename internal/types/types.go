package types

import (
	"time"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleBuyer    Role = "buyer"
	RoleSupplier Role = "supplier"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleBuyer, RoleSupplier:
		return true
	}
	return false
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Role         Role      `json:"role"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Category string

const (
	CategoryBid     Category = "bid"
	CategoryRfq     Category = "rfq"
	CategorySystem  Category = "system"
	CategoryPayment Category = "payment"
)

// Notification is a unit of information pushed to one or many
// recipients. TargetUserId of zero means the notification is global.
type Notification struct {
	Id           string    `json:"id"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Severity     Severity  `json:"severity"`
	Category     Category  `json:"category"`
	TargetUserId int       `json:"target_user_id,omitempty"`
	RfqId        int       `json:"rfq_id,omitempty"`
	BidId        int       `json:"bid_id,omitempty"`
	Read         bool      `json:"read"`
	CreatedAt    time.Time `json:"created_at"`
}

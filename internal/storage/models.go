package storage

import "time"

// Payment statuses. A payment never leaves a terminal state.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Package is a purchasable access package
type Package struct {
	ID          int64
	Name        string
	Description string
	Price       float64
	Minutes     int
	Active      bool
	CreatedAt   time.Time
}

// Payment represents one STK push charge
type Payment struct {
	ID                 int64
	PhoneNumber        string
	Amount             float64
	PackageID          int64
	UserID             *int64 // set once the hotspot user is created
	MpesaReceiptNumber string
	CheckoutRequestID  string
	Status             string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// HotspotUser is a time-boxed credential pair tied to one completed payment
type HotspotUser struct {
	ID          int64
	Username    string
	Password    string
	PhoneNumber string
	PackageID   int64
	Active      bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Connection is the caller-facing view of a provisioned account
type Connection struct {
	Username    string
	Password    string
	ExpiresAt   time.Time
	PackageName string
	Minutes     int
}

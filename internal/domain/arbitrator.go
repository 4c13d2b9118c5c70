package domain

import "time"

// Presence is an arbitrator's availability status.
type Presence string

const (
	PresenceOnline  Presence = "ONLINE"
	PresenceOffline Presence = "OFFLINE"
	PresenceBusy    Presence = "BUSY"
)

// ArbitratorProfile is one per registered arbitrator account. Its token
// balance is read from the ledger and never stored here.
type ArbitratorProfile struct {
	AccountID      string    `json:"account_id"`
	Domains        []string  `json:"domains"`
	Presence       Presence  `json:"presence"`
	ActiveCases    int       `json:"active_cases"`
	CompletedCases int       `json:"completed_cases"`
	TokenBalance   int64     `json:"token_balance"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasDomain reports whether the arbitrator lists domain as an expertise.
func (a *ArbitratorProfile) HasDomain(domain string) bool {
	for _, d := range a.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// GigStatus is the status of a booked slot. Available slots are generated on
// demand and never stored.
type GigStatus string

const (
	GigAvailable GigStatus = "AVAILABLE"
	GigBooked    GigStatus = "BOOKED"
	GigCompleted GigStatus = "COMPLETED"
	GigCancelled GigStatus = "CANCELLED"
)

// GigDuration is the fixed length of a gig.
const GigDuration = time.Hour

// Gig is a one-hour slot claimed by a single arbitrator.
type Gig struct {
	ID           string    `json:"id"`
	ArbitratorID string    `json:"arbitrator_id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Status       GigStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Covers reports whether now falls in [Start-preWindow, End).
func (g *Gig) Covers(now time.Time, preWindow time.Duration) bool {
	return !now.Before(g.Start.Add(-preWindow)) && now.Before(g.End)
}

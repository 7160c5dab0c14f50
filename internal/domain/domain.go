package domain

// RideKind is the vehicle class the external service confirmed for a booking.
// It is carried explicitly on every confirmation; we never infer it from
// free-text payload contents.
type RideKind string

const (
	RideKindShared    RideKind = "shared"
	RideKindDedicated RideKind = "dedicated"
)

// BookingSource records which path created a booking.
type BookingSource string

const (
	SourceFiller     BookingSource = "filler"
	SourceTarget     BookingSource = "target"
	SourceIndividual BookingSource = "individual"
)

// BookingStatus is the one mutable field of a BookingRecord.
type BookingStatus string

const (
	StatusActive    BookingStatus = "active"
	StatusCancelled BookingStatus = "cancelled"
)

// Credential is the opaque per-account token pair the external service expects.
type Credential struct {
	Token   string `json:"-" yaml:"token"`
	RiderID int64  `json:"-" yaml:"rider_id"`
}

// Account is loaded once at startup and never mutated.
type Account struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Credential Credential `json:"-"`
}

// Location is one endpoint of a route.
type Location struct {
	Lat     float64 `json:"lat" yaml:"lat"`
	Lng     float64 `json:"lng" yaml:"lng"`
	Address string  `json:"address,omitempty" yaml:"address"`
}

// Route is a named origin/destination pair from the catalog.
type Route struct {
	ID          string   `json:"id"`
	Origin      Location `json:"origin"`
	Destination Location `json:"destination"`
}

// Proposal is a bookable shared-ride offer returned by the external search.
type Proposal struct {
	Ref     string   `json:"proposal_ref"`
	RideRef int64    `json:"ride_ref"`
	Kind    RideKind `json:"ride_kind"`
}

// Confirmation is the external service's response to a successful book call.
type Confirmation struct {
	ExternalRideID int64    `json:"ride_id"`
	Kind           RideKind `json:"ride_kind"`
}

// BookingRecord exists only as the result of a successful external book call.
// Status is the only field that changes after creation: Active -> Cancelled,
// exactly once. Records are never deleted; they are retained for audit.
type BookingRecord struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"account_id"`
	AccountName    string        `json:"account_name"`
	ExternalRideID int64         `json:"ride_id"`
	ProposalRef    string        `json:"proposal_ref"`
	Kind           RideKind      `json:"ride_kind"`
	Source         BookingSource `json:"source"`
	RunID          string        `json:"run_id,omitempty"`
	// ServesAccountID is the run's target account when Source is filler.
	ServesAccountID string        `json:"serves_account_id,omitempty"`
	Status          BookingStatus `json:"status"`
	CreatedAt       string        `json:"created_at" format:"date-time"`
	CancelledAt     string        `json:"cancelled_at,omitempty" format:"date-time"`
}

// AccessEntry is one recorded HTTP access.
type AccessEntry struct {
	ID        string `json:"id"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActiveBooking is the per-account view of a still-active record in a snapshot.
type ActiveBooking struct {
	RideID int64    `json:"ride_id"`
	Kind   RideKind `json:"ride_kind"`
}

// AccountStatus is the per-account slice of a snapshot.
type AccountStatus struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	Message        string          `json:"message,omitempty"`
	ActiveBookings []ActiveBooking `json:"active_bookings"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// Snapshot is the full derived view over the status store. It is recomputed
// on every mutation and delivered whole; subscribers never receive diffs.
type Snapshot struct {
	TS        string          `json:"ts" format:"date-time"`
	Accounts  []AccountStatus `json:"accounts"`
	RideLog   []BookingRecord `json:"ride_log"`
	AccessLog []AccessEntry   `json:"access_log"`
	RunLog    []string        `json:"run_log"`
}

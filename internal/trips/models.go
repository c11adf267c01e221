package trips

import "time"

type Package struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Location      string    `json:"location"`
	Country       string    `json:"country"`
	Price         string    `json:"price"`
	Image         string    `json:"image"`
	TripStartDate string    `json:"trip_start_date"`
	TripEndDate   string    `json:"trip_end_date"`
	AgentID       int64     `json:"agent_id"`
	AgentName     string    `json:"agent_name"`
	Features      []Feature `json:"features"`
	// UserHasBooked is only populated when the request carried a bearer.
	UserHasBooked bool `json:"user_has_booked"`
}

type Feature struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
}

const (
	BookingConfirmed = "confirmed"
	BookingCancelled = "cancelled"
)

type Booking struct {
	ID            int64     `json:"id"`
	PackageID     int64     `json:"package_id"`
	PackageName   string    `json:"package_name"`
	Status        string    `json:"status"`
	TripStartDate string    `json:"trip_start_date"`
	TripEndDate   string    `json:"trip_end_date"`
	CreatedAt     time.Time `json:"created_at"`
}

type BookingInput struct {
	PackageID int64 `json:"package_id"`
	Guests    int   `json:"guests,omitempty"`
}

type CustomPackage struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Country     string `json:"country"`
	Budget      string `json:"budget"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Image       string `json:"image"`
	Status      string `json:"status"`
}

type CustomPackageInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Country     string `json:"country"`
	Budget      string `json:"budget"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
}

type Review struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	UserName  string    `json:"user_name"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

type ReviewInput struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// PackageFilters narrows the package list. Zero fields are omitted.
type PackageFilters struct {
	Location string
	Country  string
	Date     string
}

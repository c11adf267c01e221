package trips

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"triplink/internal/api"
)

const (
	packagesEndpoint       = "/api/auth/packages/"
	bookingsEndpoint       = "/api/auth/bookings/"
	customPackagesEndpoint = "/api/auth/custom-packages/"
	featuresEndpoint       = "/api/auth/features/"
)

// Service wraps the travel side of the API: packages, bookings, custom
// packages, feature lookups, and agent reviews. Package lists are cached so
// a failed re-fetch can fall back to stale data; Reset drops everything on
// logout.
type Service struct {
	api *api.Client

	mu             sync.Mutex
	cachedPackages []Package
}

func NewService(client *api.Client) *Service {
	return &Service{api: client}
}

// Packages lists packages. A signed-in caller gets user_has_booked set by
// the backend; signed-out works too since the bearer is optional here.
func (s *Service) Packages(ctx context.Context, filters PackageFilters) ([]Package, error) {
	query := url.Values{}
	if filters.Location != "" {
		query.Set("location", filters.Location)
	}
	if filters.Country != "" {
		query.Set("country", filters.Country)
	}
	if filters.Date != "" {
		query.Set("date", filters.Date)
	}

	resp, err := s.api.Do(ctx, http.MethodGet, api.Endpoint(packagesEndpoint, query), nil, true)
	if err != nil {
		return nil, err
	}
	var packages []Package
	if err := resp.Decode(&packages); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cachedPackages = packages
	s.mu.Unlock()
	return packages, nil
}

// CachedPackages returns the last successful package list, for screens that
// prefer stale data over an error banner.
func (s *Service) CachedPackages() []Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Package, len(s.cachedPackages))
	copy(out, s.cachedPackages)
	return out
}

func (s *Service) Package(ctx context.Context, id int64) (*Package, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, fmt.Sprintf("%s%d/", packagesEndpoint, id), nil, true)
	if err != nil {
		return nil, err
	}
	pkg := &Package{}
	if err := resp.Decode(pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

func (s *Service) Bookings(ctx context.Context) ([]Booking, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, bookingsEndpoint, nil, true)
	if err != nil {
		return nil, err
	}
	var bookings []Booking
	if err := resp.Decode(&bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

func (s *Service) CreateBooking(ctx context.Context, in BookingInput) (*Booking, error) {
	resp, err := s.api.Do(ctx, http.MethodPost, bookingsEndpoint, in, true)
	if err != nil {
		return nil, err
	}
	booking := &Booking{}
	if err := resp.Decode(booking); err != nil {
		return nil, err
	}
	return booking, nil
}

// CancelBooking transitions a booking to cancelled. The backend rejects
// cancellations closer than 2 days to the trip start; that comes back as a
// validation-class error, not a transport failure.
func (s *Service) CancelBooking(ctx context.Context, id int64) error {
	body := map[string]string{"status": BookingCancelled}
	_, err := s.api.Do(ctx, http.MethodPatch, fmt.Sprintf("%s%d/", bookingsEndpoint, id), body, true)
	return err
}

func (s *Service) CustomPackages(ctx context.Context) ([]CustomPackage, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, customPackagesEndpoint, nil, true)
	if err != nil {
		return nil, err
	}
	var packages []CustomPackage
	if err := resp.Decode(&packages); err != nil {
		return nil, err
	}
	return packages, nil
}

func (s *Service) CreateCustomPackage(ctx context.Context, in CustomPackageInput) (*CustomPackage, error) {
	resp, err := s.api.Do(ctx, http.MethodPost, customPackagesEndpoint, in, true)
	if err != nil {
		return nil, err
	}
	return decodeCustomPackage(resp)
}

// CreateCustomPackageWithImage sends the fields plus a cover image as
// multipart form data.
func (s *Service) CreateCustomPackageWithImage(ctx context.Context, in CustomPackageInput, filename string, image io.Reader) (*CustomPackage, error) {
	form := api.NewForm()
	form.AddField("title", in.Title)
	form.AddField("description", in.Description)
	form.AddField("location", in.Location)
	form.AddField("country", in.Country)
	form.AddField("budget", in.Budget)
	form.AddField("start_date", in.StartDate)
	form.AddField("end_date", in.EndDate)
	if err := form.AddFile("image", filename, image); err != nil {
		return nil, err
	}

	resp, err := s.api.DoMultipart(ctx, http.MethodPost, customPackagesEndpoint, form, true)
	if err != nil {
		return nil, err
	}
	return decodeCustomPackage(resp)
}

func (s *Service) CustomPackage(ctx context.Context, id int64) (*CustomPackage, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, fmt.Sprintf("%s%d/", customPackagesEndpoint, id), nil, true)
	if err != nil {
		return nil, err
	}
	return decodeCustomPackage(resp)
}

func (s *Service) UpdateCustomPackage(ctx context.Context, id int64, in CustomPackageInput) (*CustomPackage, error) {
	resp, err := s.api.Do(ctx, http.MethodPatch, fmt.Sprintf("%s%d/", customPackagesEndpoint, id), in, true)
	if err != nil {
		return nil, err
	}
	return decodeCustomPackage(resp)
}

func (s *Service) DeleteCustomPackage(ctx context.Context, id int64) error {
	_, err := s.api.Do(ctx, http.MethodDelete, fmt.Sprintf("%s%d/", customPackagesEndpoint, id), nil, true)
	return err
}

// Features is the lookup list used to tag packages; no auth required.
func (s *Service) Features(ctx context.Context) ([]Feature, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, featuresEndpoint, nil, false)
	if err != nil {
		return nil, err
	}
	var features []Feature
	if err := resp.Decode(&features); err != nil {
		return nil, err
	}
	return features, nil
}

func (s *Service) AgentReviews(ctx context.Context, agentID int64) ([]Review, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, fmt.Sprintf("/api/auth/agents/%d/reviews/", agentID), nil, false)
	if err != nil {
		return nil, err
	}
	var reviews []Review
	if err := resp.Decode(&reviews); err != nil {
		return nil, err
	}
	return reviews, nil
}

func (s *Service) PostAgentReview(ctx context.Context, agentID int64, in ReviewInput) (*Review, error) {
	resp, err := s.api.Do(ctx, http.MethodPost, fmt.Sprintf("/api/auth/agents/%d/reviews/", agentID), in, true)
	if err != nil {
		return nil, err
	}
	review := &Review{}
	if err := resp.Decode(review); err != nil {
		return nil, err
	}
	return review, nil
}

// Reset drops session-scoped caches on logout.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedPackages = nil
}

func decodeCustomPackage(resp *api.Response) (*CustomPackage, error) {
	pkg := &CustomPackage{}
	if err := resp.Decode(pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

package profile

import (
	"context"
	"io"
	"net/http"
	"sync"

	"triplink/internal/api"
)

const profileEndpoint = "/api/auth/profile/"

type Profile struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number"`
	Avatar      string `json:"avatar"`
	Role        string `json:"role"`
}

type Update struct {
	FullName    string `json:"full_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Service reads and updates the signed-in user's profile. The last fetched
// profile is cached for screens; Reset drops it on logout so no
// stale-identity data leaks into the next session.
type Service struct {
	api *api.Client

	mu     sync.Mutex
	cached *Profile
}

func NewService(client *api.Client) *Service {
	return &Service{api: client}
}

func (s *Service) Get(ctx context.Context) (*Profile, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, profileEndpoint, nil, true)
	if err != nil {
		return nil, err
	}
	return s.cache(resp)
}

func (s *Service) Update(ctx context.Context, in Update) (*Profile, error) {
	resp, err := s.api.Do(ctx, http.MethodPut, profileEndpoint, in, true)
	if err != nil {
		return nil, err
	}
	return s.cache(resp)
}

// UpdateWithAvatar sends the profile fields plus the avatar image as
// multipart form data.
func (s *Service) UpdateWithAvatar(ctx context.Context, in Update, filename string, image io.Reader) (*Profile, error) {
	form := api.NewForm()
	if in.FullName != "" {
		form.AddField("full_name", in.FullName)
	}
	if in.PhoneNumber != "" {
		form.AddField("phone_number", in.PhoneNumber)
	}
	if err := form.AddFile("avatar", filename, image); err != nil {
		return nil, err
	}

	resp, err := s.api.DoMultipart(ctx, http.MethodPut, profileEndpoint, form, true)
	if err != nil {
		return nil, err
	}
	return s.cache(resp)
}

// Cached returns the last fetched profile without a network call.
func (s *Service) Cached() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return nil
	}
	copied := *s.cached
	return &copied
}

func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

func (s *Service) cache(resp *api.Response) (*Profile, error) {
	p := &Profile{}
	if err := resp.Decode(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cached = p
	s.mu.Unlock()
	return p, nil
}

// Package devserver is a local stand-in for the production backend. It
// implements the same routes, token semantics, and error shapes so the client
// packages can be exercised end to end without the real deployment.
package devserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"triplink/pkg/jwt"
)

const cancelNotice = "Bookings can only be cancelled at least 2 days before the trip starts"

// Options configure the fixture. Token lifetimes are settable so tests can
// mint access tokens that expire immediately.
type Options struct {
	DBPath     string
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *slog.Logger
}

type Server struct {
	store  *Store
	signer *jwt.Signer
	hub    *hub
	router *mux.Router
	log    *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.DBPath == "" {
		opts.DBPath = ":memory:"
	}
	if opts.Secret == "" {
		opts.Secret = "dev-only-secret"
	}
	if opts.AccessTTL == 0 {
		opts.AccessTTL = 30 * time.Minute
	}
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	store, err := OpenStore(opts.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:  store,
		signer: jwt.NewSigner(opts.Secret, opts.AccessTTL, opts.RefreshTTL),
		log:    opts.Logger,
	}
	s.hub = newHub(s.store, s.signer, s.log)
	s.routes()
	return s, nil
}

// Store exposes the backing store so tests and the seeder can create
// fixtures directly.
func (s *Server) Store() *Store { return s.store }

// Signer exposes the token signer so tests can mint tokens out of band.
func (s *Server) Signer() *jwt.Signer { return s.signer }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Close() error { return s.store.Close() }

func (s *Server) routes() {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/auth").Subrouter()

	api.HandleFunc("/register/", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login/", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/refresh/", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/logout/", s.handleLogout).Methods(http.MethodPost)

	api.HandleFunc("/profile/", s.requireAuth(s.handleProfileGet)).Methods(http.MethodGet)
	api.HandleFunc("/profile/", s.requireAuth(s.handleProfileUpdate)).Methods(http.MethodPut)

	api.HandleFunc("/packages/", s.optionalAuth(s.handlePackages)).Methods(http.MethodGet)
	api.HandleFunc("/packages/{id:[0-9]+}/", s.optionalAuth(s.handlePackage)).Methods(http.MethodGet)
	api.HandleFunc("/features/", s.handleFeatures).Methods(http.MethodGet)

	api.HandleFunc("/bookings/", s.requireAuth(s.handleBookings)).Methods(http.MethodGet)
	api.HandleFunc("/bookings/", s.requireAuth(s.handleCreateBooking)).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id:[0-9]+}/", s.requireAuth(s.handleUpdateBooking)).Methods(http.MethodPatch)

	api.HandleFunc("/custom-packages/", s.requireAuth(s.handleCustomPackages)).Methods(http.MethodGet)
	api.HandleFunc("/custom-packages/", s.requireAuth(s.handleCreateCustomPackage)).Methods(http.MethodPost)
	api.HandleFunc("/custom-packages/{id:[0-9]+}/", s.requireAuth(s.handleCustomPackage)).Methods(http.MethodGet)
	api.HandleFunc("/custom-packages/{id:[0-9]+}/", s.requireAuth(s.handleUpdateCustomPackage)).Methods(http.MethodPatch)
	api.HandleFunc("/custom-packages/{id:[0-9]+}/", s.requireAuth(s.handleDeleteCustomPackage)).Methods(http.MethodDelete)

	api.HandleFunc("/agents/{id:[0-9]+}/reviews/", s.handleAgentReviews).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id:[0-9]+}/reviews/", s.requireAuth(s.handleCreateReview)).Methods(http.MethodPost)

	api.HandleFunc("/chat/rooms/", s.requireAuth(s.handleRooms)).Methods(http.MethodGet)
	api.HandleFunc("/chat/rooms/", s.requireAuth(s.handleCreateRoom)).Methods(http.MethodPost)
	api.HandleFunc("/chat/rooms/{id:[0-9]+}/messages/", s.requireAuth(s.handleMessages)).Methods(http.MethodGet)
	api.HandleFunc("/chat/rooms/{id:[0-9]+}/messages/", s.requireAuth(s.handlePostMessage)).Methods(http.MethodPost)
	api.HandleFunc("/chat/rooms/{id:[0-9]+}/mark-read/", s.requireAuth(s.handleMarkRead)).Methods(http.MethodPost)
	api.HandleFunc("/chat/unread-count/", s.requireAuth(s.handleUnreadCount)).Methods(http.MethodGet)

	r.HandleFunc("/ws/chat/{id:[0-9]+}/", s.hub.handleWS)

	s.router = r
}

// ---- auth middleware ----

func (s *Server) authenticate(r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, errors.New("missing bearer")
	}
	claims, err := s.signer.Validate(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, err
	}
	if claims.TokenType != jwt.TypeAccess {
		return nil, jwt.ErrInvalidToken
	}
	return s.store.UserByID(claims.UserID)
}

func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, *User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided or are invalid")
			return
		}
		next(w, r, user)
	}
}

// optionalAuth passes the user through when a valid bearer is present and nil
// otherwise. An expired bearer on an optional route is still a 401 so the
// client refresh path works uniformly.
func (s *Server) optionalAuth(next func(http.ResponseWriter, *http.Request, *User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next(w, r, nil)
			return
		}
		user, err := s.authenticate(r)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided or are invalid")
			return
		}
		next(w, r, user)
	}
}

// ---- auth handlers ----

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if in.Email == "" || in.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"email": {"This field is required."},
		})
		return
	}
	if in.Role == "" {
		in.Role = "traveler"
	}

	if _, err := s.store.UserByEmail(in.Email); err == nil {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"email": {"A user with this email already exists."},
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not hash password")
		return
	}
	user, err := s.store.CreateUser(in.Email, string(hash), in.Role, in.FullName)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not create user")
		return
	}
	writeJSON(w, http.StatusCreated, userJSON(user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	user, err := s.store.UserByEmail(in.Email)
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(in.Password)) != nil {
		writeDetail(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}

	access, err := s.signer.AccessToken(user.ID, user.Role)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not sign token")
		return
	}
	refresh, err := s.signer.RefreshToken(user.ID, user.Role)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not sign token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access":  access,
		"refresh": refresh,
		"user":    userJSON(user),
	})
}

// handleRefresh exchanges a refresh token for a new access token. The refresh
// token is not rotated, matching the production backend.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Refresh == "" {
		writeDetail(w, http.StatusBadRequest, "refresh token required")
		return
	}

	claims, err := s.signer.Validate(in.Refresh)
	if err != nil || claims.TokenType != jwt.TypeRefresh {
		writeDetail(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}

	access, err := s.signer.AccessToken(claims.UserID, claims.Role)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not sign token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access": access})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// ---- profile ----

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request, user *User) {
	writeJSON(w, http.StatusOK, profileJSON(user))
}

func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request, user *User) {
	var fullName, phone, avatar string

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeDetail(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		fullName = r.FormValue("full_name")
		phone = r.FormValue("phone_number")
		if _, header, err := r.FormFile("avatar"); err == nil {
			avatar = "/media/avatars/" + header.Filename
		}
	} else {
		var in struct {
			FullName    string `json:"full_name"`
			PhoneNumber string `json:"phone_number"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeDetail(w, http.StatusBadRequest, "malformed request body")
			return
		}
		fullName, phone = in.FullName, in.PhoneNumber
	}

	updated, err := s.store.UpdateProfile(user.ID, fullName, phone, avatar)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not update profile")
		return
	}
	writeJSON(w, http.StatusOK, profileJSON(updated))
}

// ---- packages ----

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request, user *User) {
	q := r.URL.Query()
	packages, err := s.store.Packages(q.Get("location"), q.Get("country"), q.Get("date"))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not list packages")
		return
	}

	out := make([]map[string]any, 0, len(packages))
	for i := range packages {
		out = append(out, s.packageJSON(&packages[i], user))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request, user *User) {
	pkg, err := s.store.PackageByID(pathID(r))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "package not found")
		return
	}
	writeJSON(w, http.StatusOK, s.packageJSON(pkg, user))
}

func (s *Server) packageJSON(p *Package, user *User) map[string]any {
	agentName := ""
	if agent, err := s.store.UserByID(p.AgentID); err == nil {
		agentName = agent.FullName
	}
	booked := false
	if user != nil {
		booked = s.store.UserHasBooked(user.ID, p.ID)
	}
	return map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"description":     p.Description,
		"location":        p.Location,
		"country":         p.Country,
		"price":           p.Price,
		"image":           p.Image,
		"trip_start_date": p.TripStartDate,
		"trip_end_date":   p.TripEndDate,
		"agent_id":        p.AgentID,
		"agent_name":      agentName,
		"features":        []any{},
		"user_has_booked": booked,
	}
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.store.Features()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not list features")
		return
	}
	out := make([]map[string]any, 0, len(features))
	for _, f := range features {
		out = append(out, map[string]any{"id": f.ID, "name": f.Name, "icon": f.Icon})
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- bookings ----

func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request, user *User) {
	bookings, err := s.store.BookingsByUser(user.ID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not list bookings")
		return
	}
	out := make([]map[string]any, 0, len(bookings))
	for i := range bookings {
		out = append(out, s.bookingJSON(&bookings[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request, user *User) {
	var in struct {
		PackageID int64 `json:"package_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if _, err := s.store.PackageByID(in.PackageID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"package_id": {"Package does not exist."},
		})
		return
	}

	booking, err := s.store.CreateBooking(user.ID, in.PackageID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not create booking")
		return
	}
	writeJSON(w, http.StatusCreated, s.bookingJSON(booking))
}

func (s *Server) handleUpdateBooking(w http.ResponseWriter, r *http.Request, user *User) {
	booking, err := s.store.BookingByID(pathID(r))
	if err != nil || booking.UserID != user.ID {
		writeDetail(w, http.StatusNotFound, "booking not found")
		return
	}

	var in struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if in.Status == "cancelled" {
		pkg, err := s.store.PackageByID(booking.PackageID)
		if err == nil {
			start, perr := time.Parse("2006-01-02", pkg.TripStartDate)
			if perr == nil && time.Until(start) < 48*time.Hour {
				writeDetail(w, http.StatusBadRequest, cancelNotice)
				return
			}
		}
	}

	if err := s.store.UpdateBookingStatus(booking.ID, in.Status); err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not update booking")
		return
	}
	booking.Status = in.Status
	writeJSON(w, http.StatusOK, s.bookingJSON(booking))
}

func (s *Server) bookingJSON(b *Booking) map[string]any {
	name, start, end := "", "", ""
	if pkg, err := s.store.PackageByID(b.PackageID); err == nil {
		name, start, end = pkg.Name, pkg.TripStartDate, pkg.TripEndDate
	}
	return map[string]any{
		"id":              b.ID,
		"package_id":      b.PackageID,
		"package_name":    name,
		"status":          b.Status,
		"trip_start_date": start,
		"trip_end_date":   end,
		"created_at":      b.CreatedAt,
	}
}

// ---- custom packages ----

func (s *Server) handleCustomPackages(w http.ResponseWriter, r *http.Request, user *User) {
	packages, err := s.store.CustomPackagesByUser(user.ID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not list custom packages")
		return
	}
	out := make([]map[string]any, 0, len(packages))
	for i := range packages {
		out = append(out, customPackageJSON(&packages[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateCustomPackage(w http.ResponseWriter, r *http.Request, user *User) {
	p := CustomPackage{UserID: user.ID}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeDetail(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		p.Title = r.FormValue("title")
		p.Description = r.FormValue("description")
		p.Location = r.FormValue("location")
		p.Country = r.FormValue("country")
		p.Budget = r.FormValue("budget")
		p.StartDate = r.FormValue("start_date")
		p.EndDate = r.FormValue("end_date")
		if _, header, err := r.FormFile("image"); err == nil {
			p.Image = "/media/custom/" + header.Filename
		}
	} else {
		var in struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Location    string `json:"location"`
			Country     string `json:"country"`
			Budget      string `json:"budget"`
			StartDate   string `json:"start_date"`
			EndDate     string `json:"end_date"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeDetail(w, http.StatusBadRequest, "malformed request body")
			return
		}
		p.Title, p.Description = in.Title, in.Description
		p.Location, p.Country, p.Budget = in.Location, in.Country, in.Budget
		p.StartDate, p.EndDate = in.StartDate, in.EndDate
	}

	if p.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"title": {"This field is required."},
		})
		return
	}

	created, err := s.store.CreateCustomPackage(p)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not create custom package")
		return
	}
	writeJSON(w, http.StatusCreated, customPackageJSON(created))
}

func (s *Server) handleCustomPackage(w http.ResponseWriter, r *http.Request, user *User) {
	p, err := s.store.CustomPackageByID(pathID(r))
	if err != nil || p.UserID != user.ID {
		writeDetail(w, http.StatusNotFound, "custom package not found")
		return
	}
	writeJSON(w, http.StatusOK, customPackageJSON(p))
}

func (s *Server) handleUpdateCustomPackage(w http.ResponseWriter, r *http.Request, user *User) {
	existing, err := s.store.CustomPackageByID(pathID(r))
	if err != nil || existing.UserID != user.ID {
		writeDetail(w, http.StatusNotFound, "custom package not found")
		return
	}

	var in CustomPackage
	body := struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Location    string `json:"location"`
		Country     string `json:"country"`
		Budget      string `json:"budget"`
		StartDate   string `json:"start_date"`
		EndDate     string `json:"end_date"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	in = CustomPackage{
		ID: existing.ID, UserID: user.ID,
		Title: body.Title, Description: body.Description,
		Location: body.Location, Country: body.Country, Budget: body.Budget,
		StartDate: body.StartDate, EndDate: body.EndDate,
	}

	updated, err := s.store.UpdateCustomPackage(in)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not update custom package")
		return
	}
	writeJSON(w, http.StatusOK, customPackageJSON(updated))
}

func (s *Server) handleDeleteCustomPackage(w http.ResponseWriter, r *http.Request, user *User) {
	if err := s.store.DeleteCustomPackage(pathID(r), user.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeDetail(w, http.StatusNotFound, "custom package not found")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "could not delete custom package")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func customPackageJSON(p *CustomPackage) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"title":       p.Title,
		"description": p.Description,
		"location":    p.Location,
		"country":     p.Country,
		"budget":      p.Budget,
		"start_date":  p.StartDate,
		"end_date":    p.EndDate,
		"image":       p.Image,
		"status":      p.Status,
	}
}

// ---- reviews ----

func (s *Server) handleAgentReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.store.ReviewsByAgent(pathID(r))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not list reviews")
		return
	}
	out := make([]map[string]any, 0, len(reviews))
	for i := range reviews {
		out = append(out, s.reviewJSON(&reviews[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request, user *User) {
	var in struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if in.Rating < 1 || in.Rating > 5 {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"rating": {"Rating must be between 1 and 5."},
		})
		return
	}

	review, err := s.store.CreateReview(pathID(r), user.ID, in.Rating, in.Comment)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not create review")
		return
	}
	writeJSON(w, http.StatusCreated, s.reviewJSON(review))
}

func (s *Server) reviewJSON(rv *Review) map[string]any {
	userName := ""
	if u, err := s.store.UserByID(rv.UserID); err == nil {
		userName = u.FullName
	}
	return map[string]any{
		"id":         rv.ID,
		"agent_id":   rv.AgentID,
		"user_name":  userName,
		"rating":     rv.Rating,
		"comment":    rv.Comment,
		"created_at": rv.CreatedAt,
	}
}

// ---- chat ----

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, user *User) {
	rooms, err := s.store.RoomsByUser(user.ID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not list rooms")
		return
	}
	out := make([]map[string]any, 0, len(rooms))
	for i := range rooms {
		out = append(out, s.roomJSON(&rooms[i], user.ID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, user *User) {
	var in struct {
		OtherUserID int64 `json:"other_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.OtherUserID == 0 {
		writeDetail(w, http.StatusBadRequest, "other_user_id required")
		return
	}
	other, err := s.store.UserByID(in.OtherUserID)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "user not found")
		return
	}

	travelerID, agentID := user.ID, other.ID
	if user.Role == "agent" {
		travelerID, agentID = other.ID, user.ID
	}
	room, err := s.store.GetOrCreateRoom(travelerID, agentID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not create room")
		return
	}
	writeJSON(w, http.StatusCreated, s.roomJSON(room, user.ID))
}

func (s *Server) roomJSON(room *Room, viewerID int64) map[string]any {
	otherID := room.TravelerID
	if otherID == viewerID {
		otherID = room.AgentID
	}
	otherName, otherAvatar := "", ""
	if other, err := s.store.UserByID(otherID); err == nil {
		otherName, otherAvatar = other.FullName, other.Avatar
	}

	lastText := ""
	lastAt := room.UpdatedAt
	if last, err := s.store.LastMessage(room.ID); err == nil && last != nil {
		lastText, lastAt = last.Text, last.CreatedAt
	}
	unread, _ := s.store.UnreadInRoom(room.ID, viewerID)

	return map[string]any{
		"id":                room.ID,
		"other_user_id":     otherID,
		"other_user_name":   otherName,
		"other_user_avatar": otherAvatar,
		"last_message":      lastText,
		"last_message_at":   lastAt,
		"unread_count":      unread,
	}
}

func (s *Server) roomMember(roomID, userID int64) bool {
	room, err := s.store.RoomByID(roomID)
	if err != nil {
		return false
	}
	return room.TravelerID == userID || room.AgentID == userID
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user *User) {
	roomID := pathID(r)
	if !s.roomMember(roomID, user.ID) {
		writeDetail(w, http.StatusNotFound, "room not found")
		return
	}
	msgs, err := s.store.MessagesByRoom(roomID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not list messages")
		return
	}
	out := make([]map[string]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, s.messageJSON(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, user *User) {
	roomID := pathID(r)
	if !s.roomMember(roomID, user.ID) {
		writeDetail(w, http.StatusNotFound, "room not found")
		return
	}

	var in struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || strings.TrimSpace(in.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"text": {"This field may not be blank."},
		})
		return
	}

	msg, err := s.store.CreateMessage(roomID, user.ID, in.Text)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not create message")
		return
	}
	s.hub.broadcast(roomID, s.messageJSON(msg))
	writeJSON(w, http.StatusCreated, s.messageJSON(msg))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user *User) {
	roomID := pathID(r)
	if !s.roomMember(roomID, user.ID) {
		writeDetail(w, http.StatusNotFound, "room not found")
		return
	}
	if err := s.store.MarkRead(roomID, user.ID); err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not mark read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, user *User) {
	count, err := s.store.UnreadTotal(user.ID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "could not count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) messageJSON(m *Message) map[string]any {
	senderName := ""
	if u, err := s.store.UserByID(m.SenderID); err == nil {
		senderName = u.FullName
	}
	return map[string]any{
		"id":          m.ID,
		"text":        m.Text,
		"sender_id":   m.SenderID,
		"sender_name": senderName,
		"created_at":  m.CreatedAt,
	}
}

// ---- helpers ----

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func userJSON(u *User) map[string]any {
	return map[string]any{"id": u.ID, "email": u.Email, "role": u.Role}
}

func profileJSON(u *User) map[string]any {
	return map[string]any{
		"id":           u.ID,
		"email":        u.Email,
		"full_name":    u.FullName,
		"phone_number": u.PhoneNumber,
		"avatar":       u.Avatar,
		"role":         u.Role,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// Seed fills the store with demo data for the CLI. It is idempotent per
// fresh database and intentionally small.
func (s *Server) Seed() error {
	hash, err := bcrypt.GenerateFromPassword([]byte("traveler-pass-1"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	agentHash, err := bcrypt.GenerateFromPassword([]byte("agent-pass-1"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	traveler, err := s.store.CreateUser("traveler@example.com", string(hash), "traveler", "Demo Traveler")
	if err != nil {
		return fmt.Errorf("seed traveler: %w", err)
	}
	agent, err := s.store.CreateUser("agent@example.com", string(agentHash), "agent", "Demo Agent")
	if err != nil {
		return fmt.Errorf("seed agent: %w", err)
	}

	start := time.Now().AddDate(0, 1, 0).Format("2006-01-02")
	end := time.Now().AddDate(0, 1, 7).Format("2006-01-02")
	if _, err := s.store.CreatePackage(Package{
		Name: "Bali Getaway", Description: "Seven nights in Ubud",
		Location: "Ubud", Country: "Indonesia", Price: "1299.00",
		TripStartDate: start, TripEndDate: end, AgentID: agent.ID,
	}); err != nil {
		return fmt.Errorf("seed package: %w", err)
	}
	if _, err := s.store.CreateFeature("Airport transfer", "car"); err != nil {
		return err
	}
	if _, err := s.store.CreateFeature("Breakfast included", "coffee"); err != nil {
		return err
	}

	room, err := s.store.GetOrCreateRoom(traveler.ID, agent.ID)
	if err != nil {
		return err
	}
	if _, err := s.store.CreateMessage(room.ID, agent.ID, "Hi! Ask me anything about the Bali trip."); err != nil {
		return err
	}
	return nil
}

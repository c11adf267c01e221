package devserver

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the fixture's persistence layer. sqlite keeps it a single file
// (or fully in-memory for tests) with no external daemon.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open dev store: %w", err)
	}
	// The fixture is exercised from many goroutines; sqlite wants a
	// single writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'traveler',
		full_name TEXT DEFAULT '',
		phone_number TEXT DEFAULT '',
		avatar TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS packages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		location TEXT DEFAULT '',
		country TEXT DEFAULT '',
		price TEXT DEFAULT '0',
		image TEXT DEFAULT '',
		trip_start_date TEXT DEFAULT '',
		trip_end_date TEXT DEFAULT '',
		agent_id INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		package_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'confirmed',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (package_id) REFERENCES packages(id)
	);

	CREATE TABLE IF NOT EXISTS custom_packages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		location TEXT DEFAULT '',
		country TEXT DEFAULT '',
		budget TEXT DEFAULT '',
		start_date TEXT DEFAULT '',
		end_date TEXT DEFAULT '',
		image TEXT DEFAULT '',
		status TEXT DEFAULT 'open',
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS features (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		icon TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		rating INTEGER NOT NULL,
		comment TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		traveler_id INTEGER NOT NULL,
		agent_id INTEGER NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(traveler_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		read_at TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_user ON bookings(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

type User struct {
	ID          int64
	Email       string
	Password    string
	Role        string
	FullName    string
	PhoneNumber string
	Avatar      string
}

func (s *Store) CreateUser(email, passwordHash, role, fullName string) (*User, error) {
	res, err := s.db.Exec(
		"INSERT INTO users (email, password, role, full_name) VALUES (?, ?, ?, ?)",
		email, passwordHash, role, fullName,
	)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.UserByID(id)
}

func (s *Store) UserByID(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, email, password, role, full_name, phone_number, avatar FROM users WHERE id = ?", id))
}

func (s *Store) UserByEmail(email string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		"SELECT id, email, password, role, full_name, phone_number, avatar FROM users WHERE email = ?", email))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.Password, &u.Role, &u.FullName, &u.PhoneNumber, &u.Avatar)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) UpdateProfile(userID int64, fullName, phone, avatar string) (*User, error) {
	_, err := s.db.Exec(`
		UPDATE users SET
			full_name = CASE WHEN ? != '' THEN ? ELSE full_name END,
			phone_number = CASE WHEN ? != '' THEN ? ELSE phone_number END,
			avatar = CASE WHEN ? != '' THEN ? ELSE avatar END
		WHERE id = ?`,
		fullName, fullName, phone, phone, avatar, avatar, userID)
	if err != nil {
		return nil, err
	}
	return s.UserByID(userID)
}

type Package struct {
	ID            int64
	Name          string
	Description   string
	Location      string
	Country       string
	Price         string
	Image         string
	TripStartDate string
	TripEndDate   string
	AgentID       int64
}

func (s *Store) CreatePackage(p Package) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO packages (name, description, location, country, price, image, trip_start_date, trip_end_date, agent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.Location, p.Country, p.Price, p.Image, p.TripStartDate, p.TripEndDate, p.AgentID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) Packages(location, country, date string) ([]Package, error) {
	query := "SELECT id, name, description, location, country, price, image, trip_start_date, trip_end_date, agent_id FROM packages WHERE 1=1"
	args := []any{}
	if location != "" {
		query += " AND location LIKE ?"
		args = append(args, "%"+location+"%")
	}
	if country != "" {
		query += " AND country LIKE ?"
		args = append(args, "%"+country+"%")
	}
	if date != "" {
		query += " AND trip_start_date >= ?"
		args = append(args, date)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packages []Package
	for rows.Next() {
		var p Package
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Location, &p.Country, &p.Price, &p.Image, &p.TripStartDate, &p.TripEndDate, &p.AgentID); err != nil {
			return nil, err
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (s *Store) PackageByID(id int64) (*Package, error) {
	p := &Package{}
	err := s.db.QueryRow(
		"SELECT id, name, description, location, country, price, image, trip_start_date, trip_end_date, agent_id FROM packages WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Location, &p.Country, &p.Price, &p.Image, &p.TripStartDate, &p.TripEndDate, &p.AgentID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) UserHasBooked(userID, packageID int64) bool {
	var n int
	s.db.QueryRow(
		"SELECT COUNT(*) FROM bookings WHERE user_id = ? AND package_id = ? AND status != 'cancelled'",
		userID, packageID,
	).Scan(&n)
	return n > 0
}

type Booking struct {
	ID        int64
	UserID    int64
	PackageID int64
	Status    string
	CreatedAt time.Time
}

func (s *Store) CreateBooking(userID, packageID int64) (*Booking, error) {
	res, err := s.db.Exec(
		"INSERT INTO bookings (user_id, package_id, status, created_at) VALUES (?, ?, 'confirmed', ?)",
		userID, packageID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.BookingByID(id)
}

func (s *Store) BookingByID(id int64) (*Booking, error) {
	b := &Booking{}
	err := s.db.QueryRow(
		"SELECT id, user_id, package_id, status, created_at FROM bookings WHERE id = ?", id,
	).Scan(&b.ID, &b.UserID, &b.PackageID, &b.Status, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) BookingsByUser(userID int64) ([]Booking, error) {
	rows, err := s.db.Query(
		"SELECT id, user_id, package_id, status, created_at FROM bookings WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.ID, &b.UserID, &b.PackageID, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func (s *Store) UpdateBookingStatus(id int64, status string) error {
	_, err := s.db.Exec("UPDATE bookings SET status = ? WHERE id = ?", status, id)
	return err
}

type CustomPackage struct {
	ID          int64
	UserID      int64
	Title       string
	Description string
	Location    string
	Country     string
	Budget      string
	StartDate   string
	EndDate     string
	Image       string
	Status      string
}

func (s *Store) CreateCustomPackage(p CustomPackage) (*CustomPackage, error) {
	res, err := s.db.Exec(`
		INSERT INTO custom_packages (user_id, title, description, location, country, budget, start_date, end_date, image)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Title, p.Description, p.Location, p.Country, p.Budget, p.StartDate, p.EndDate, p.Image)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.CustomPackageByID(id)
}

func (s *Store) CustomPackageByID(id int64) (*CustomPackage, error) {
	p := &CustomPackage{}
	err := s.db.QueryRow(`
		SELECT id, user_id, title, description, location, country, budget, start_date, end_date, image, status
		FROM custom_packages WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Location, &p.Country, &p.Budget, &p.StartDate, &p.EndDate, &p.Image, &p.Status)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) CustomPackagesByUser(userID int64) ([]CustomPackage, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, title, description, location, country, budget, start_date, end_date, image, status
		FROM custom_packages WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packages []CustomPackage
	for rows.Next() {
		var p CustomPackage
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Location, &p.Country, &p.Budget, &p.StartDate, &p.EndDate, &p.Image, &p.Status); err != nil {
			return nil, err
		}
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (s *Store) UpdateCustomPackage(p CustomPackage) (*CustomPackage, error) {
	_, err := s.db.Exec(`
		UPDATE custom_packages SET
			title = CASE WHEN ? != '' THEN ? ELSE title END,
			description = CASE WHEN ? != '' THEN ? ELSE description END,
			location = CASE WHEN ? != '' THEN ? ELSE location END,
			country = CASE WHEN ? != '' THEN ? ELSE country END,
			budget = CASE WHEN ? != '' THEN ? ELSE budget END,
			start_date = CASE WHEN ? != '' THEN ? ELSE start_date END,
			end_date = CASE WHEN ? != '' THEN ? ELSE end_date END
		WHERE id = ? AND user_id = ?`,
		p.Title, p.Title, p.Description, p.Description, p.Location, p.Location,
		p.Country, p.Country, p.Budget, p.Budget, p.StartDate, p.StartDate,
		p.EndDate, p.EndDate, p.ID, p.UserID)
	if err != nil {
		return nil, err
	}
	return s.CustomPackageByID(p.ID)
}

func (s *Store) DeleteCustomPackage(id, userID int64) error {
	res, err := s.db.Exec("DELETE FROM custom_packages WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type Feature struct {
	ID   int64
	Name string
	Icon string
}

func (s *Store) CreateFeature(name, icon string) (int64, error) {
	res, err := s.db.Exec("INSERT INTO features (name, icon) VALUES (?, ?)", name, icon)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) Features() ([]Feature, error) {
	rows, err := s.db.Query("SELECT id, name, icon FROM features ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var features []Feature
	for rows.Next() {
		var f Feature
		if err := rows.Scan(&f.ID, &f.Name, &f.Icon); err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

type Review struct {
	ID        int64
	AgentID   int64
	UserID    int64
	Rating    int
	Comment   string
	CreatedAt time.Time
}

func (s *Store) CreateReview(agentID, userID int64, rating int, comment string) (*Review, error) {
	res, err := s.db.Exec(
		"INSERT INTO reviews (agent_id, user_id, rating, comment, created_at) VALUES (?, ?, ?, ?, ?)",
		agentID, userID, rating, comment, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	r := &Review{}
	err = s.db.QueryRow(
		"SELECT id, agent_id, user_id, rating, comment, created_at FROM reviews WHERE id = ?", id,
	).Scan(&r.ID, &r.AgentID, &r.UserID, &r.Rating, &r.Comment, &r.CreatedAt)
	return r, err
}

func (s *Store) ReviewsByAgent(agentID int64) ([]Review, error) {
	rows, err := s.db.Query(
		"SELECT id, agent_id, user_id, rating, comment, created_at FROM reviews WHERE agent_id = ? ORDER BY created_at DESC", agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reviews []Review
	for rows.Next() {
		var r Review
		if err := rows.Scan(&r.ID, &r.AgentID, &r.UserID, &r.Rating, &r.Comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

type Room struct {
	ID         int64
	TravelerID int64
	AgentID    int64
	UpdatedAt  time.Time
}

func (s *Store) GetOrCreateRoom(travelerID, agentID int64) (*Room, error) {
	room, err := s.roomByPair(travelerID, agentID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	_, err = s.db.Exec(
		"INSERT INTO rooms (traveler_id, agent_id, updated_at) VALUES (?, ?, ?)",
		travelerID, agentID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return s.roomByPair(travelerID, agentID)
}

func (s *Store) roomByPair(travelerID, agentID int64) (*Room, error) {
	r := &Room{}
	err := s.db.QueryRow(
		"SELECT id, traveler_id, agent_id, updated_at FROM rooms WHERE traveler_id = ? AND agent_id = ?",
		travelerID, agentID,
	).Scan(&r.ID, &r.TravelerID, &r.AgentID, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) RoomByID(id int64) (*Room, error) {
	r := &Room{}
	err := s.db.QueryRow(
		"SELECT id, traveler_id, agent_id, updated_at FROM rooms WHERE id = ?", id,
	).Scan(&r.ID, &r.TravelerID, &r.AgentID, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) RoomsByUser(userID int64) ([]Room, error) {
	rows, err := s.db.Query(
		"SELECT id, traveler_id, agent_id, updated_at FROM rooms WHERE traveler_id = ? OR agent_id = ? ORDER BY updated_at DESC",
		userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.TravelerID, &r.AgentID, &r.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

type Message struct {
	ID        int64
	RoomID    int64
	SenderID  int64
	Text      string
	CreatedAt time.Time
}

func (s *Store) CreateMessage(roomID, senderID int64, text string) (*Message, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		"INSERT INTO messages (room_id, sender_id, text, created_at) VALUES (?, ?, ?, ?)",
		roomID, senderID, text, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec("UPDATE rooms SET updated_at = ? WHERE id = ?", now, roomID); err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &Message{ID: id, RoomID: roomID, SenderID: senderID, Text: text, CreatedAt: now}, nil
}

// MessagesByRoom returns newest-first, matching the real backend.
func (s *Store) MessagesByRoom(roomID int64) ([]Message, error) {
	rows, err := s.db.Query(
		"SELECT id, room_id, sender_id, text, created_at FROM messages WHERE room_id = ? ORDER BY created_at DESC, id DESC",
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) LastMessage(roomID int64) (*Message, error) {
	m := &Message{}
	err := s.db.QueryRow(
		"SELECT id, room_id, sender_id, text, created_at FROM messages WHERE room_id = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		roomID,
	).Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Text, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) MarkRead(roomID, userID int64) error {
	_, err := s.db.Exec(
		"UPDATE messages SET read_at = ? WHERE room_id = ? AND sender_id != ? AND read_at IS NULL",
		time.Now().UTC(), roomID, userID)
	return err
}

func (s *Store) UnreadInRoom(roomID, userID int64) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE room_id = ? AND sender_id != ? AND read_at IS NULL",
		roomID, userID,
	).Scan(&n)
	return n, err
}

func (s *Store) UnreadTotal(userID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages m
		JOIN rooms r ON m.room_id = r.id
		WHERE (r.traveler_id = ? OR r.agent_id = ?) AND m.sender_id != ? AND m.read_at IS NULL`,
		userID, userID, userID,
	).Scan(&n)
	return n, err
}

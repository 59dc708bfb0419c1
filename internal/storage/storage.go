package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyFinal = errors.New("payment already in a terminal state")
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// New creates a new Storage instance and initializes the database
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS packages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT,
			price REAL NOT NULL,
			minutes INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS hotspot_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			phone_number TEXT,
			package_id INTEGER,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			FOREIGN KEY (package_id) REFERENCES packages (id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hotspot_users_expires_at ON hotspot_users(expires_at)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phone_number TEXT NOT NULL,
			amount REAL NOT NULL,
			package_id INTEGER,
			user_id INTEGER,
			mpesa_receipt_number TEXT,
			checkout_request_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			completed_at INTEGER,
			FOREIGN KEY (package_id) REFERENCES packages (id),
			FOREIGN KEY (user_id) REFERENCES hotspot_users (id)
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return s.seedPackages()
}

// seedPackages inserts the default catalog on first start
func (s *Storage) seedPackages() error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM packages").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	defaults := []struct {
		name, description string
		price             float64
		minutes           int
	}{
		{"Hourly", "Access for 1 hour", 20, 60},
		{"Daily", "Access for 24 hours", 100, 1440},
		{"Weekly", "Access for 7 days", 500, 10080},
	}

	now := time.Now().Unix()
	for _, p := range defaults {
		_, err := s.db.Exec(
			`INSERT INTO packages (name, description, price, minutes, active, created_at)
			 VALUES (?, ?, ?, ?, 1, ?)`,
			p.name, p.description, p.price, p.minutes, now,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// --- Packages ---

// GetActivePackage returns a package by ID if it is active
func (s *Storage) GetActivePackage(id int64) (*Package, error) {
	return s.getPackage("SELECT id, name, description, price, minutes, active, created_at FROM packages WHERE id = ? AND active = 1", id)
}

// GetPackage returns a package by ID regardless of its active flag
func (s *Storage) GetPackage(id int64) (*Package, error) {
	return s.getPackage("SELECT id, name, description, price, minutes, active, created_at FROM packages WHERE id = ?", id)
}

func (s *Storage) getPackage(query string, id int64) (*Package, error) {
	var p Package
	var active int
	var createdAt int64

	err := s.db.QueryRow(query, id).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Minutes, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Active = active == 1
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

// ListActivePackages returns all active packages ordered by price
func (s *Storage) ListActivePackages() ([]Package, error) {
	rows, err := s.db.Query(
		`SELECT id, name, description, price, minutes, active, created_at
		 FROM packages WHERE active = 1 ORDER BY price ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packages []Package
	for rows.Next() {
		var p Package
		var active int
		var createdAt int64

		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Minutes, &active, &createdAt); err != nil {
			return nil, err
		}

		p.Active = active == 1
		p.CreatedAt = time.Unix(createdAt, 0)
		packages = append(packages, p)
	}

	return packages, rows.Err()
}

// --- Payments ---

// CreatePayment records a pending payment for an initiated charge
func (s *Storage) CreatePayment(phoneNumber string, amount float64, packageID int64, checkoutRequestID string) (*Payment, error) {
	now := time.Now().Unix()
	result, err := s.db.Exec(
		`INSERT INTO payments (phone_number, amount, package_id, checkout_request_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		phoneNumber, amount, packageID, checkoutRequestID, StatusPending, now,
	)
	if err != nil {
		return nil, err
	}

	id, _ := result.LastInsertId()
	return &Payment{
		ID:                id,
		PhoneNumber:       phoneNumber,
		Amount:            amount,
		PackageID:         packageID,
		CheckoutRequestID: checkoutRequestID,
		Status:            StatusPending,
		CreatedAt:         time.Unix(now, 0),
	}, nil
}

// GetPayment returns a payment by its checkout request ID
func (s *Storage) GetPayment(checkoutRequestID string) (*Payment, error) {
	var p Payment
	var userID sql.NullInt64
	var receipt sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	err := s.db.QueryRow(
		`SELECT id, phone_number, amount, package_id, user_id, mpesa_receipt_number,
		        checkout_request_id, status, created_at, completed_at
		 FROM payments WHERE checkout_request_id = ?`,
		checkoutRequestID,
	).Scan(&p.ID, &p.PhoneNumber, &p.Amount, &p.PackageID, &userID, &receipt,
		&p.CheckoutRequestID, &p.Status, &createdAt, &completedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		p.UserID = &userID.Int64
	}
	if receipt.Valid {
		p.MpesaReceiptNumber = receipt.String
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		p.CompletedAt = &t
	}

	return &p, nil
}

// CompletePayment transitions a pending payment to completed and creates its
// hotspot user in the same transaction. The guarded UPDATE is the only place a
// payment can become completed: if another reconciliation attempt got there
// first (or the payment already failed), zero rows are affected and
// ErrAlreadyFinal is returned with nothing written.
func (s *Storage) CompletePayment(checkoutRequestID, receipt string, completedAt time.Time, username, password string, expiresAt time.Time) (*HotspotUser, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE payments
		 SET status = ?, mpesa_receipt_number = ?, completed_at = ?
		 WHERE checkout_request_id = ? AND status = ?`,
		StatusCompleted, receipt, completedAt.Unix(), checkoutRequestID, StatusPending,
	)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM payments WHERE checkout_request_id = ?", checkoutRequestID).Scan(&count); err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyFinal
	}

	var paymentID, packageID int64
	var phoneNumber string
	err = tx.QueryRow(
		"SELECT id, phone_number, package_id FROM payments WHERE checkout_request_id = ?",
		checkoutRequestID,
	).Scan(&paymentID, &phoneNumber, &packageID)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	userResult, err := tx.Exec(
		`INSERT INTO hotspot_users (username, password, phone_number, package_id, active, created_at, expires_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		username, password, phoneNumber, packageID, now, expiresAt.Unix(),
	)
	if err != nil {
		return nil, err
	}
	userID, _ := userResult.LastInsertId()

	if _, err := tx.Exec("UPDATE payments SET user_id = ? WHERE id = ?", userID, paymentID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &HotspotUser{
		ID:          userID,
		Username:    username,
		Password:    password,
		PhoneNumber: phoneNumber,
		PackageID:   packageID,
		Active:      true,
		CreatedAt:   time.Unix(now, 0),
		ExpiresAt:   expiresAt,
	}, nil
}

// FailPayment transitions a pending payment to failed. Terminal payments are
// left untouched.
func (s *Storage) FailPayment(checkoutRequestID string) error {
	result, err := s.db.Exec(
		"UPDATE payments SET status = ? WHERE checkout_request_id = ? AND status = ?",
		StatusFailed, checkoutRequestID, StatusPending,
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM payments WHERE checkout_request_id = ?", checkoutRequestID).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrAlreadyFinal
	}
	return nil
}

// --- Connections ---

// GetConnection returns the credentials for a completed payment
func (s *Storage) GetConnection(checkoutRequestID string) (*Connection, error) {
	var c Connection
	var expiresAt int64

	err := s.db.QueryRow(
		`SELECT u.username, u.password, u.expires_at, pkg.name, pkg.minutes
		 FROM hotspot_users u
		 JOIN payments p ON u.id = p.user_id
		 JOIN packages pkg ON u.package_id = pkg.id
		 WHERE p.checkout_request_id = ? AND p.status = ?`,
		checkoutRequestID, StatusCompleted,
	).Scan(&c.Username, &c.Password, &expiresAt, &c.PackageName, &c.Minutes)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.ExpiresAt = time.Unix(expiresAt, 0)
	return &c, nil
}

// --- Expiry ---

// ListExpiredActive returns active hotspot users whose access has lapsed
func (s *Storage) ListExpiredActive(now time.Time) ([]HotspotUser, error) {
	rows, err := s.db.Query(
		`SELECT id, username, password, phone_number, package_id, active, created_at, expires_at
		 FROM hotspot_users WHERE active = 1 AND expires_at <= ?`,
		now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []HotspotUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}

	return users, rows.Err()
}

// DeactivateUser clears the active flag on a hotspot user
func (s *Storage) DeactivateUser(id int64) error {
	result, err := s.db.Exec("UPDATE hotspot_users SET active = 0 WHERE id = ?", id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(rows *sql.Rows) (*HotspotUser, error) {
	var u HotspotUser
	var phone sql.NullString
	var active int
	var createdAt, expiresAt int64

	err := rows.Scan(&u.ID, &u.Username, &u.Password, &phone, &u.PackageID, &active, &createdAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	if phone.Valid {
		u.PhoneNumber = phone.String
	}
	u.Active = active == 1
	u.CreatedAt = time.Unix(createdAt, 0)
	u.ExpiresAt = time.Unix(expiresAt, 0)
	return &u, nil
}

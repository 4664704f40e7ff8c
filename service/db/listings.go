package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

const listingColumns = `id, seller_id, title, price, shipping_cost, status, created_at, updated_at`

// GetListing retrieves a listing by id.
func (s *Store) GetListing(ctx context.Context, id string) (*Listing, error) {
	start := time.Now()
	row := s.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	s.observe("select", "listings", start, err)
	return l, err
}

// CreateListing inserts a listing. Used for seeding and tests; the catalogue owns listings.
func (s *Store) CreateListing(ctx context.Context, params CreateListingParams) (*Listing, error) {
	status := params.Status
	if status == "" {
		status = ListingActive
	}

	start := time.Now()
	row := s.db.QueryRow(ctx, `
		INSERT INTO listings (id, seller_id, title, price, shipping_cost, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+listingColumns,
		params.ID,
		params.SellerID,
		params.Title,
		numericFromDecimal(params.Price),
		numericFromDecimal(params.ShippingCost),
		status,
	)
	l, err := scanListing(row)
	s.observe("insert", "listings", start, err)
	return l, err
}

// TransitionListing moves a listing from one status to another in a single
// conditional UPDATE. It returns false if the listing was not in the from status.
func (s *Store) TransitionListing(ctx context.Context, id string, from, to ListingStatus) (bool, error) {
	start := time.Now()
	tag, err := s.db.Exec(ctx, `
		UPDATE listings SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	s.observe("update", "listings", start, err)
	if err != nil {
		return false, translateError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	start := time.Now()
	var u User
	err := s.db.QueryRow(ctx,
		`SELECT id, name, email, phone, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.CreatedAt)
	s.observe("select", "users", start, err)
	if err != nil {
		return nil, translateError(err)
	}
	return &u, nil
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, params CreateUserParams) (*User, error) {
	start := time.Now()
	var u User
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (id, name, email, phone)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, email, phone, created_at`,
		params.ID, params.Name, params.Email, params.Phone,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.CreatedAt)
	s.observe("insert", "users", start, err)
	if err != nil {
		return nil, translateError(err)
	}
	return &u, nil
}

func scanListing(row interface{ Scan(dest ...any) error }) (*Listing, error) {
	var (
		l                   Listing
		price, shippingCost pgtype.Numeric
	)
	if err := row.Scan(
		&l.ID,
		&l.SellerID,
		&l.Title,
		&price,
		&shippingCost,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return nil, translateError(err)
	}
	l.Price = decimalFromNumeric(price)
	l.ShippingCost = decimalFromNumeric(shippingCost)
	return &l, nil
}

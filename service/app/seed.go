package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/brojonat/vitrine/service/db"
	"github.com/shopspring/decimal"
)

// Catalog is the seed file format: users and the listings they sell.
type Catalog struct {
	Users []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone,omitempty"`
	} `json:"users"`
	Listings []struct {
		ID           string          `json:"id"`
		SellerID     string          `json:"seller_id"`
		Title        string          `json:"title"`
		Price        decimal.Decimal `json:"price"`
		ShippingCost decimal.Decimal `json:"shipping_cost"`
	} `json:"listings"`
}

// SeedResult counts what a seed run inserted and what already existed.
type SeedResult struct {
	Users    int `json:"users"`
	Listings int `json:"listings"`
	Existing int `json:"existing"`
}

// SeedFile loads a Catalog from path into q.
func SeedFile(ctx context.Context, q db.Querier, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	res, err := Seed(ctx, q, f)
	if err != nil {
		return fmt.Errorf("failed to seed from %s: %w", path, err)
	}
	logger.Info("seeded catalog", "file", path, "users", res.Users, "listings", res.Listings, "existing", res.Existing)
	return nil
}

// Seed inserts the catalog read from r. Records that already exist are
// counted and skipped, so seeding is repeatable.
func Seed(ctx context.Context, q db.Querier, r io.Reader) (*SeedResult, error) {
	var c Catalog
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	res := &SeedResult{}
	for _, u := range c.Users {
		_, err := q.CreateUser(ctx, db.CreateUserParams{ID: u.ID, Name: u.Name, Email: u.Email, Phone: u.Phone})
		switch {
		case err == nil:
			res.Users++
		case errors.Is(err, db.ErrDuplicate):
			res.Existing++
		default:
			return nil, fmt.Errorf("failed to create user %s: %w", u.ID, err)
		}
	}

	for _, l := range c.Listings {
		if !l.Price.IsPositive() {
			return nil, fmt.Errorf("listing %s: price must be positive", l.ID)
		}
		_, err := q.CreateListing(ctx, db.CreateListingParams{
			ID:           l.ID,
			SellerID:     l.SellerID,
			Title:        l.Title,
			Price:        l.Price,
			ShippingCost: l.ShippingCost,
			Status:       db.ListingActive,
		})
		switch {
		case err == nil:
			res.Listings++
		case errors.Is(err, db.ErrDuplicate):
			res.Existing++
		default:
			return nil, fmt.Errorf("failed to create listing %s: %w", l.ID, err)
		}
	}
	return res, nil
}

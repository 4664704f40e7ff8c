// Package memstore is an in-memory implementation of db.Querier, used by the
// server when STORAGE_DRIVER=memory and by the service tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/vitrine/service/db"
	"github.com/shopspring/decimal"
)

type state struct {
	listings     map[string]db.Listing
	users        map[string]db.User
	transactions map[string]db.Transaction
	events       map[string][]db.Event
	refunds      map[string]db.Refund // by transaction id
	refundKeys   map[string]string    // idempotency key -> transaction id
}

func newState() *state {
	return &state{
		listings:     make(map[string]db.Listing),
		users:        make(map[string]db.User),
		transactions: make(map[string]db.Transaction),
		events:       make(map[string][]db.Event),
		refunds:      make(map[string]db.Refund),
		refundKeys:   make(map[string]string),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.events {
		c.events[k] = append([]db.Event(nil), v...)
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.refundKeys {
		c.refundKeys[k] = v
	}
	return c
}

var _ db.Querier = (*Store)(nil)

// Store is a mutex-guarded in-memory store. Values are copied on the way in
// and out so callers never share memory with the store.
type Store struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
	now  func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		mu:  &sync.Mutex{},
		st:  newState(),
		now: time.Now,
	}
}

// WithTx runs fn against a copy of the state while holding the store lock and
// swaps the copy in if fn succeeds, so a failed fn leaves no partial writes.
func (s *Store) WithTx(ctx context.Context, fn func(q db.Querier) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Store{mu: s.mu, st: s.st.clone(), inTx: true, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

// lock acquires the store lock unless the caller already holds it inside WithTx.
func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) GetListing(ctx context.Context, id string) (*db.Listing, error) {
	defer s.lock()()
	l, ok := s.st.listings[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &l, nil
}

func (s *Store) CreateListing(ctx context.Context, params db.CreateListingParams) (*db.Listing, error) {
	defer s.lock()()
	if _, ok := s.st.listings[params.ID]; ok {
		return nil, fmt.Errorf("%w: listing %s", db.ErrDuplicate, params.ID)
	}
	status := params.Status
	if status == "" {
		status = db.ListingActive
	}
	now := s.now()
	l := db.Listing{
		ID:           params.ID,
		SellerID:     params.SellerID,
		Title:        params.Title,
		Price:        params.Price.Round(2),
		ShippingCost: params.ShippingCost.Round(2),
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.st.listings[l.ID] = l
	return &l, nil
}

func (s *Store) TransitionListing(ctx context.Context, id string, from, to db.ListingStatus) (bool, error) {
	defer s.lock()()
	l, ok := s.st.listings[id]
	if !ok || l.Status != from {
		return false, nil
	}
	l.Status = to
	l.UpdatedAt = s.now()
	s.st.listings[id] = l
	return true, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*db.User, error) {
	defer s.lock()()
	u, ok := s.st.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, params db.CreateUserParams) (*db.User, error) {
	defer s.lock()()
	if _, ok := s.st.users[params.ID]; ok {
		return nil, fmt.Errorf("%w: user %s", db.ErrDuplicate, params.ID)
	}
	u := db.User{
		ID:        params.ID,
		Name:      params.Name,
		Email:     params.Email,
		Phone:     params.Phone,
		CreatedAt: s.now(),
	}
	s.st.users[u.ID] = u
	return &u, nil
}

func (s *Store) CreateTransaction(ctx context.Context, params db.CreateTransactionParams) (*db.Transaction, error) {
	defer s.lock()()
	if _, ok := s.st.transactions[params.ID]; ok {
		return nil, fmt.Errorf("%w: transaction %s", db.ErrDuplicate, params.ID)
	}
	if params.BuyerID == params.SellerID {
		return nil, fmt.Errorf("buyer and seller must differ")
	}
	if _, ok := s.st.listings[params.ListingID]; !ok {
		return nil, fmt.Errorf("listing %s does not exist", params.ListingID)
	}

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	t := db.Transaction{
		ID:        params.ID,
		ListingID: params.ListingID,
		BuyerID:   params.BuyerID,
		SellerID:  params.SellerID,
		ItemPrice: params.ItemPrice.Round(2),
		Amount:    params.Amount.Round(2),
		Fees: db.Fees{
			PlatformFee: params.Fees.PlatformFee.Round(2),
			PaymentFee:  params.Fees.PaymentFee.Round(2),
			ShippingFee: params.Fees.ShippingFee.Round(2),
		},
		NetAmount:        params.NetAmount.Round(2),
		Status:           params.Status,
		PaymentMethod:    params.PaymentMethod,
		PaymentExpiresAt: copyTime(params.PaymentExpiresAt),
		ReservationHeld:  params.ReservationHeld,
		ShippingMethod:   params.ShippingMethod,
		ShippingAddress:  copyAddress(params.ShippingAddress),
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	s.st.transactions[t.ID] = t
	return copyTransaction(t), nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*db.Transaction, error) {
	defer s.lock()()
	t, ok := s.st.transactions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyTransaction(t), nil
}

func (s *Store) ListTransactions(ctx context.Context, params db.ListTransactionsParams) ([]*db.Transaction, error) {
	defer s.lock()()

	var matched []db.Transaction
	for _, t := range s.st.transactions {
		if params.SellerID != "" && t.SellerID != params.SellerID {
			continue
		}
		if params.BuyerID != "" && t.BuyerID != params.BuyerID {
			continue
		}
		if params.Status != "" && t.Status != params.Status {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	limit := int(params.Limit)
	if limit <= 0 {
		limit = 50
	}
	offset := int(params.Offset)
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*db.Transaction, 0, end-offset)
	for _, t := range matched[offset:end] {
		out = append(out, copyTransaction(t))
	}
	return out, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, params db.UpdateTransactionParams) (*db.Transaction, error) {
	defer s.lock()()
	t, ok := s.st.transactions[params.ID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if t.Status != params.ExpectedStatus {
		return nil, fmt.Errorf("%w: transaction %s is not %s", db.ErrConflict, params.ID, params.ExpectedStatus)
	}

	if params.Status != nil {
		t.Status = *params.Status
	}
	if params.PaymentID != nil {
		t.PaymentID = copyString(params.PaymentID)
	}
	if params.PaymentProvider != nil {
		t.PaymentProvider = copyString(params.PaymentProvider)
	}
	if params.ReservationHeld != nil {
		t.ReservationHeld = *params.ReservationHeld
	}
	if params.TrackingNumber != nil {
		t.TrackingNumber = copyString(params.TrackingNumber)
	}
	if params.ShippingMethod != nil {
		t.ShippingMethod = *params.ShippingMethod
	}
	if params.EstimatedDelivery != nil {
		t.EstimatedDelivery = copyTime(params.EstimatedDelivery)
	}
	if params.ActualDelivery != nil {
		t.ActualDelivery = copyTime(params.ActualDelivery)
	}
	if params.CancelReason != nil {
		t.CancelReason = copyString(params.CancelReason)
	}
	t.UpdatedAt = s.now()

	s.st.transactions[t.ID] = t
	return copyTransaction(t), nil
}

func (s *Store) ListExpiredPendingTransactions(ctx context.Context, now time.Time, limit int32) ([]*db.Transaction, error) {
	defer s.lock()()

	var due []db.Transaction
	for _, t := range s.st.transactions {
		if t.Status == db.StatusPendingPayment && t.PaymentID == nil &&
			t.PaymentExpiresAt != nil && !t.PaymentExpiresAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].PaymentExpiresAt.Before(*due[j].PaymentExpiresAt)
	})
	if limit > 0 && len(due) > int(limit) {
		due = due[:limit]
	}

	out := make([]*db.Transaction, len(due))
	for i, t := range due {
		out[i] = copyTransaction(t)
	}
	return out, nil
}

func (s *Store) GetSellerStatusTotals(ctx context.Context, sellerID string) ([]db.StatusTotal, error) {
	defer s.lock()()

	byStatus := make(map[db.TransactionStatus]*db.StatusTotal)
	for _, t := range s.st.transactions {
		if t.SellerID != sellerID {
			continue
		}
		st, ok := byStatus[t.Status]
		if !ok {
			st = &db.StatusTotal{Status: t.Status, Amount: decimal.Zero}
			byStatus[t.Status] = st
		}
		st.Count++
		st.Amount = st.Amount.Add(t.Amount)
	}

	totals := make([]db.StatusTotal, 0, len(byStatus))
	for _, st := range byStatus {
		totals = append(totals, *st)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Status < totals[j].Status })
	return totals, nil
}

func (s *Store) AppendEvent(ctx context.Context, params db.CreateEventParams) (*db.Event, error) {
	defer s.lock()()
	if _, ok := s.st.transactions[params.TransactionID]; !ok {
		return nil, fmt.Errorf("transaction %s does not exist", params.TransactionID)
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	e := db.Event{
		ID:            params.ID,
		TransactionID: params.TransactionID,
		Type:          params.Type,
		Status:        params.Status,
		Message:       params.Message,
		Metadata:      copyMetadata(params.Metadata),
		CreatedAt:     createdAt,
	}
	s.st.events[e.TransactionID] = append(s.st.events[e.TransactionID], e)
	out := e
	out.Metadata = copyMetadata(e.Metadata)
	return &out, nil
}

func (s *Store) ListEvents(ctx context.Context, transactionID string) ([]db.Event, error) {
	defer s.lock()()
	events := s.st.events[transactionID]
	out := make([]db.Event, len(events))
	for i, e := range events {
		out[i] = e
		out[i].Metadata = copyMetadata(e.Metadata)
	}
	// Stable: equal timestamps keep append order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateRefund(ctx context.Context, params db.CreateRefundParams) (*db.Refund, error) {
	defer s.lock()()
	if _, ok := s.st.refunds[params.TransactionID]; ok {
		return nil, fmt.Errorf("%w: refunds_transaction_id_key", db.ErrDuplicate)
	}
	if _, ok := s.st.refundKeys[params.IdempotencyKey]; ok {
		return nil, fmt.Errorf("%w: refunds_idempotency_key_key", db.ErrDuplicate)
	}
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	r := db.Refund{
		ID:               params.ID,
		TransactionID:    params.TransactionID,
		Provider:         params.Provider,
		ProviderRefundID: params.ProviderRefundID,
		Amount:           params.Amount.Round(2),
		Status:           params.Status,
		IdempotencyKey:   params.IdempotencyKey,
		CreatedAt:        createdAt,
	}
	s.st.refunds[r.TransactionID] = r
	s.st.refundKeys[r.IdempotencyKey] = r.TransactionID
	return &r, nil
}

func (s *Store) GetRefundByTransaction(ctx context.Context, transactionID string) (*db.Refund, error) {
	defer s.lock()()
	r, ok := s.st.refunds[transactionID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &r, nil
}

func copyTransaction(t db.Transaction) *db.Transaction {
	c := t
	c.PaymentProvider = copyString(t.PaymentProvider)
	c.PaymentID = copyString(t.PaymentID)
	c.PaymentExpiresAt = copyTime(t.PaymentExpiresAt)
	c.TrackingNumber = copyString(t.TrackingNumber)
	c.ShippingAddress = copyAddress(t.ShippingAddress)
	c.EstimatedDelivery = copyTime(t.EstimatedDelivery)
	c.ActualDelivery = copyTime(t.ActualDelivery)
	c.CancelReason = copyString(t.CancelReason)
	c.Timeline = nil
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyAddress(a *db.Address) *db.Address {
	if a == nil {
		return nil
	}
	v := *a
	return &v
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

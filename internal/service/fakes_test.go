package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/habitflow/credits-server-go/internal/model"
)

// memDB stands in for Postgres. Each method holds mu for its whole body, the
// way a single conditional statement is atomic in the database.
type memDB struct {
	mu       sync.Mutex
	seq      int
	accounts map[string]*model.Account
	txns     []model.CreditTransaction
	sessions map[string]*model.AdminSession
	// mutationErrs are returned, in order, by the next ledger mutations.
	mutationErrs []error
}

func newMemDB() *memDB {
	return &memDB{
		accounts: make(map[string]*model.Account),
		sessions: make(map[string]*model.AdminSession),
	}
}

func (db *memDB) nextID() string {
	db.seq++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", db.seq)
}

func (db *memDB) addAccount(email string, mutate func(a *model.Account)) *model.Account {
	db.mu.Lock()
	defer db.mu.Unlock()
	a := &model.Account{
		ID:                 db.nextID(),
		Email:              email,
		Status:             model.AccountStatusActive,
		SubscriptionTier:   model.TierFree,
		SubscriptionStatus: model.SubscriptionStatusNone,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	if mutate != nil {
		mutate(a)
	}
	a.TotalEarned += a.Balance
	db.accounts[a.ID] = a
	cp := *a
	return &cp
}

func (db *memDB) account(id string) model.Account {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.accounts[id]
}

func (db *memDB) failNextMutations(errs ...error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.mutationErrs = append(db.mutationErrs, errs...)
}

func (db *memDB) popMutationErr() error {
	if len(db.mutationErrs) == 0 {
		return nil
	}
	err := db.mutationErrs[0]
	db.mutationErrs = db.mutationErrs[1:]
	return err
}

type fakeAccounts struct{ db *memDB }

func (f fakeAccounts) FindByID(_ context.Context, id string) (*model.Account, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f fakeAccounts) FindByTokenHash(_ context.Context, tokenHash string) (*model.Account, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range f.db.accounts {
		if a.APITokenHash != nil && *a.APITokenHash == tokenHash && a.Status == model.AccountStatusActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f fakeAccounts) FindByEmail(_ context.Context, email string) (*model.Account, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range f.db.accounts {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f fakeAccounts) FindAll(_ context.Context, limit, offset int) ([]model.Account, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	all := make([]model.Account, 0, len(f.db.accounts))
	for _, a := range f.db.accounts {
		all = append(all, *a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return page(all, limit, offset), nil
}

func (f fakeAccounts) Count(_ context.Context) (int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return len(f.db.accounts), nil
}

func (f fakeAccounts) Create(_ context.Context, params model.CreateAccountParams) (*model.Account, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range f.db.accounts {
		if strings.EqualFold(a.Email, params.Email) {
			return nil, &pq.Error{Code: "23505"}
		}
	}
	hash := params.APITokenHash
	a := &model.Account{
		ID:                 f.db.nextID(),
		Email:              params.Email,
		APITokenHash:       &hash,
		Status:             model.AccountStatusActive,
		SubscriptionTier:   params.Tier,
		SubscriptionStatus: model.SubscriptionStatusActive,
	}
	if params.Tier == model.TierFree {
		a.SubscriptionStatus = model.SubscriptionStatusNone
	}
	f.db.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (f fakeAccounts) UpdateStatus(_ context.Context, id string, status model.AccountStatus, reason *string) (*model.StatusChange, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.accounts[id]
	if !ok {
		return nil, nil
	}
	change := &model.StatusChange{
		AccountID:    id,
		Email:        a.Email,
		BeforeStatus: a.Status,
		BeforeReason: a.StatusReason,
		AfterStatus:  status,
		AfterReason:  reason,
	}
	a.Status = status
	a.StatusReason = reason
	return change, nil
}

func (f fakeAccounts) UpdateSubscription(_ context.Context, id string, tier model.SubscriptionTier, status model.SubscriptionStatus) (*model.SubscriptionChange, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.accounts[id]
	if !ok {
		return nil, nil
	}
	change := &model.SubscriptionChange{
		AccountID:    id,
		Email:        a.Email,
		BeforeTier:   a.SubscriptionTier,
		BeforeStatus: a.SubscriptionStatus,
		AfterTier:    tier,
		AfterStatus:  status,
	}
	a.SubscriptionTier = tier
	a.SubscriptionStatus = status
	return change, nil
}

func (f fakeAccounts) PromoteAdmin(_ context.Context, email string, passwordHash *string) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range f.db.accounts {
		if strings.EqualFold(a.Email, email) {
			a.IsAdmin = true
			if passwordHash != nil {
				a.PasswordHash = passwordHash
			}
			return true, nil
		}
	}
	return false, nil
}

type fakeLedger struct{ db *memDB }

func (f fakeLedger) appendTxn(a *model.Account, kind model.TransactionKind, params model.LedgerEntryParams) (*model.CreditTransaction, error) {
	if params.IdempotencyKey != nil {
		for _, t := range f.db.txns {
			if t.AccountID == a.ID && t.IdempotencyKey != nil && *t.IdempotencyKey == *params.IdempotencyKey {
				return nil, &pq.Error{Code: "23505"}
			}
		}
	}
	txn := model.CreditTransaction{
		ID:             f.db.nextID(),
		AccountID:      a.ID,
		Amount:         params.Amount,
		Kind:           kind,
		Reason:         params.Reason,
		ActorID:        params.ActorID,
		IdempotencyKey: params.IdempotencyKey,
		CreatedAt:      time.Now(),
	}
	if kind == model.TransactionEarn {
		a.Balance += params.Amount
		a.TotalEarned += params.Amount
	} else {
		a.Balance -= params.Amount
		a.TotalSpent += params.Amount
	}
	txn.BalanceAfter = a.Balance
	f.db.txns = append(f.db.txns, txn)
	return &txn, nil
}

func (f fakeLedger) Spend(_ context.Context, params model.LedgerEntryParams) (*model.CreditTransaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if err := f.db.popMutationErr(); err != nil {
		return nil, err
	}
	a, ok := f.db.accounts[params.AccountID]
	if !ok || a.Balance < params.Amount {
		return nil, nil
	}
	return f.appendTxn(a, model.TransactionSpend, params)
}

func (f fakeLedger) Earn(_ context.Context, params model.LedgerEntryParams) (*model.CreditTransaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if err := f.db.popMutationErr(); err != nil {
		return nil, err
	}
	a, ok := f.db.accounts[params.AccountID]
	if !ok {
		return nil, nil
	}
	return f.appendTxn(a, model.TransactionEarn, params)
}

func (f fakeLedger) GrantDaily(_ context.Context, accountID string, amount int64, today time.Time, reason string) (*model.CreditTransaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if err := f.db.popMutationErr(); err != nil {
		return nil, err
	}
	a, ok := f.db.accounts[accountID]
	if !ok {
		return nil, nil
	}
	if a.LastDailyGrantDate != nil && !a.LastDailyGrantDate.Before(today) {
		return nil, nil
	}
	day := today
	a.LastDailyGrantDate = &day
	return f.appendTxn(a, model.TransactionEarn, model.LedgerEntryParams{AccountID: accountID, Amount: amount, Reason: reason})
}

func (f fakeLedger) FindByID(_ context.Context, id string) (*model.CreditTransaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, t := range f.db.txns {
		if t.ID == id {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f fakeLedger) FindByIdempotencyKey(_ context.Context, accountID, key string) (*model.CreditTransaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, t := range f.db.txns {
		if t.AccountID == accountID && t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f fakeLedger) ListByAccount(_ context.Context, accountID string, limit, offset int) ([]model.CreditTransaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.CreditTransaction
	for i := len(f.db.txns) - 1; i >= 0; i-- {
		if f.db.txns[i].AccountID == accountID {
			out = append(out, f.db.txns[i])
		}
	}
	return page(out, limit, offset), nil
}

func (f fakeLedger) Totals(_ context.Context, accountID string) (*model.LedgerTotals, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	totals := &model.LedgerTotals{}
	for _, t := range f.db.txns {
		if t.AccountID != accountID {
			continue
		}
		if t.Kind == model.TransactionEarn {
			totals.Earned += t.Amount
		} else {
			totals.Spent += t.Amount
		}
	}
	return totals, nil
}

type fakeSessions struct{ db *memDB }

func (f fakeSessions) FindByTokenHash(_ context.Context, tokenHash string) (*model.AdminSession, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, s := range f.db.sessions {
		if s.TokenHash == tokenHash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f fakeSessions) Create(_ context.Context, params model.CreateAdminSessionParams) (*model.AdminSession, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s := &model.AdminSession{
		ID:         f.db.nextID(),
		AccountID:  params.AccountID,
		TokenHash:  params.TokenHash,
		VerifiedAt: time.Now(),
		ExpiresAt:  params.ExpiresAt,
	}
	f.db.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f fakeSessions) MarkVerified(_ context.Context, id string, now time.Time) (*model.AdminSession, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.sessions[id]
	if !ok || s.LockedAt(now) {
		return nil, nil
	}
	s.VerifiedAt = now
	s.FailedVerifications = 0
	s.LockedUntil = nil
	cp := *s
	return &cp, nil
}

func (f fakeSessions) RecordFailedVerification(_ context.Context, id string, threshold int, lockUntil time.Time) (*model.AdminSession, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.sessions[id]
	if !ok {
		return nil, nil
	}
	if s.FailedVerifications+1 >= threshold {
		s.FailedVerifications = 0
		until := lockUntil
		s.LockedUntil = &until
	} else {
		s.FailedVerifications++
	}
	cp := *s
	return &cp, nil
}

func (f fakeSessions) ActiveLockout(_ context.Context, accountID string, now time.Time) (*time.Time, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var latest *time.Time
	for _, s := range f.db.sessions {
		if s.AccountID == accountID && s.LockedAt(now) {
			if latest == nil || s.LockedUntil.After(*latest) {
				t := *s.LockedUntil
				latest = &t
			}
		}
	}
	return latest, nil
}

func (f fakeSessions) DeleteByTokenHash(_ context.Context, tokenHash string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for id, s := range f.db.sessions {
		if s.TokenHash == tokenHash {
			delete(f.db.sessions, id)
		}
	}
	return nil
}

func (f fakeSessions) DeleteExpired(_ context.Context) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var n int64
	for id, s := range f.db.sessions {
		if s.ExpiresAt.Before(time.Now()) {
			delete(f.db.sessions, id)
			n++
		}
	}
	return n, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []model.CreateAuditLogParams
	err     error
}

func (r *fakeRecorder) Record(_ context.Context, params model.CreateAuditLogParams) (*model.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, params)
	if r.err != nil {
		return nil, r.err
	}
	return &model.AuditLogEntry{ID: fmt.Sprintf("audit-%d", len(r.entries)), AdminID: params.AdminID, Action: params.Action}, nil
}

func (r *fakeRecorder) List(_ context.Context, limit, offset int) ([]model.AuditLogEntry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuditLogEntry, 0, len(r.entries))
	for i := len(r.entries) - 1; i >= 0; i-- {
		out = append(out, model.AuditLogEntry{ID: fmt.Sprintf("audit-%d", i+1), AdminID: r.entries[i].AdminID, Action: r.entries[i].Action})
	}
	return page(out, limit, offset), len(r.entries), nil
}

func (r *fakeRecorder) ListByTarget(_ context.Context, targetUserID string, limit, offset int) ([]model.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AuditLogEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.TargetUserID != nil && *e.TargetUserID == targetUserID {
			out = append(out, model.AuditLogEntry{ID: fmt.Sprintf("audit-%d", i+1), AdminID: e.AdminID, Action: e.Action, TargetUserID: e.TargetUserID})
		}
	}
	return page(out, limit, offset), nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *fakeRecorder) last() model.CreateAuditLogParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(db *memDB) *CreditLedger {
	l := NewCreditLedger(fakeLedger{db}, fakeAccounts{db}, nil, LedgerConfig{
		DailyGrantAmount: 10,
		MaxAttempts:      3,
	})
	l.backoff = time.Millisecond
	return l
}

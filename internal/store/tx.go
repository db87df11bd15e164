package store

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pitchside/market-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Tx is a handle on the ledger valid only for the duration of the View or
// Update callback that received it. Reads return copies.
type Tx struct {
	l        *Ledger
	writable bool
	dirty    bool
	appended []model.Transaction
}

func (tx *Tx) close() { tx.l = nil }

func (tx *Tx) mutate() error {
	if !tx.writable {
		return ErrReadOnly
	}
	return nil
}

// Version returns the ledger version this transaction observes.
func (tx *Tx) Version() uint64 {
	if tx.dirty {
		return tx.l.version + 1
	}
	return tx.l.version
}

// --- Accounts ---

// Account returns the account or model.ErrUnknownAccount.
func (tx *Tx) Account(id string) (model.Account, error) {
	a, ok := tx.l.accounts[id]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: %s", model.ErrUnknownAccount, id)
	}
	return *a, nil
}

// AccountByReferralCode resolves a referral code to its owner.
func (tx *Tx) AccountByReferralCode(code string) (model.Account, error) {
	id, ok := tx.l.referrals[code]
	if !ok {
		return model.Account{}, fmt.Errorf("%w: referral code %s", model.ErrUnknownAccount, code)
	}
	return tx.Account(id)
}

// CreateAccount registers a new account. ID, referral code and creation
// time are assigned when empty. Usernames are unique, case-insensitively.
// Referral codes are stored upper-case.
func (tx *Tx) CreateAccount(a model.Account) (model.Account, error) {
	if err := tx.mutate(); err != nil {
		return model.Account{}, err
	}
	if strings.TrimSpace(a.Username) == "" {
		return model.Account{}, fmt.Errorf("%w: username is required", model.ErrInvalidInput)
	}
	if a.Balance.IsNegative() {
		return model.Account{}, fmt.Errorf("%w: negative starting balance", model.ErrInvalidInput)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := tx.l.accounts[a.ID]; ok {
		return model.Account{}, fmt.Errorf("account %s: %w", a.ID, model.ErrAlreadyExists)
	}
	uname := strings.ToLower(a.Username)
	if _, ok := tx.l.usernames[uname]; ok {
		return model.Account{}, fmt.Errorf("username %s: %w", a.Username, model.ErrAlreadyExists)
	}
	a.ReferralCode = strings.ToUpper(strings.TrimSpace(a.ReferralCode))
	if a.ReferralCode == "" {
		a.ReferralCode = tx.newReferralCode()
	} else if _, ok := tx.l.referrals[a.ReferralCode]; ok {
		return model.Account{}, fmt.Errorf("referral code %s: %w", a.ReferralCode, model.ErrAlreadyExists)
	}
	if a.ReferredBy != "" {
		if _, ok := tx.l.accounts[a.ReferredBy]; !ok {
			return model.Account{}, fmt.Errorf("%w: referrer %s", model.ErrUnknownAccount, a.ReferredBy)
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = tx.l.now()
	}
	a.PortfolioValue = decimal.Zero

	tx.dirty = true
	stored := a
	tx.l.accounts[a.ID] = &stored
	tx.l.usernames[uname] = a.ID
	tx.l.referrals[a.ReferralCode] = a.ID
	return a, nil
}

func (tx *Tx) newReferralCode() string {
	for {
		code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
		if _, taken := tx.l.referrals[code]; !taken {
			return code
		}
	}
}

// UpdateAccount replaces the mutable fields of an account (balance,
// portfolio value, full name). A negative balance is rejected.
func (tx *Tx) UpdateAccount(a model.Account) error {
	if err := tx.mutate(); err != nil {
		return err
	}
	cur, ok := tx.l.accounts[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownAccount, a.ID)
	}
	if a.Balance.IsNegative() {
		return fmt.Errorf("account %s: %w", a.ID, model.ErrInsufficientBalance)
	}
	tx.dirty = true
	cur.Balance = a.Balance
	cur.PortfolioValue = a.PortfolioValue
	cur.FullName = a.FullName
	return nil
}

// Accounts returns every account id in sorted order.
func (tx *Tx) Accounts() []string {
	ids := make([]string, 0, len(tx.l.accounts))
	for id := range tx.l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- Instruments ---

// Instrument returns the instrument or model.ErrUnknownInstrument.
func (tx *Tx) Instrument(id string) (model.Instrument, error) {
	in, ok := tx.l.instruments[id]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: %s", model.ErrUnknownInstrument, id)
	}
	return *in, nil
}

// CreateInstrument lists a new instrument. Seeded price deltas are kept so a
// catalog can start with a trending order.
func (tx *Tx) CreateInstrument(in model.Instrument) (model.Instrument, error) {
	if err := tx.mutate(); err != nil {
		return model.Instrument{}, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return model.Instrument{}, fmt.Errorf("%w: instrument name is required", model.ErrInvalidInput)
	}
	if !in.CurrentPrice.IsPositive() {
		return model.Instrument{}, model.ErrInvalidPrice
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if _, ok := tx.l.instruments[in.ID]; ok {
		return model.Instrument{}, fmt.Errorf("instrument %s: %w", in.ID, model.ErrAlreadyExists)
	}
	in.Stats = maps.Clone(in.Stats)

	tx.dirty = true
	stored := in
	tx.l.instruments[in.ID] = &stored
	tx.l.trending.set(in.ID, in.PriceChangePercentage)
	return in, nil
}

// UpdateInstrumentDetails replaces display metadata. Price is untouched:
// price changes must go through UpdateInstrumentPrice so holdings follow.
func (tx *Tx) UpdateInstrumentDetails(in model.Instrument) (model.Instrument, error) {
	if err := tx.mutate(); err != nil {
		return model.Instrument{}, err
	}
	cur, ok := tx.l.instruments[in.ID]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: %s", model.ErrUnknownInstrument, in.ID)
	}
	tx.dirty = true
	if in.Name != "" {
		cur.Name = in.Name
	}
	if in.Team != "" {
		cur.Team = in.Team
	}
	if in.Role != "" {
		cur.Role = in.Role
	}
	if in.Stats != nil {
		cur.Stats = maps.Clone(in.Stats)
	}
	if in.ImageURL != "" {
		cur.ImageURL = in.ImageURL
	}
	if in.TeamImageURL != "" {
		cur.TeamImageURL = in.TeamImageURL
	}
	return *cur, nil
}

// UpdateInstrumentPrice sets a new price and records the delta against the
// previous one. It returns the previous price. Setting the current price
// again changes nothing.
func (tx *Tx) UpdateInstrumentPrice(id string, price decimal.Decimal) (decimal.Decimal, error) {
	if err := tx.mutate(); err != nil {
		return decimal.Zero, err
	}
	in, ok := tx.l.instruments[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrUnknownInstrument, id)
	}
	if !price.IsPositive() {
		return in.CurrentPrice, model.ErrInvalidPrice
	}
	old := in.CurrentPrice
	if old.Equal(price) {
		return old, nil
	}

	tx.dirty = true
	in.PriceChange = price.Sub(old)
	in.PriceChangePercentage = in.PriceChange.Div(old).Mul(hundred)
	in.CurrentPrice = price
	tx.l.trending.set(id, in.PriceChangePercentage)
	return old, nil
}

// Instruments returns every instrument ordered by name, then id.
func (tx *Tx) Instruments() []model.Instrument {
	out := make([]model.Instrument, 0, len(tx.l.instruments))
	for _, in := range tx.l.instruments {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Trending returns up to limit instruments sorted by absolute percentage
// move, largest first.
func (tx *Tx) Trending(limit int) []model.Instrument {
	ids := tx.l.trending.top(limit)
	out := make([]model.Instrument, 0, len(ids))
	for _, id := range ids {
		out = append(out, *tx.l.instruments[id])
	}
	return out
}

// --- Holdings ---

// Holding returns the position of accountID in instrumentID or
// model.ErrHoldingNotFound.
func (tx *Tx) Holding(accountID, instrumentID string) (model.Holding, error) {
	h, ok := tx.l.holdings[holdingKey{accountID, instrumentID}]
	if !ok {
		return model.Holding{}, fmt.Errorf("%w: %s/%s", model.ErrHoldingNotFound, accountID, instrumentID)
	}
	return *h, nil
}

// CreateHolding inserts a new position. The account and instrument must
// exist, the pair must not already hold a position, and quantity must be
// positive.
func (tx *Tx) CreateHolding(h model.Holding) error {
	if err := tx.mutate(); err != nil {
		return err
	}
	if err := tx.checkRefs(h.AccountID, h.InstrumentID); err != nil {
		return err
	}
	if h.Quantity <= 0 {
		return model.ErrInvalidQuantity
	}
	key := holdingKey{h.AccountID, h.InstrumentID}
	if _, ok := tx.l.holdings[key]; ok {
		return fmt.Errorf("holding %s/%s: %w", h.AccountID, h.InstrumentID, model.ErrAlreadyExists)
	}

	tx.dirty = true
	stored := h
	tx.l.holdings[key] = &stored
	index(tx.l.byAccount, h.AccountID, h.InstrumentID)
	index(tx.l.byInstrument, h.InstrumentID, h.AccountID)
	return nil
}

// UpdateHolding replaces an existing position. A quantity of zero is
// rejected: closing a position is RemoveHolding's job.
func (tx *Tx) UpdateHolding(h model.Holding) error {
	if err := tx.mutate(); err != nil {
		return err
	}
	cur, ok := tx.l.holdings[holdingKey{h.AccountID, h.InstrumentID}]
	if !ok {
		return fmt.Errorf("%w: %s/%s", model.ErrHoldingNotFound, h.AccountID, h.InstrumentID)
	}
	if h.Quantity <= 0 {
		return model.ErrInvalidQuantity
	}
	tx.dirty = true
	*cur = h
	return nil
}

// RemoveHolding deletes a position. It is the only deletion path and is
// called exactly when a position's quantity reaches zero.
func (tx *Tx) RemoveHolding(accountID, instrumentID string) error {
	if err := tx.mutate(); err != nil {
		return err
	}
	key := holdingKey{accountID, instrumentID}
	if _, ok := tx.l.holdings[key]; !ok {
		return fmt.Errorf("%w: %s/%s", model.ErrHoldingNotFound, accountID, instrumentID)
	}
	tx.dirty = true
	delete(tx.l.holdings, key)
	unindex(tx.l.byAccount, accountID, instrumentID)
	unindex(tx.l.byInstrument, instrumentID, accountID)
	return nil
}

// HoldingsByAccount returns the account's positions ordered by instrument id.
func (tx *Tx) HoldingsByAccount(accountID string) []model.Holding {
	ids := sortedKeys(tx.l.byAccount[accountID])
	out := make([]model.Holding, 0, len(ids))
	for _, instrumentID := range ids {
		out = append(out, *tx.l.holdings[holdingKey{accountID, instrumentID}])
	}
	return out
}

// HoldingsByInstrument returns every position in the instrument ordered by
// account id. It reads the instrument index rather than scanning all
// holdings.
func (tx *Tx) HoldingsByInstrument(instrumentID string) []model.Holding {
	ids := sortedKeys(tx.l.byInstrument[instrumentID])
	out := make([]model.Holding, 0, len(ids))
	for _, accountID := range ids {
		out = append(out, *tx.l.holdings[holdingKey{accountID, instrumentID}])
	}
	return out
}

// --- Transactions ---

// AppendTransaction records a completed trade. ID and timestamp are
// assigned by the ledger. There is no way to update or delete a
// transaction once appended.
func (tx *Tx) AppendTransaction(t model.Transaction) (model.Transaction, error) {
	if err := tx.mutate(); err != nil {
		return model.Transaction{}, err
	}
	if err := tx.checkRefs(t.AccountID, t.InstrumentID); err != nil {
		return model.Transaction{}, err
	}
	if !t.Side.Valid() {
		return model.Transaction{}, model.ErrInvalidSide
	}
	if t.Quantity <= 0 {
		return model.Transaction{}, model.ErrInvalidQuantity
	}
	t.ID = tx.l.txID()
	t.Timestamp = tx.l.now()

	tx.dirty = true
	tx.l.transactions = append(tx.l.transactions, t)
	tx.l.txByAccount[t.AccountID] = append(tx.l.txByAccount[t.AccountID], len(tx.l.transactions)-1)
	tx.appended = append(tx.appended, t)
	return t, nil
}

// Transactions returns the account's transactions in append order.
func (tx *Tx) Transactions(accountID string) []model.Transaction {
	idx := tx.l.txByAccount[accountID]
	out := make([]model.Transaction, 0, len(idx))
	for _, i := range idx {
		out = append(out, tx.l.transactions[i])
	}
	return out
}

func (tx *Tx) checkRefs(accountID, instrumentID string) error {
	if _, ok := tx.l.accounts[accountID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownAccount, accountID)
	}
	if _, ok := tx.l.instruments[instrumentID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownInstrument, instrumentID)
	}
	return nil
}

func index(m map[string]map[string]struct{}, outer, inner string) {
	set, ok := m[outer]
	if !ok {
		set = make(map[string]struct{})
		m[outer] = set
	}
	set[inner] = struct{}{}
}

func unindex(m map[string]map[string]struct{}, outer, inner string) {
	set := m[outer]
	delete(set, inner)
	if len(set) == 0 {
		delete(m, outer)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taler-merchant/internal/amount"
)

// MemStore is an in-memory Store implementation guarded by a single mutex.
// A production deployment would replace this with a SQL-backed Store behind
// the same interface (see DESIGN.md).
type MemStore struct {
	mu sync.Mutex

	instances map[string]*Instance
	accounts  map[string][]*Account // instanceID -> accounts, insertion order

	unclaimed map[orderKey]*UnclaimedOrder
	contracts map[orderKey]*Contract
	byHash    map[[32]byte]*Contract

	deposits map[[32]byte][]*Deposit // contractHash -> deposits, insertion order

	mappings map[[32]byte][]WireTransferMapping // contractHash -> mappings
	byWTID   map[wtidKey][]WireTransferMapping

	proofs map[wtidKey]*TransferProof

	refunds map[[32]byte][]RefundAuthorization

	tipReserves map[string]*TipReserve
	tips        map[string]*Tip
	tipPickups  map[string][]TipPickup

	wireFees map[string][]ExchangeWireFee // exchangeBaseURL -> schedule entries
}

type orderKey struct {
	instanceID string
	orderID    string
}

type wtidKey struct {
	exchangeBaseURL string
	wtid            string
}

// NewMemStore constructs an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		instances:   make(map[string]*Instance),
		accounts:    make(map[string][]*Account),
		unclaimed:   make(map[orderKey]*UnclaimedOrder),
		contracts:   make(map[orderKey]*Contract),
		byHash:      make(map[[32]byte]*Contract),
		deposits:    make(map[[32]byte][]*Deposit),
		mappings:    make(map[[32]byte][]WireTransferMapping),
		byWTID:      make(map[wtidKey][]WireTransferMapping),
		proofs:      make(map[wtidKey]*TransferProof),
		refunds:     make(map[[32]byte][]RefundAuthorization),
		tipReserves: make(map[string]*TipReserve),
		tips:        make(map[string]*Tip),
		tipPickups:  make(map[string][]TipPickup),
		wireFees:    make(map[string][]ExchangeWireFee),
	}
}

var _ Store = (*MemStore)(nil)

// ---------------------------------------------------------------------
// Instances & accounts
// ---------------------------------------------------------------------

func (s *MemStore) CreateInstance(_ context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("instance %s: %w", inst.ID, ErrAlreadyExists)
	}
	cp := inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *MemStore) GetInstance(_ context.Context, instanceID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok || inst.Deleted {
		return nil, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemStore) DeleteInstance(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	inst.Deleted = true
	return nil
}

func (s *MemStore) UpsertAccount(_ context.Context, acc Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.accounts[acc.InstanceID]
	for i, a := range list {
		if a.ContentHash == acc.ContentHash {
			cp := acc
			list[i] = &cp
			return nil
		}
	}
	cp := acc
	s.accounts[acc.InstanceID] = append(list, &cp)
	return nil
}

func (s *MemStore) ListActiveAccounts(_ context.Context, instanceID string) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Account
	for _, a := range s.accounts[instanceID] {
		if a.Active {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *MemStore) GetAccountByHash(_ context.Context, instanceID string, hash [32]byte) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts[instanceID] {
		if a.ContentHash == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("account with hash: %w", ErrNotFound)
}

// ---------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------

func (s *MemStore) PutUnclaimedOrder(_ context.Context, o UnclaimedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey{o.InstanceID, o.OrderID}
	if _, ok := s.unclaimed[key]; ok {
		return fmt.Errorf("order %s: %w", o.OrderID, ErrAlreadyExists)
	}
	if _, ok := s.contracts[key]; ok {
		return fmt.Errorf("order %s: %w", o.OrderID, ErrAlreadyExists)
	}
	cp := o
	s.unclaimed[key] = &cp
	return nil
}

func (s *MemStore) GetUnclaimedOrder(_ context.Context, instanceID, orderID string) (*UnclaimedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.unclaimed[orderKey{instanceID, orderID}]
	if !ok {
		return nil, fmt.Errorf("unclaimed order %s: %w", orderID, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

// ClaimOrder performs its atomic claim: read, canonicalize+sign
// (via build), insert the Contract, delete the UnclaimedOrder — all under
// one lock acquisition so no other request can interleave. Idempotent on
// repeated claims with the same nonce; fails AlreadyClaimed semantics are
// surfaced by the caller inspecting the returned contract's Nonce.
func (s *MemStore) ClaimOrder(_ context.Context, instanceID, orderID string, nonce []byte, build func(o UnclaimedOrder) (Contract, error)) (*Contract, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey{instanceID, orderID}
	if existing, ok := s.contracts[key]; ok {
		cp := *existing
		return &cp, true, nil
	}
	o, ok := s.unclaimed[key]
	if !ok {
		return nil, false, fmt.Errorf("unclaimed order %s: %w", orderID, ErrNotFound)
	}
	contract, err := build(*o)
	if err != nil {
		return nil, false, err
	}
	cp := contract
	s.contracts[key] = &cp
	s.byHash[contract.ContractHash] = &cp
	delete(s.unclaimed, key)
	result := cp
	return &result, false, nil
}

func (s *MemStore) GetContract(_ context.Context, instanceID, orderID string) (*Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[orderKey{instanceID, orderID}]
	if !ok {
		return nil, fmt.Errorf("contract for order %s: %w", orderID, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) GetContractByHash(_ context.Context, hash [32]byte) (*Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("contract %x: %w", hash, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) MarkContractPaid(_ context.Context, hash [32]byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byHash[hash]
	if !ok {
		return fmt.Errorf("contract %x: %w", hash, ErrNotFound)
	}
	c.Paid = true
	c.PaidAt = at
	return nil
}

// ---------------------------------------------------------------------
// Deposits
// ---------------------------------------------------------------------

func (s *MemStore) PutDeposit(_ context.Context, d Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deposits[d.ContractHash] {
		if string(existing.CoinPub) == string(d.CoinPub) {
			return fmt.Errorf("deposit for coin: %w", ErrAlreadyExists)
		}
	}
	cp := d
	s.deposits[d.ContractHash] = append(s.deposits[d.ContractHash], &cp)
	return nil
}

func (s *MemStore) ListDeposits(_ context.Context, contractHash [32]byte) ([]Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.deposits[contractHash]
	out := make([]Deposit, 0, len(list))
	for _, d := range list {
		out = append(out, *d)
	}
	return out, nil
}

func (s *MemStore) GetDeposit(_ context.Context, contractHash [32]byte, coinPub []byte) (*Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deposits[contractHash] {
		if string(d.CoinPub) == string(coinPub) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("deposit: %w", ErrNotFound)
}

// ---------------------------------------------------------------------
// Wire transfer tracking
// ---------------------------------------------------------------------

func (s *MemStore) PutWireTransferMapping(_ context.Context, m WireTransferMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[m.ContractHash] = append(s.mappings[m.ContractHash], m)
	key := wtidKey{m.ExchangeBaseURL, m.WireTransferID}
	s.byWTID[key] = append(s.byWTID[key], m)
	return nil
}

func (s *MemStore) ListWireTransfersForContract(_ context.Context, contractHash [32]byte) ([]WireTransferMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WireTransferMapping, len(s.mappings[contractHash]))
	copy(out, s.mappings[contractHash])
	return out, nil
}

func (s *MemStore) ListMappingsForWireTransfer(_ context.Context, exchangeBaseURL, wtid string) ([]WireTransferMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := wtidKey{exchangeBaseURL, wtid}
	out := make([]WireTransferMapping, len(s.byWTID[key]))
	copy(out, s.byWTID[key])
	return out, nil
}

// ---------------------------------------------------------------------
// Transfer proofs
// ---------------------------------------------------------------------

func (s *MemStore) GetTransferProof(_ context.Context, exchangeBaseURL, wtid string) (*TransferProof, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proofs[wtidKey{exchangeBaseURL, wtid}]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	return &cp, true, nil
}

func (s *MemStore) PutTransferProof(_ context.Context, p TransferProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := wtidKey{p.ExchangeBaseURL, p.WireTransferID}
	if _, ok := s.proofs[key]; ok {
		// proofs are immutable once cached
		return nil
	}
	cp := p
	s.proofs[key] = &cp
	return nil
}

// ---------------------------------------------------------------------
// Refunds
// ---------------------------------------------------------------------

func (s *MemStore) ListRefundAuthorizations(_ context.Context, contractHash [32]byte) ([]RefundAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RefundAuthorization, len(s.refunds[contractHash]))
	copy(out, s.refunds[contractHash])
	return out, nil
}

// IncreaseRefund implements its Increase operation: the cumulative
// total is monotone, never exceeds the contract amount, and a fresh
// rtransaction_id is only minted when the total actually increases.
func (s *MemStore) IncreaseRefund(_ context.Context, contractHash [32]byte, requestedTotal amount.Value, reason string) (RefundAuthorization, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contract, ok := s.byHash[contractHash]
	if !ok {
		return RefundAuthorization{}, false, fmt.Errorf("contract %x: %w", contractHash, ErrNotFound)
	}
	if !contract.Paid {
		return RefundAuthorization{}, false, fmt.Errorf("contract %x not paid: %w", contractHash, errContractNotPaid)
	}

	history := s.refunds[contractHash]
	current := amount.Zero(requestedTotal.Currency)
	if len(history) > 0 {
		current = history[len(history)-1].CumulativeTotal
	}

	newTotal, err := amount.Max(current, requestedTotal)
	if err != nil {
		return RefundAuthorization{}, false, err
	}
	if newTotal.Cmp(contract.Amount) > 0 {
		return RefundAuthorization{}, false, fmt.Errorf("refund total %s exceeds contract amount %s: %w", newTotal, contract.Amount, errExceedsContractAmount)
	}
	if newTotal.Cmp(current) <= 0 {
		if len(history) == 0 {
			return RefundAuthorization{ContractHash: contractHash, CumulativeTotal: current}, false, nil
		}
		return history[len(history)-1], false, nil
	}

	delta, err := newTotal.Sub(current)
	if err != nil {
		return RefundAuthorization{}, false, err
	}
	nextID := uint64(len(history) + 1)
	row := RefundAuthorization{
		ContractHash:    contractHash,
		RTransactionID:  nextID,
		Amount:          delta,
		CumulativeTotal: newTotal,
		Reason:          reason,
		CreatedAt:       time.Now(),
	}
	s.refunds[contractHash] = append(history, row)
	return row, true, nil
}

// ---------------------------------------------------------------------
// Tip reserves & tips
// ---------------------------------------------------------------------

func (s *MemStore) PutTipReserve(_ context.Context, r TipReserve) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.tipReserves[r.InstanceID] = &cp
	return nil
}

func (s *MemStore) GetTipReserve(_ context.Context, instanceID string) (*TipReserve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tipReserves[instanceID]
	if !ok {
		return nil, fmt.Errorf("tip reserve for %s: %w", instanceID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) UpdateTipReserveBalance(_ context.Context, instanceID string, update func(r *TipReserve) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tipReserves[instanceID]
	if !ok {
		return fmt.Errorf("tip reserve for %s: %w", instanceID, ErrNotFound)
	}
	return update(r)
}

func (s *MemStore) PutTip(_ context.Context, t Tip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tips[t.TipID]; ok {
		return fmt.Errorf("tip %s: %w", t.TipID, ErrAlreadyExists)
	}
	cp := t
	s.tips[t.TipID] = &cp
	return nil
}

func (s *MemStore) GetTip(_ context.Context, tipID string) (*Tip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tips[tipID]
	if !ok {
		return nil, fmt.Errorf("tip %s: %w", tipID, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) UpdateTipPickup(_ context.Context, tipID string, delta amount.Value, pickup TipPickup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tips[tipID]
	if !ok {
		return fmt.Errorf("tip %s: %w", tipID, ErrNotFound)
	}
	newPicked, err := t.PickedUpAmount.Add(delta)
	if err != nil {
		return err
	}
	if newPicked.Cmp(t.AmountAuthorized) > 0 {
		return fmt.Errorf("pickup %s would exceed authorized %s: %w", newPicked, t.AmountAuthorized, errInsufficientFunds)
	}
	t.PickedUpAmount = newPicked
	s.tipPickups[tipID] = append(s.tipPickups[tipID], pickup)
	return nil
}

// ---------------------------------------------------------------------
// Exchange wire fee schedule
// ---------------------------------------------------------------------

func (s *MemStore) PutExchangeWireFee(_ context.Context, f ExchangeWireFee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wireFees[f.ExchangeBaseURL] = append(s.wireFees[f.ExchangeBaseURL], f)
	return nil
}

func (s *MemStore) GetExchangeWireFee(_ context.Context, exchangeBaseURL, wireMethod string, at time.Time) (*ExchangeWireFee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.wireFees[exchangeBaseURL] {
		if f.WireMethod != wireMethod {
			continue
		}
		if (at.Equal(f.ValidFrom) || at.After(f.ValidFrom)) && at.Before(f.ValidUntil) {
			cp := f
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("wire fee for %s/%s: %w", exchangeBaseURL, wireMethod, ErrNotFound)
}

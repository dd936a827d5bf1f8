package ledger

import (
	"sort"
	"sync"

	"github.com/openalpha/prediction-engine/internal/types"
)

// ReservedEntry is one (user, market) reservation in a checkpoint.
type ReservedEntry struct {
	UserID   types.UserID   `json:"user_id"`
	MarketID types.MarketID `json:"market_id"`
	Amount   int64          `json:"amount"`
}

// EscrowEntry is one market's escrow balance in a checkpoint.
type EscrowEntry struct {
	MarketID types.MarketID `json:"market_id"`
	Amount   int64          `json:"amount"`
}

// State is a complete serializable copy of the ledger, for checkpoints.
// Entries are sorted so identical ledgers serialize identically.
type State struct {
	Accounts  []Account        `json:"accounts"`
	Positions []types.Position `json:"positions"`
	Reserved  []ReservedEntry  `json:"reserved,omitempty"`
	Escrow    []EscrowEntry    `json:"escrow,omitempty"`
}

// ExportState copies every account, position, reservation and escrow
// balance. Each account is read under its own user lock so concurrent
// settlements never yield a torn account; callers wanting a globally
// consistent export must quiesce writers first, as the checkpoint path
// does.
func (l *Ledger) ExportState() *State {
	l.mu.RLock()
	users := make([]types.UserID, 0, len(l.accounts))
	for u := range l.accounts {
		users = append(users, u)
	}
	l.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	st := &State{Accounts: make([]Account, 0, len(users))}
	for _, u := range users {
		mu, acct, err := l.lockUser(u)
		if err != nil {
			continue
		}
		mu.Lock()
		st.Accounts = append(st.Accounts, *acct)
		mu.Unlock()
	}

	l.mu.RLock()
	for _, pos := range l.positions {
		st.Positions = append(st.Positions, *pos)
	}
	for k, amt := range l.reserved {
		st.Reserved = append(st.Reserved, ReservedEntry{UserID: k.user, MarketID: k.market, Amount: amt})
	}
	l.mu.RUnlock()

	l.escrowMu.Lock()
	for id, amt := range l.escrow {
		st.Escrow = append(st.Escrow, EscrowEntry{MarketID: id, Amount: amt})
	}
	l.escrowMu.Unlock()

	sort.Slice(st.Positions, func(i, j int) bool {
		a, b := st.Positions[i], st.Positions[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Outcome < b.Outcome
	})
	sort.Slice(st.Reserved, func(i, j int) bool {
		a, b := st.Reserved[i], st.Reserved[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.MarketID < b.MarketID
	})
	sort.Slice(st.Escrow, func(i, j int) bool {
		return st.Escrow[i].MarketID < st.Escrow[j].MarketID
	})
	return st
}

// RestoreState replaces the ledger's contents with a checkpointed state.
// Meant for a freshly constructed ledger during recovery, before any
// writer is running.
func (l *Ledger) RestoreState(st *State) {
	l.mu.Lock()
	l.accounts = make(map[types.UserID]*Account, len(st.Accounts))
	l.userLocks = make(map[types.UserID]*sync.Mutex, len(st.Accounts))
	l.positions = make(map[posKey]*types.Position, len(st.Positions))
	l.reserved = make(map[resKey]int64, len(st.Reserved))
	for i := range st.Accounts {
		acct := st.Accounts[i]
		l.accounts[acct.UserID] = &acct
		l.userLocks[acct.UserID] = &sync.Mutex{}
	}
	for i := range st.Positions {
		pos := st.Positions[i]
		l.positions[posKey{pos.UserID, pos.MarketID, pos.Outcome}] = &pos
	}
	for _, r := range st.Reserved {
		l.reserved[resKey{r.UserID, r.MarketID}] = r.Amount
	}
	l.mu.Unlock()

	l.escrowMu.Lock()
	l.escrow = make(map[types.MarketID]int64, len(st.Escrow))
	for _, e := range st.Escrow {
		l.escrow[e.MarketID] = e.Amount
	}
	l.escrowMu.Unlock()
}

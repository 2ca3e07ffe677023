package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// Memory is an in-process ledger holding one custody pot and per-party
// balances. Commands against a single agreement are serialized by contract;
// the mutex only guards against concurrent use from tests.
type Memory struct {
	mu       sync.Mutex
	custody  int64
	balances map[string]int64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int64)}
}

func (m *Memory) DepositIntoCustody(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: deposit amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custody += amount
	return nil
}

func (m *Memory) PayDirect(ctx context.Context, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: transfer amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[to] += amount
	return nil
}

// DisburseFromCustody applies the whole transfer set or none of it.
func (m *Memory) DisburseFromCustody(ctx context.Context, transfers []Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, t := range transfers {
		if t.Amount <= 0 {
			return fmt.Errorf("ledger: transfer amount must be positive")
		}
		if t.Amount > math.MaxInt64-total {
			return ErrInsufficientCustody
		}
		total += t.Amount
	}
	if total > m.custody {
		return ErrInsufficientCustody
	}

	m.custody -= total
	for _, t := range transfers {
		m.balances[t.To] += t.Amount
	}
	return nil
}

func (m *Memory) CustodyBalance(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.custody, nil
}

// Balance reports a party's received funds. Test observability helper.
func (m *Memory) Balance(party string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[party]
}

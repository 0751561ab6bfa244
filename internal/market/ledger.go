package market

import (
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/rs/zerolog/log"
)

// CreditLedger moves credits between nodes. Transfers are all-or-nothing.
type CreditLedger interface {
	TransferCredits(from, to string, amount math.LegacyDec, taskID string) bool
	Balance(nodeID string) math.LegacyDec
}

type Transfer struct {
	From      string
	To        string
	Amount    math.LegacyDec
	TaskID    string
	Timestamp time.Time
}

// MemoryLedger keeps balances in process memory.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]math.LegacyDec
	history  []Transfer
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]math.LegacyDec)}
}

func (l *MemoryLedger) Deposit(nodeID string, amount math.LegacyDec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[nodeID] = l.balanceLocked(nodeID).Add(amount)
}

func (l *MemoryLedger) Balance(nodeID string) math.LegacyDec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(nodeID)
}

func (l *MemoryLedger) balanceLocked(nodeID string) math.LegacyDec {
	if b, ok := l.balances[nodeID]; ok {
		return b
	}
	return math.LegacyZeroDec()
}

func (l *MemoryLedger) TransferCredits(from, to string, amount math.LegacyDec, taskID string) bool {
	if amount.IsNil() || amount.IsNegative() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.balanceLocked(from)
	if src.LT(amount) {
		log.Warn().Str("component", "market").Str("from", from).Str("to", to).Str("task_id", taskID).
			Str("amount", amount.String()).Str("balance", src.String()).Msg("insufficient credits")
		return false
	}
	l.balances[from] = src.Sub(amount)
	l.balances[to] = l.balanceLocked(to).Add(amount)
	l.history = append(l.history, Transfer{From: from, To: to, Amount: amount, TaskID: taskID, Timestamp: time.Now().UTC()})
	return true
}

func (l *MemoryLedger) History() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transfer(nil), l.history...)
}

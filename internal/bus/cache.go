package bus

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// Cache holds the last-known value per key for every stream the broker
// client produces: quotes, bars, instruments, orders, positions, and
// accounts. Writes are owned by internal/broker; reads are non-blocking
// point lookups used by strategies, the option search engine, and the
// REST/WebSocket layer. The cache retains only the latest value per key —
// it is a snapshot, not a history — so a slow reader can never cause
// unbounded growth.
type Cache struct {
	mu sync.RWMutex

	quotes      map[types.InstrumentID]types.Quote
	bars        map[barKey]types.Bar
	instruments map[types.InstrumentID]types.Instrument
	orders      map[string]types.Order // keyed by ClientOrderID
	positions   map[types.InstrumentID]types.Position
	accounts    map[string]AccountSnapshot
}

type barKey struct {
	instrument types.InstrumentID
	period     int64 // time.Duration as int64 nanoseconds
}

// AccountSnapshot is the minimal account state the dashboard needs.
type AccountSnapshot struct {
	AccountID      string
	NetLiquidation decimal.Decimal
	Cash           decimal.Decimal
	BuyingPower    decimal.Decimal
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		quotes:      make(map[types.InstrumentID]types.Quote),
		bars:        make(map[barKey]types.Bar),
		instruments: make(map[types.InstrumentID]types.Instrument),
		orders:      make(map[string]types.Order),
		positions:   make(map[types.InstrumentID]types.Position),
		accounts:    make(map[string]AccountSnapshot),
	}
}

func (c *Cache) PutInstrument(inst types.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments[inst.ID] = inst
}

func (c *Cache) Instrument(id types.InstrumentID) (types.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instruments[id]
	return inst, ok
}

func (c *Cache) AllInstruments() []types.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Instrument, 0, len(c.instruments))
	for _, inst := range c.instruments {
		out = append(out, inst)
	}
	return out
}

func (c *Cache) PutQuote(q types.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.InstrumentID] = q
}

func (c *Cache) Quote(id types.InstrumentID) (types.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[id]
	return q, ok
}

func (c *Cache) PutBar(b types.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars[barKey{instrument: b.InstrumentID, period: int64(b.Period)}] = b
}

func (c *Cache) Bar(id types.InstrumentID, period int64) (types.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bars[barKey{instrument: id, period: period}]
	return b, ok
}

func (c *Cache) PutOrder(o types.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.ClientOrderID] = o
}

func (c *Cache) Order(clientOrderID string) (types.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[clientOrderID]
	return o, ok
}

func (c *Cache) OpenOrders() []types.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.Order
	for _, o := range c.orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

func (c *Cache) PutPosition(p types.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.IsFlat() {
		delete(c.positions, p.InstrumentID)
		return
	}
	c.positions[p.InstrumentID] = p
}

func (c *Cache) Position(id types.InstrumentID) (types.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[id]
	return p, ok
}

func (c *Cache) OpenPositions() []types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

func (c *Cache) PutAccount(a AccountSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[a.AccountID] = a
}

func (c *Cache) Account(accountID string) (AccountSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[accountID]
	return a, ok
}

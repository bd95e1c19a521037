package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// PaperClient is a simulated ExchangeAdapter used when broker.paper=true
// (the default) and in tests. It has no market-data feed of its own —
// quotes/bars are injected via IngestQuote/IngestBar, exactly the shape a
// real feed would publish — but it implements the full order lifecycle
// (submit → accept → fill/reject) against the injected data, and resolves
// instruments deterministically so option-chain tests don't depend on a
// live gateway.
type PaperClient struct {
	logger *zap.Logger
	bus    *appbus.Bus
	cache  *appbus.Cache

	connected bool

	mu         sync.Mutex
	orders     map[string]types.Order
	subscribed map[types.InstrumentID]bool
}

// NewPaperClient constructs a simulated broker client wired to the shared
// bus and cache.
func NewPaperClient(logger *zap.Logger, b *appbus.Bus, cache *appbus.Cache) *PaperClient {
	return &PaperClient{
		logger:     logger,
		bus:        b,
		cache:      cache,
		orders:     make(map[string]types.Order),
		subscribed: make(map[types.InstrumentID]bool),
	}
}

func (p *PaperClient) Connect(ctx context.Context) error {
	p.connected = true
	p.bus.Publish(appbus.NewConnectionStatusEvent(true, "paper"))
	p.logger.Info("paper broker connected")
	return nil
}

func (p *PaperClient) Disconnect() error {
	p.connected = false
	p.bus.Publish(appbus.NewConnectionStatusEvent(false, "paper disconnect"))
	return nil
}

func (p *PaperClient) SubscribeQuotes(ctx context.Context, id types.InstrumentID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed[id] = true
	return nil
}

func (p *PaperClient) UnsubscribeQuotes(id types.InstrumentID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribed, id)
	return nil
}

func (p *PaperClient) SubscribeBars(ctx context.Context, id types.InstrumentID, period time.Duration) error {
	return p.SubscribeQuotes(ctx, id)
}

func (p *PaperClient) UnsubscribeBars(id types.InstrumentID, period time.Duration) error {
	return p.UnsubscribeQuotes(id)
}

// RequestInstrument resolves a contract spec to an InstrumentID using a
// deterministic naming scheme (underlying+strike+kind+expiry for options)
// so downstream strike-window polling (§4.8.3's fallback path) can compute
// the expected id without waiting on the broker round trip. Resolution is
// announced asynchronously via InstrumentAdded, matching the real broker's
// async contract-details flow.
func (p *PaperClient) RequestInstrument(ctx context.Context, spec InstrumentSpec) (types.InstrumentID, error) {
	id := instrumentIDFor(spec)
	inst := instrumentFor(id, spec)

	time.AfterFunc(50*time.Millisecond, func() {
		p.cache.PutInstrument(inst)
		p.bus.Publish(appbus.NewInstrumentAddedEvent(inst))
	})
	return id, nil
}

func (p *PaperClient) RequestInstruments(ctx context.Context, specs []InstrumentSpec) ([]types.InstrumentID, error) {
	ids := make([]types.InstrumentID, 0, len(specs))
	for _, spec := range specs {
		id, err := p.RequestInstrument(ctx, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func instrumentIDFor(spec InstrumentSpec) types.InstrumentID {
	symbol := spec.Symbol
	if spec.AssetClass == types.AssetClassOption {
		symbol = fmt.Sprintf("%s_%s_%s_%s", spec.Symbol, spec.Expiration.Format("20060102"), spec.Strike.String(), spec.Kind)
	}
	return types.InstrumentID{Symbol: symbol, Venue: "PAPER"}
}

func instrumentFor(id types.InstrumentID, spec InstrumentSpec) types.Instrument {
	inst := types.Instrument{
		ID:           id,
		AssetClass:   spec.AssetClass,
		PriceTick:    decimal.NewFromFloat(0.05),
		QuantityStep: decimal.NewFromInt(1),
		Multiplier:   decimal.NewFromInt(100),
	}
	if spec.AssetClass == types.AssetClassOption {
		inst.Strike = spec.Strike
		inst.Kind = spec.Kind
		inst.Expiration = spec.Expiration
	} else {
		inst.Multiplier = decimal.NewFromInt(1)
	}
	return inst
}

// SubmitOrder simulates an order's lifecycle: Submitted → Accepted → Filled
// (limit orders fill at their limit price whether or not the cached quote
// crosses it; market orders fill at the current mid). An order with no quote available
// yet is rejected, matching a real gateway's behavior for an unresolved
// contract.
func (p *PaperClient) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	order := types.Order{
		ClientOrderID: clientOrderID,
		InstrumentID:  req.InstrumentID,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		TimeInForce:   req.TimeInForce,
		Status:        types.OrderStatusSubmitted,
		SubmittedAt:   time.Now(),
		UpdatedAt:     time.Now(),
	}
	p.mu.Lock()
	p.orders[clientOrderID] = order
	p.mu.Unlock()
	p.cache.PutOrder(order)
	p.bus.Publish(appbus.NewOrderEvent(appbus.EventOrderSubmitted, order, ""))

	time.AfterFunc(100*time.Millisecond, func() { p.acceptAndFill(clientOrderID) })
	return clientOrderID, nil
}

func (p *PaperClient) acceptAndFill(clientOrderID string) {
	p.mu.Lock()
	order, ok := p.orders[clientOrderID]
	p.mu.Unlock()
	if !ok || order.Status != types.OrderStatusSubmitted {
		return
	}
	order.Status = types.OrderStatusAccepted
	order.UpdatedAt = time.Now()
	p.setOrder(order)
	p.bus.Publish(appbus.NewOrderEvent(appbus.EventOrderAccepted, order, ""))

	quote, ok := p.cache.Quote(order.InstrumentID)
	if !ok || !quote.Valid() {
		order.Status = types.OrderStatusRejected
		order.UpdatedAt = time.Now()
		p.setOrder(order)
		p.bus.Publish(appbus.NewOrderEvent(appbus.EventOrderRejected, order, "no quote available"))
		return
	}

	fillPrice := quote.Mid()
	if order.Type == types.OrderTypeLimit {
		fillPrice = order.LimitPrice
	}
	order.Status = types.OrderStatusFilled
	order.FilledQuantity = order.Quantity
	order.AvgFillPrice = fillPrice
	order.UpdatedAt = time.Now()
	p.setOrder(order)
	p.bus.Publish(appbus.NewOrderEvent(appbus.EventOrderFilled, order, ""))
}

func (p *PaperClient) setOrder(order types.Order) {
	p.mu.Lock()
	p.orders[order.ClientOrderID] = order
	p.mu.Unlock()
	p.cache.PutOrder(order)
}

func (p *PaperClient) CancelOrder(ctx context.Context, clientOrderID string) error {
	p.mu.Lock()
	order, ok := p.orders[clientOrderID]
	p.mu.Unlock()
	if !ok || order.Status.IsTerminal() {
		return nil
	}
	order.Status = types.OrderStatusCanceled
	order.UpdatedAt = time.Now()
	p.setOrder(order)
	p.bus.Publish(appbus.NewOrderEvent(appbus.EventOrderCanceled, order, "canceled by strategy"))
	return nil
}

func (p *PaperClient) CancelAllOrders(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.orders))
	for id, o := range p.orders {
		if !o.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()
	for _, id := range ids {
		if err := p.CancelOrder(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CreateSpread resolves every leg and submits the combo as a single order
// against a synthetic combo instrument id (legs joined in the order given),
// matching the real gateway's combo-contract behavior closely enough for
// simulation purposes.
func (p *PaperClient) CreateSpread(ctx context.Context, legs []SpreadLeg, req SubmitRequest) (string, error) {
	specs := make([]InstrumentSpec, len(legs))
	for i, l := range legs {
		specs[i] = l.Spec
	}
	ids, err := p.RequestInstruments(ctx, specs)
	if err != nil {
		return "", err
	}
	comboSymbol := ""
	for i, id := range ids {
		if i > 0 {
			comboSymbol += "+"
		}
		comboSymbol += id.Symbol
	}
	req.InstrumentID = types.InstrumentID{Symbol: comboSymbol, Venue: "PAPER"}
	return p.SubmitOrder(ctx, req)
}

// IngestQuote feeds a simulated quote tick into the cache and bus, as a
// real market-data feed would. Test and development use only.
func (p *PaperClient) IngestQuote(q types.Quote) {
	p.cache.PutQuote(q)
	p.bus.Publish(appbus.NewQuoteTickEvent(q))
}

// IngestBar feeds a simulated completed bar.
func (p *PaperClient) IngestBar(b types.Bar) {
	p.cache.PutBar(b)
	p.bus.Publish(appbus.NewBarEvent(b))
}

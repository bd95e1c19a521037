package broker

import (
	"github.com/shopspring/decimal"

	appbus "github.com/atlas-desktop/options-trading-supervisor/internal/bus"
	"github.com/atlas-desktop/options-trading-supervisor/pkg/types"
)

// indexQuirkAdapter decorates an ExchangeAdapter to work around a broker
// quirk specific to INDEX instruments: the gateway only ever emits a
// LAST-priced tick for indices, leaving bid/ask empty or zero. Every quote
// for an INDEX instrument is rewritten here into a symmetric synthetic
// bid/ask (last on both sides, size=1), overwriting the cache entry the raw
// tick wrote moments earlier. A tick whose bid and ask are both zero is left
// as the raw tick wrote it, and the raw ticks themselves still reach bus
// subscribers unchanged; zero-size ticks are not filtered.
//
// Implemented as a decorator (rather than inline in the concrete client) so
// the quirk is independently unit-testable against a fake upstream adapter.
type indexQuirkAdapter struct {
	ExchangeAdapter
	cache *appbus.Cache
	bus   *appbus.Bus
}

// WrapIndexQuirk decorates adapter with the INDEX last-price synthesis
// described above. The decorator subscribes to the adapter's raw quote
// stream via the shared bus — it does not need the adapter to expose an
// internal hook — and writes the corrected quote into the cache, overwriting
// the entry the raw tick wrote. The corrected quote is not republished on
// the bus.
func WrapIndexQuirk(adapter ExchangeAdapter, cache *appbus.Cache, b *appbus.Bus) ExchangeAdapter {
	w := &indexQuirkAdapter{ExchangeAdapter: adapter, cache: cache, bus: b}
	b.Subscribe(appbus.EventQuoteTick, func(ev appbus.Event) error {
		qe, ok := ev.(*appbus.QuoteTickEvent)
		if !ok {
			return nil
		}
		w.correct(qe.Quote)
		return nil
	})
	return w
}

func (w *indexQuirkAdapter) correct(q types.Quote) {
	inst, ok := w.cache.Instrument(q.InstrumentID)
	if !ok || inst.AssetClass != types.AssetClassIndex {
		return // non-index: the raw tick already reached the cache untouched
	}

	// INDEX: synthesize symmetric bid/ask from whichever side carries the
	// last price (some feeds populate Bid only, some populate neither and
	// rely on a separate LAST field folded into Bid by the upstream codec).
	last := q.Bid
	if last.IsZero() {
		last = q.Ask
	}
	if last.IsZero() {
		return
	}

	synthetic := types.Quote{
		InstrumentID: q.InstrumentID,
		Bid:          last,
		Ask:          last,
		BidSize:      decimal.NewFromInt(1),
		AskSize:      decimal.NewFromInt(1),
		Timestamp:    q.Timestamp,
	}
	w.cache.PutQuote(synthetic)
}


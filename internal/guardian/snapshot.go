package guardian

import "time"

// PriceSample is one exported entry of a Watchdog price ring, suitable
// for JSON serialization into the guardian_state store.
type PriceSample struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// WatchdogState is the Watchdog's persistable snapshot: per-symbol price
// rings plus the capture time.
type WatchdogState struct {
	History map[string][]PriceSample `json:"history"`
	SavedAt time.Time                `json:"saved_at"`
}

// ExportState captures the Watchdog's price rings for persistence.
func (w *Watchdog) ExportState() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()

	history := make(map[string][]PriceSample, len(w.history))
	for symbol, ring := range w.history {
		samples := make([]PriceSample, len(ring))
		for i, p := range ring {
			samples[i] = PriceSample{Price: p.price, At: p.at}
		}
		history[symbol] = samples
	}
	return WatchdogState{History: history, SavedAt: time.Now()}
}

// RestoreState reloads previously persisted price rings, dropping samples
// that have aged out of the flash-crash window.
func (w *Watchdog) RestoreState(st WatchdogState) {
	cutoff := time.Now().Add(-w.cfg.FlashCrashWindow)

	w.mu.Lock()
	defer w.mu.Unlock()
	for symbol, samples := range st.History {
		var ring []pricePoint
		for _, s := range samples {
			if s.At.Before(cutoff) {
				continue
			}
			ring = append(ring, pricePoint{price: s.Price, at: s.At})
		}
		if len(ring) > 0 {
			w.history[symbol] = ring
		}
	}
}

// SentinelState is the Sentinel's persistable snapshot: the seen-headline
// set plus the capture time.
type SentinelState struct {
	SeenHeadlines map[string]time.Time `json:"seen_headlines"`
	SavedAt       time.Time            `json:"saved_at"`
}

// ExportState captures the Sentinel's seen-headline set for persistence.
func (s *Sentinel) ExportState() SentinelState {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]time.Time, len(s.seenHeadlines))
	for headline, at := range s.seenHeadlines {
		seen[headline] = at
	}
	return SentinelState{SeenHeadlines: seen, SavedAt: time.Now()}
}

// RestoreState reloads previously persisted seen headlines, dropping
// entries older than the 24-hour dedup horizon.
func (s *Sentinel) RestoreState(st SentinelState) {
	cutoff := time.Now().Add(-24 * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()
	for headline, at := range st.SeenHeadlines {
		if at.Before(cutoff) {
			continue
		}
		s.seenHeadlines[headline] = at
	}
}

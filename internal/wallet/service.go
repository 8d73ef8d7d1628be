// Package wallet provides the balance snapshot cache, hourly sampling, and
// daily compression of older snapshots. Sample and Compress are exposed as
// two distinct methods so each is independently testable.
package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/internal/cache"
)

const (
	balanceTTL      = 2 * time.Minute
	balanceCacheKey = "wallet:balance"
	maxHistory      = 54 // 30 daily + 24 hourly
	compressionAge  = 24 * time.Hour
)

// Service is the concrete WalletService. Balance reads are served from the
// shared tiered cache; the snapshot history lives here.
type Service struct {
	reader Reader
	cache  *cache.TieredCache
	logger zerolog.Logger

	historyMu   sync.Mutex
	history     []Snapshot
	persistPath string

	staleMu   sync.RWMutex
	lastKnown *Balance
}

// New builds a wallet service with whatever snapshot history was loaded
// from the persisted flat file (may be nil/empty on first run), caching
// balance reads in the shared tiered cache.
func New(reader Reader, tieredCache *cache.TieredCache, history []Snapshot, logger zerolog.Logger) *Service {
	return &Service{
		reader:  reader,
		cache:   tieredCache,
		logger:  logger.With().Str("component", "wallet").Logger(),
		history: history,
	}
}

// WithPersistPath enables checkpointing the snapshot history to path after
// every Sample/Compress call. Without it the history is in-memory only,
// which is what the unit tests want.
func (s *Service) WithPersistPath(path string) *Service {
	s.persistPath = path
	return s
}

// persistHistoryLocked checkpoints the history. Caller must hold historyMu.
// A failure is logged, never propagated: the in-memory history remains
// authoritative for get_balance_history even if the flat file is stale.
func (s *Service) persistHistoryLocked() {
	if s.persistPath == "" {
		return
	}
	if err := PersistHistory(s.persistPath, s.history); err != nil {
		s.logger.Warn().Err(err).Msg("balance history checkpoint failed")
	}
}

// Balance returns the current balance, served from the tiered cache's
// 2-minute TTL entry. A failed fresh read falls back to the last known
// value, if any, with a warning.
func (s *Service) Balance(ctx context.Context) (Balance, error) {
	var cached Balance
	if hit, _ := s.cache.Get(ctx, balanceCacheKey, &cached); hit {
		return cached, nil
	}

	fresh, err := s.reader.ReadBalance(ctx)
	if err != nil {
		s.staleMu.RLock()
		stale := s.lastKnown
		s.staleMu.RUnlock()
		if stale != nil {
			s.logger.Warn().Err(err).Msg("balance read failed, serving stale snapshot")
			return *stale, nil
		}
		return Balance{}, err
	}

	s.staleMu.Lock()
	v := fresh
	s.lastKnown = &v
	s.staleMu.Unlock()

	_ = s.cache.Set(ctx, balanceCacheKey, fresh, balanceTTL)
	return fresh, nil
}

// Sample reads a fresh balance and appends a snapshot to the history. The
// scheduler calls Sample then Compress sequentially from the hourly cron.
func (s *Service) Sample(ctx context.Context) error {
	bal, err := s.reader.ReadBalance(ctx)
	if err != nil {
		return err
	}

	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, Snapshot{
		BaseQty:   bal.BaseQty,
		QuoteQty:  bal.QuoteQty,
		Timestamp: bal.Timestamp,
	})
	s.persistHistoryLocked()
	return nil
}

// Compress partitions the history at now-24h, groups older entries by
// calendar day into single averaged entries, and trims the result to
// maxHistory. Idempotent: compressing an already-compressed history
// returns the same result.
func (s *Service) Compress() {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = CompressHistory(s.history, time.Now())
	s.persistHistoryLocked()
}

// History returns a copy of the current snapshot history, optionally
// limited to the most recent n entries (0 means all).
func (s *Service) History(n int) []Snapshot {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	if n > 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	return out
}

// CompressHistory is the pure function behind Compress, exposed for unit
// testing the idempotence property without a live reader.
func CompressHistory(history []Snapshot, now time.Time) []Snapshot {
	cutoff := now.Add(-compressionAge)

	var recent, old []Snapshot
	for _, s := range history {
		if time.Unix(s.Timestamp, 0).After(cutoff) {
			recent = append(recent, s)
		} else {
			old = append(old, s)
		}
	}

	byDay := map[string][]Snapshot{}
	order := []string{}
	for _, s := range old {
		day := time.Unix(s.Timestamp, 0).UTC().Format("2006-01-02")
		if _, seen := byDay[day]; !seen {
			order = append(order, day)
		}
		byDay[day] = append(byDay[day], s)
	}

	compressedOld := make([]Snapshot, 0, len(order))
	for _, day := range order {
		group := byDay[day]
		if len(group) == 1 && group[0].IsDailyAverage {
			compressedOld = append(compressedOld, group[0])
			continue
		}
		var sumBase, sumQuote float64
		var maxTS int64
		count := 0
		for _, g := range group {
			weight := 1
			if g.IsDailyAverage && g.OriginalCount > 0 {
				weight = g.OriginalCount
			}
			sumBase += g.BaseQty * float64(weight)
			sumQuote += g.QuoteQty * float64(weight)
			count += weight
			if g.Timestamp > maxTS {
				maxTS = g.Timestamp
			}
		}
		compressedOld = append(compressedOld, Snapshot{
			BaseQty:        sumBase / float64(count),
			QuoteQty:       sumQuote / float64(count),
			Timestamp:      maxTS,
			IsDailyAverage: true,
			OriginalCount:  count,
		})
	}

	merged := append(compressedOld, recent...)
	if len(merged) > maxHistory {
		merged = merged[len(merged)-maxHistory:]
	}
	return merged
}

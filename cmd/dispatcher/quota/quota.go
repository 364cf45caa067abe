package quota

import (
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal"
)

const shardCount = 32

var (
	ledger     *Ledger
	ledgerOnce sync.Once

	usedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcher_quota_used",
		Help: "Currently reserved capacity per worker tag",
	}, []string{"tag"})
	deniedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_quota_denied_total",
		Help: "Reservations denied because the tag was at its limit",
	}, []string{"tag"})
)

// Ledger tracks reserved concurrent capacity per worker tag. Tags are
// spread over independently locked shards so reservations for unrelated
// tags never contend.
type Ledger struct {
	defaultLimit int
	limits       map[string]int
	shards       [shardCount]shard
}

type shard struct {
	mu   sync.Mutex
	used map[string]int
}

// GetOrInit returns the ledger configured from QUOTA_DEFAULT_LIMIT and
// QUOTA_LIMITS (comma separated tag:limit pairs).
func GetOrInit() *Ledger {
	ledgerOnce.Do(func() {
		defaultLimit, err := env.GetAsInt("QUOTA_DEFAULT_LIMIT", false, 8)
		if err != nil {
			zap.S().Fatalf("Failed to get QUOTA_DEFAULT_LIMIT from env: %s", err)
		}
		rawLimits, err := env.GetAsString("QUOTA_LIMITS", false, "")
		if err != nil {
			zap.S().Fatalf("Failed to get QUOTA_LIMITS from env: %s", err)
		}
		limits, err := parseLimits(rawLimits)
		if err != nil {
			zap.S().Fatalf("Failed to parse QUOTA_LIMITS: %s", err)
		}
		ledger = NewLedger(defaultLimit, limits)
	})
	return ledger
}

func NewLedger(defaultLimit int, limits map[string]int) *Ledger {
	l := &Ledger{defaultLimit: defaultLimit, limits: limits}
	for i := range l.shards {
		l.shards[i].used = make(map[string]int)
	}
	return l
}

// parseLimits reads "tag:limit" pairs, e.g. "gpu:2,cpu-big:16".
func parseLimits(raw string) (map[string]int, error) {
	limits := make(map[string]int)
	if raw == "" {
		return limits, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		tag, value, found := strings.Cut(strings.TrimSpace(pair), ":")
		if !found || tag == "" {
			return nil, strconv.ErrSyntax
		}
		limit, err := strconv.Atoi(value)
		if err != nil || limit < 0 {
			return nil, strconv.ErrSyntax
		}
		limits[tag] = limit
	}
	return limits, nil
}

func (l *Ledger) shardOf(tag string) *shard {
	return &l.shards[internal.ShardOf(tag, shardCount)]
}

// Limit returns the configured capacity for a tag.
func (l *Ledger) Limit(tag string) int {
	if limit, ok := l.limits[tag]; ok {
		return limit
	}
	return l.defaultLimit
}

// Reserve takes one slot of the tag's capacity. It returns false when the
// tag is at its limit; the caller must then skip the task this poll round.
func (l *Ledger) Reserve(tag string) bool {
	s := l.shardOf(tag)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used[tag] >= l.Limit(tag) {
		deniedCounter.WithLabelValues(tag).Inc()
		return false
	}
	s.used[tag]++
	usedGauge.WithLabelValues(tag).Set(float64(s.used[tag]))
	return true
}

// Release returns one slot. Releases beyond the reserved count are clamped
// at zero, so a stray double-release never corrupts the ledger.
func (l *Ledger) Release(tag string) {
	s := l.shardOf(tag)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used[tag] <= 0 {
		return
	}
	s.used[tag]--
	usedGauge.WithLabelValues(tag).Set(float64(s.used[tag]))
	if s.used[tag] == 0 {
		delete(s.used, tag)
	}
}

// Used reports the currently reserved capacity for a tag.
func (l *Ledger) Used(tag string) int {
	s := l.shardOf(tag)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[tag]
}

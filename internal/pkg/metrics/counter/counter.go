package counter

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const unmappedKey = "ledger:counters:unmapped"

// writeTimeout keeps a slow Redis from delaying ledger writes.
const writeTimeout = 500 * time.Millisecond

// ErrDisabled is returned by reads while no Redis client is attached.
var ErrDisabled = errors.New("counter: tally disabled")

var client atomic.Pointer[redis.Client]

// Enable attaches the Redis client used for tallies. Until it is called every
// write is a no-op, so packages can count unconditionally.
func Enable(c *redis.Client) {
	client.Store(c)
}

// Disable detaches the client.
func Disable() {
	client.Store(nil)
}

// Tally is how often a raw product id was written without a catalog match.
type Tally struct {
	RawID string `json:"raw_id"`
	Count int64  `json:"count"`
}

// AddUnmapped increments the tally for a raw product id that fell through
// normalization.
func AddUnmapped(rawID string) error {
	rdb := client.Load()
	rawID = strings.TrimSpace(rawID)
	if rdb == nil || rawID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return rdb.HIncrBy(ctx, unmappedKey, rawID, 1).Err()
}

// TopUnmapped returns the most frequent unmapped ids, highest count first.
// A limit <= 0 returns all of them.
func TopUnmapped(ctx context.Context, limit int) ([]Tally, error) {
	rdb := client.Load()
	if rdb == nil {
		return nil, ErrDisabled
	}

	fields, err := rdb.HGetAll(ctx, unmappedKey).Result()
	if err != nil {
		return nil, err
	}

	tallies := make([]Tally, 0, len(fields))
	for rawID, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		tallies = append(tallies, Tally{RawID: rawID, Count: n})
	}
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].Count != tallies[j].Count {
			return tallies[i].Count > tallies[j].Count
		}
		return tallies[i].RawID < tallies[j].RawID
	})
	if limit > 0 && len(tallies) > limit {
		tallies = tallies[:limit]
	}
	return tallies, nil
}

// ClearUnmapped drops the tally for ids that now have a catalog alias.
func ClearUnmapped(ctx context.Context, rawIDs ...string) error {
	rdb := client.Load()
	if rdb == nil {
		return ErrDisabled
	}
	if len(rawIDs) == 0 {
		return nil
	}
	return rdb.HDel(ctx, unmappedKey, rawIDs...).Err()
}

// SweepUnmapped clears the tallies of ids for which resolves now reports a
// catalog match, typically after new aliases were deployed. It returns the
// cleared ids in tally order.
func SweepUnmapped(ctx context.Context, resolves func(rawID string) bool) ([]string, error) {
	tallies, err := TopUnmapped(ctx, 0)
	if err != nil {
		return nil, err
	}
	var cleared []string
	for _, t := range tallies {
		if resolves(t.RawID) {
			cleared = append(cleared, t.RawID)
		}
	}
	if err := ClearUnmapped(ctx, cleared...); err != nil {
		return nil, err
	}
	return cleared, nil
}

package dedup

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// DefaultClaimTTL bounds how long an alias reservation outlives its last
// claim. Persisted profiles remain authoritative after expiry.
const DefaultClaimTTL = 30 * 24 * time.Hour

// RedisClaimer reserves identity aliases in Redis so several engine
// processes sharing a store admit each entity exactly once.
type RedisClaimer struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisClaimer creates a claimer. Keys are written as "{prefix}:alias:<alias>";
// the hash tag keeps every alias in one cluster slot so the claim script
// can touch them together.
func NewRedisClaimer(client goredis.UniversalClient, prefix string, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	if prefix == "" {
		prefix = "prospect"
	}
	return &RedisClaimer{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisClaimer) key(alias string) string {
	return "{" + c.prefix + "}:alias:" + alias
}

// claimScript returns the owner of the first alias already claimed and
// points the unclaimed aliases at it; with no owner every alias is claimed
// for ARGV[1].
var claimScript = goredis.NewScript(`
for _, k in ipairs(KEYS) do
  local owner = redis.call('get', k)
  if owner then
    for _, k2 in ipairs(KEYS) do
      redis.call('set', k2, owner, 'NX', 'PX', ARGV[2])
    end
    redis.call('pexpire', k, ARGV[2])
    return owner
  end
end
for _, k in ipairs(KEYS) do
  redis.call('set', k, ARGV[1], 'PX', ARGV[2])
end
return ARGV[1]
`)

// Claim implements Claimer.
func (c *RedisClaimer) Claim(ctx context.Context, aliases []string, profileID string) (string, error) {
	if len(aliases) == 0 {
		return profileID, nil
	}
	keys := make([]string, len(aliases))
	for i, a := range aliases {
		keys[i] = c.key(a)
	}

	owner, err := claimScript.Run(ctx, c.client, keys, profileID, c.ttl.Milliseconds()).Text()
	if err != nil {
		return "", eris.Wrapf(err, "dedup: claim %v", aliases)
	}
	return owner, nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mohan-38/docgrant/internal/grant"
)

const keyPrefix = "docgrant:mfa:"

// Challenges stores two-phase MFA state in Redis so any API replica can
// finish a flow another replica started. Expiry rides on the key TTL.
type Challenges struct {
	client *redis.Client
}

var _ grant.ChallengeStore = (*Challenges)(nil)

// Connect accepts a redis:// URL or a bare host:port. Supporting both keeps
// local and container config paths simple.
func Connect(addr string) (*Challenges, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return &Challenges{client: redis.NewClient(opt)}, nil
	}
	return &Challenges{client: redis.NewClient(&redis.Options{Addr: addr})}, nil
}

func NewChallenges(client *redis.Client) *Challenges {
	return &Challenges{client: client}
}

func (s *Challenges) Put(ctx context.Context, c grant.Challenge, ttl time.Duration) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+c.Token, raw, ttl).Err()
}

func (s *Challenges) Get(ctx context.Context, token string) (grant.Challenge, error) {
	raw, err := s.client.Get(ctx, keyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return grant.Challenge{}, grant.ErrNoChallenge
		}
		return grant.Challenge{}, err
	}
	var c grant.Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return grant.Challenge{}, err
	}
	return c, nil
}

func (s *Challenges) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, keyPrefix+token).Err()
}

func (s *Challenges) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Challenges) Close() error {
	return s.client.Close()
}

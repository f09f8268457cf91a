// Package presence mirrors online/offline transitions to Redis so other
// services can query them. It is not used for routing.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Pulse/internal/domain"
)

const onlineSetKey = "pulse:online"

// presence key: pulse:presence:<user>, value: gateway id, TTL renewed by
// the mirror heartbeat.
func presenceKey(u domain.UserID) string { return "pulse:presence:" + string(u) }

type RedisSink struct {
	rdb       *redis.Client
	gatewayID string
	ttl       time.Duration
}

func NewRedisSink(ctx context.Context, url, gatewayID string, ttl time.Duration) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("presence: ping: %w", err)
	}
	return &RedisSink{rdb: rdb, gatewayID: gatewayID, ttl: ttl}, nil
}

func (s *RedisSink) SetOnline(ctx context.Context, u domain.UserID) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, presenceKey(u), s.gatewayID, s.ttl)
		p.SAdd(ctx, onlineSetKey, string(u))
		return nil
	})
	return err
}

func (s *RedisSink) SetOffline(ctx context.Context, u domain.UserID) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, presenceKey(u))
		p.SRem(ctx, onlineSetKey, string(u))
		return nil
	})
	return err
}

// Lookup reports whether the user is online on any gateway.
func (s *RedisSink) Lookup(ctx context.Context, u domain.UserID) (gatewayID string, online bool, err error) {
	val, err := s.rdb.Get(ctx, presenceKey(u)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Reconcile drops stale members of the online set: users whose presence key
// expired, and users owned by this gateway that are not in online.
func (s *RedisSink) Reconcile(ctx context.Context, online []domain.UserID) error {
	members, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil || len(members) == 0 {
		return err
	}
	local := make(map[string]struct{}, len(online))
	for _, u := range online {
		local[string(u)] = struct{}{}
	}

	owners := make([]*redis.StringCmd, len(members))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, u := range members {
			owners[i] = p.Get(ctx, presenceKey(domain.UserID(u)))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	var stale []any
	var ownedKeys []string
	for i, u := range members {
		owner, err := owners[i].Result()
		switch {
		case errors.Is(err, redis.Nil):
			stale = append(stale, u)
		case err != nil:
			return err
		case owner == s.gatewayID:
			if _, ok := local[u]; !ok {
				stale = append(stale, u)
				ownedKeys = append(ownedKeys, presenceKey(domain.UserID(u)))
			}
		}
	}
	if len(stale) == 0 {
		return nil
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(ownedKeys) > 0 {
			p.Del(ctx, ownedKeys...)
		}
		p.SRem(ctx, onlineSetKey, stale...)
		return nil
	})
	return err
}

func (s *RedisSink) Close() error { return s.rdb.Close() }

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps refresh-token families in Redis. Each token hash maps to
// a FamilyToken record under "rt:<hash>"; "fam:<id>" holds the set of hashes
// ever issued in the family so a replay can destroy all of them at once.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tokenKey(hash string) string { return "rt:" + hash }

func familyKey(id string) string { return "fam:" + id }

func (s *RedisStore) CreateFamily(ctx context.Context, familyID, userID, tokenHash string, expiresAt time.Time) error {
	return s.saveToken(ctx, tokenHash, FamilyToken{
		FamilyID:  familyID,
		UserID:    userID,
		ExpiresAt: expiresAt,
	})
}

func (s *RedisStore) Redeem(ctx context.Context, tokenHash, successorHash string, expiresAt time.Time) (FamilyToken, error) {
	key := tokenKey(tokenHash)

	var token FamilyToken
	claim := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup refresh token: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			return fmt.Errorf("unmarshal refresh token: %w", err)
		}
		if token.Consumed {
			return ErrReplayed
		}

		token.Consumed = true
		data, err := json.Marshal(token)
		if err != nil {
			return fmt.Errorf("marshal refresh token: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, remainingTTL(token.ExpiresAt))
			return nil
		})
		return err
	}

	// WATCH turns the consume into a compare-and-swap. If two redemptions
	// race, the loser's EXEC fails; either way the token was presented
	// twice, which destroys the family.
	err := s.client.Watch(ctx, claim, key)
	if err == redis.TxFailedErr {
		err = ErrReplayed
	}
	if errors.Is(err, ErrReplayed) {
		if token.FamilyID != "" {
			if revokeErr := s.revokeFamily(ctx, token.FamilyID); revokeErr != nil {
				return FamilyToken{}, revokeErr
			}
		}
		return FamilyToken{}, ErrReplayed
	}
	if err != nil {
		return FamilyToken{}, err
	}

	successor := FamilyToken{
		FamilyID:  token.FamilyID,
		UserID:    token.UserID,
		ExpiresAt: expiresAt,
	}
	if err := s.saveToken(ctx, successorHash, successor); err != nil {
		return FamilyToken{}, err
	}
	return successor, nil
}

func (s *RedisStore) RevokeByHash(ctx context.Context, tokenHash string) error {
	raw, err := s.client.Get(ctx, tokenKey(tokenHash)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup refresh token: %w", err)
	}
	var token FamilyToken
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return fmt.Errorf("unmarshal refresh token: %w", err)
	}
	return s.revokeFamily(ctx, token.FamilyID)
}

func remainingTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return ttl
}

func (s *RedisStore) saveToken(ctx context.Context, hash string, token FamilyToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}

	ttl := remainingTTL(token.ExpiresAt)

	if err := s.client.Set(ctx, tokenKey(hash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	if err := s.client.SAdd(ctx, familyKey(token.FamilyID), hash).Err(); err != nil {
		return fmt.Errorf("track family member: %w", err)
	}
	if err := s.client.Expire(ctx, familyKey(token.FamilyID), ttl).Err(); err != nil {
		return fmt.Errorf("expire family: %w", err)
	}
	return nil
}

func (s *RedisStore) revokeFamily(ctx context.Context, familyID string) error {
	hashes, err := s.client.SMembers(ctx, familyKey(familyID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("list family members: %w", err)
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, hash := range hashes {
		keys = append(keys, tokenKey(hash))
	}
	keys = append(keys, familyKey(familyID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

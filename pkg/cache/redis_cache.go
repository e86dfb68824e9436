package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"transport-backend/internal/models"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ClientProvider hands out the current Redis client; pkg/redis.Client
// swaps the client on reconnect.
type ClientProvider interface {
	GetClient() *goredis.Client
}

type RedisCacheManager struct {
	provider ClientProvider
	config   CacheConfig
	stats    *cacheStats
	log      logrus.FieldLogger
	ctx      context.Context
}

type cacheStats struct {
	mu            sync.RWMutex
	totalHits     int64
	totalMisses   int64
	evictionCount int64
}

func NewRedisCacheManager(provider ClientProvider, config CacheConfig, log logrus.FieldLogger) *RedisCacheManager {
	return &RedisCacheManager{
		provider: provider,
		config:   config,
		stats:    &cacheStats{},
		log:      log.WithField("component", "cache"),
		ctx:      context.Background(),
	}
}

func (r *RedisCacheManager) client() *goredis.Client {
	return r.provider.GetClient()
}

func (r *RedisCacheManager) GetVehicleList(key string) ([]*models.Vehicle, error) {
	var vehicles []*models.Vehicle
	found, err := r.getJSON(r.buildKey("vehicle_list", key), &vehicles)
	if err != nil || !found {
		return nil, err
	}
	return vehicles, nil
}

func (r *RedisCacheManager) SetVehicleList(key string, vehicles []*models.Vehicle, ttl time.Duration) error {
	cacheKey := r.buildKey("vehicle_list", key)
	if err := r.setJSON(cacheKey, vehicles, ttl); err != nil {
		return fmt.Errorf("failed to set vehicle list in cache: %w", err)
	}
	if err := r.TagKey(cacheKey, TagCatalog, TagVehicles); err != nil {
		r.log.WithError(err).WithField("key", cacheKey).Warn("failed to tag cache key")
	}
	return nil
}

func (r *RedisCacheManager) GetDriverList(key string) ([]*models.Driver, error) {
	var drivers []*models.Driver
	found, err := r.getJSON(r.buildKey("driver_list", key), &drivers)
	if err != nil || !found {
		return nil, err
	}
	return drivers, nil
}

func (r *RedisCacheManager) SetDriverList(key string, drivers []*models.Driver, ttl time.Duration) error {
	cacheKey := r.buildKey("driver_list", key)
	if err := r.setJSON(cacheKey, drivers, ttl); err != nil {
		return fmt.Errorf("failed to set driver list in cache: %w", err)
	}
	if err := r.TagKey(cacheKey, TagCatalog, TagDrivers); err != nil {
		r.log.WithError(err).WithField("key", cacheKey).Warn("failed to tag cache key")
	}
	return nil
}

func (r *RedisCacheManager) InvalidateCatalog() error {
	return r.InvalidateByTag(TagCatalog)
}

func (r *RedisCacheManager) GetSnapshot(sessionID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	found, err := r.getJSON(r.buildKey("snapshot", sessionID), &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// SetSnapshots writes snapshots in one pipeline.
func (r *RedisCacheManager) SetSnapshots(snapshots []*models.Snapshot, ttl time.Duration) error {
	if len(snapshots) == 0 {
		return nil
	}
	pipe := r.client().Pipeline()
	for _, snap := range snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot %s: %w", snap.SessionID, err)
		}
		pipe.Set(r.ctx, r.buildKey("snapshot", snap.SessionID), data, ttl)
	}
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to set snapshots in cache: %w", err)
	}
	return nil
}

func (r *RedisCacheManager) DeleteSnapshot(sessionID string) error {
	return r.Delete(r.buildKey("snapshot", sessionID))
}

// Get decodes a generic value into dest and reports whether it was found.
func (r *RedisCacheManager) Get(key string, dest interface{}) (bool, error) {
	return r.getJSON(r.buildKey("generic", key), dest)
}

func (r *RedisCacheManager) Set(key string, value interface{}, ttl time.Duration) error {
	return r.setJSON(r.buildKey("generic", key), value, ttl)
}

// Delete removes a fully-qualified key and its tag links.
func (r *RedisCacheManager) Delete(key string) error {
	if err := r.removeKeyTags(key); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("failed to remove tags for key")
	}
	return r.client().Del(r.ctx, key).Err()
}

func (r *RedisCacheManager) TagKey(key string, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	pipe := r.client().Pipeline()

	keyTagsKey := r.buildTagKey("key_tags", key)
	members := make([]interface{}, len(tags))
	for i, tag := range tags {
		members[i] = tag
	}
	pipe.SAdd(r.ctx, keyTagsKey, members...)
	pipe.Expire(r.ctx, keyTagsKey, r.config.TagTTL)

	for _, tag := range tags {
		tagKeysKey := r.buildTagKey("tag_keys", tag)
		pipe.SAdd(r.ctx, tagKeysKey, key)
		pipe.Expire(r.ctx, tagKeysKey, r.config.TagTTL)
	}

	_, err := pipe.Exec(r.ctx)
	return err
}

func (r *RedisCacheManager) InvalidateByTag(tag string) error {
	tagKeysKey := r.buildTagKey("tag_keys", tag)

	keys, err := r.client().SMembers(r.ctx, tagKeysKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get keys for tag %s: %w", tag, err)
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := r.client().Pipeline()
	for _, key := range keys {
		pipe.Del(r.ctx, key)
		pipe.Del(r.ctx, r.buildTagKey("key_tags", key))
	}
	pipe.Del(r.ctx, tagKeysKey)

	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to invalidate keys for tag %s: %w", tag, err)
	}

	r.stats.mu.Lock()
	r.stats.evictionCount += int64(len(keys))
	r.stats.mu.Unlock()
	return nil
}

func (r *RedisCacheManager) GetCacheStats() CacheStats {
	r.stats.mu.RLock()
	totalHits := r.stats.totalHits
	totalMisses := r.stats.totalMisses
	evictionCount := r.stats.evictionCount
	r.stats.mu.RUnlock()

	total := totalHits + totalMisses
	var hitRate, missRate float64
	if total > 0 {
		hitRate = float64(totalHits) / float64(total)
		missRate = float64(totalMisses) / float64(total)
	}

	var memoryUsage int64
	if info, err := r.client().Info(r.ctx, "memory").Result(); err == nil {
		for _, line := range strings.Split(info, "\n") {
			if strings.HasPrefix(line, "used_memory:") {
				value := strings.TrimSpace(strings.TrimPrefix(line, "used_memory:"))
				if n, err := strconv.ParseInt(value, 10, 64); err == nil {
					memoryUsage = n
				}
			}
		}
	}

	keyCount := 0
	iter := r.client().Scan(r.ctx, 0, r.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(r.ctx) {
		keyCount++
	}

	return CacheStats{
		HitRate:       hitRate,
		MissRate:      missRate,
		MemoryUsage:   memoryUsage,
		KeyCount:      keyCount,
		EvictionCount: int(evictionCount),
		TotalHits:     totalHits,
		TotalMisses:   totalMisses,
	}
}

func (r *RedisCacheManager) HealthCheck() error {
	return r.client().Ping(r.ctx).Err()
}

// Close is a no-op; the client belongs to its provider.
func (r *RedisCacheManager) Close() error {
	return nil
}

func (r *RedisCacheManager) getJSON(key string, dest interface{}) (bool, error) {
	data, err := r.client().Get(r.ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			r.recordMiss()
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s from cache: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	r.recordHit()
	return true, nil
}

func (r *RedisCacheManager) setJSON(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return r.client().Set(r.ctx, key, data, ttl).Err()
}

func (r *RedisCacheManager) buildKey(keyType, identifier string) string {
	return fmt.Sprintf("%s%s:%s", r.config.KeyPrefix, keyType, identifier)
}

func (r *RedisCacheManager) buildTagKey(keyType, identifier string) string {
	return fmt.Sprintf("%s%s:%s", r.config.TagPrefix, keyType, identifier)
}

func (r *RedisCacheManager) recordHit() {
	r.stats.mu.Lock()
	r.stats.totalHits++
	r.stats.mu.Unlock()
}

func (r *RedisCacheManager) recordMiss() {
	r.stats.mu.Lock()
	r.stats.totalMisses++
	r.stats.mu.Unlock()
}

func (r *RedisCacheManager) removeKeyTags(key string) error {
	keyTagsKey := r.buildTagKey("key_tags", key)

	tags, err := r.client().SMembers(r.ctx, keyTagsKey).Result()
	if err != nil {
		return err
	}

	pipe := r.client().Pipeline()
	for _, tag := range tags {
		pipe.SRem(r.ctx, r.buildTagKey("tag_keys", tag), key)
	}
	pipe.Del(r.ctx, keyTagsKey)

	_, err = pipe.Exec(r.ctx)
	return err
}

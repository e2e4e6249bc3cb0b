package moltbook

import (
	"context"
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// profile 缓存的存活时间。5 分钟内的重复查询不会触发对外抓取。
const cacheTTL = 5 * time.Minute

// ProfileCache 抽象 profile 缓存后端。
type ProfileCache interface {
	Get(ctx context.Context, handle string) (Profile, bool)
	Set(ctx context.Context, handle string, profile Profile)
}

// MemoryCache 基于进程内 TTL 缓存，适合单实例部署。
type MemoryCache struct {
	cache *gocache.Cache
}

// NewMemoryCache 创建进程内缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{cache: gocache.New(cacheTTL, 2*cacheTTL)}
}

// Get 实现 ProfileCache。
func (m *MemoryCache) Get(_ context.Context, handle string) (Profile, bool) {
	value, ok := m.cache.Get(handle)
	if !ok {
		return Profile{}, false
	}
	profile, ok := value.(Profile)
	return profile, ok
}

// Set 实现 ProfileCache。
func (m *MemoryCache) Set(_ context.Context, handle string, profile Profile) {
	m.cache.Set(handle, profile, cacheTTL)
}

// RedisCache 将 profile 以 JSON 形式写入 Redis，多实例共享同一份缓存。
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache 创建 Redis 缓存。
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "moltbook:profile:"}
}

// Get 实现 ProfileCache。
func (r *RedisCache) Get(ctx context.Context, handle string) (Profile, bool) {
	raw, err := r.client.Get(ctx, r.prefix+handle).Bytes()
	if err != nil {
		return Profile{}, false
	}
	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return Profile{}, false
	}
	return profile, true
}

// Set 实现 ProfileCache。
func (r *RedisCache) Set(ctx context.Context, handle string, profile Profile) {
	raw, err := json.Marshal(profile)
	if err != nil {
		return
	}
	_ = r.client.Set(ctx, r.prefix+handle, raw, cacheTTL).Err()
}

package main

import (
	"github.com/redis/go-redis/v9"

	"github.com/matst80/busbridge/internal/obs"
	"github.com/matst80/busbridge/internal/whitelist"
)

// newWhitelistSource picks the Redis set when a key is configured, the file otherwise.
func newWhitelistSource(c *Config, rdb *redis.Client) whitelist.Source {
	if c.WhitelistRedisKey != "" && rdb != nil {
		obs.Info("whitelist.backend", obs.Fields{"type": "redis", "key": c.WhitelistRedisKey})
		return whitelist.RedisSource{Client: rdb, Key: c.WhitelistRedisKey}
	}
	obs.Info("whitelist.backend", obs.Fields{"type": "file", "path": c.WhitelistFile})
	return whitelist.FileSource{Path: c.WhitelistFile}
}

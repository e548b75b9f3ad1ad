package main

import (
	"os"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
)

// initRedis opens the Redis connection backing the work queues. The address
// comes from REDIS_ADDR; a failed ping is logged but not fatal so the
// service can come up before Redis during deploys.
func initRedis() *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping().Err(); err != nil {
		log.WithError(err).WithField("addr", addr).Warn("redis not reachable yet")
	}
	return client
}

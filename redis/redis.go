package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	connectionsKey string = "gateway:%s:connections"   // hash conn id -> user id
	onlineUsersKey string = "gateway:%s:users"         // set of user ids with at least one connection
	userConnsKey   string = "gateway:%s:user:%s:conns" // set of conn ids of one user
	nodePattern    string = "gateway:%s:*"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Node     string
}

// DB mirrors the gateway's connection registry into redis so other tools can
// see who is online. It is a one-way copy; the gateway never reads it back.
type DB struct {
	client *redis.Client
	node   string
}

func NewDB(c Config) *DB {
	return &DB{
		client: NewClient(c),
		node:   c.Node,
	}
}

func NewClient(c Config) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})

	return rdb
}

func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return errors.Wrap(db.client.Ping(ctx).Err(), "redis ping")
}

func (db *DB) Close() error {
	return db.client.Close()
}

// Reset deletes every key this node wrote, e.g. left over from a crash.
func (db *DB) Reset(ctx context.Context) error {
	iter := db.client.Scan(ctx, 0, fmt.Sprintf(nodePattern, db.node), 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "scan presence keys")
	}
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(db.client.Del(ctx, keys...).Err(), "delete presence keys")
}

func (db *DB) connectionsKey() string {
	return fmt.Sprintf(connectionsKey, db.node)
}

func (db *DB) onlineUsersKey() string {
	return fmt.Sprintf(onlineUsersKey, db.node)
}

func (db *DB) userConnsKey(user string) string {
	return fmt.Sprintf(userConnsKey, db.node, user)
}

package redis

import (
	"context"

	"github.com/dylanconnolly/shop-gateway/server"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// offlineScript removes one connection and drops the user from the online set
// only when it was their last one, atomically.
var offlineScript = redis.NewScript(`
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[1])
if redis.call("SCARD", KEYS[3]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
end
return 1
`)

// Online records a newly registered connection.
func (db *DB) Online(ctx context.Context, e server.Entry) error {
	user := e.Identity.ID
	_, err := db.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, db.connectionsKey(), string(e.ConnID), user)
		pipe.SAdd(ctx, db.userConnsKey(user), string(e.ConnID))
		pipe.SAdd(ctx, db.onlineUsersKey(), user)
		return nil
	})
	return errors.Wrapf(err, "presence online conn=%s", e.ConnID)
}

// Offline removes a connection recorded by Online.
func (db *DB) Offline(ctx context.Context, e server.Entry) error {
	user := e.Identity.ID
	keys := []string{db.connectionsKey(), db.onlineUsersKey(), db.userConnsKey(user)}
	err := offlineScript.Run(ctx, db.client, keys, string(e.ConnID), user).Err()
	return errors.Wrapf(err, "presence offline conn=%s", e.ConnID)
}

// OnlineUsers lists the users with at least one open connection on this node.
func (db *DB) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := db.client.SMembers(ctx, db.onlineUsersKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list online users")
	}
	return users, nil
}

// Connections returns conn id -> user id for this node.
func (db *DB) Connections(ctx context.Context) (map[string]string, error) {
	conns, err := db.client.HGetAll(ctx, db.connectionsKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list connections")
	}
	return conns, nil
}

var _ server.PresenceRecorder = (*DB)(nil)

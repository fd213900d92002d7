// Package redis builds the go-redis client used by the session store and
// the cross-instance WebSocket broadcast relay.
//
// Every client carries a metrics hook and a circuit breaker hook. PubSub
// fans room broadcasts out to all instances sharing the Redis server.
package redis

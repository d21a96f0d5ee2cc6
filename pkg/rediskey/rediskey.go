package rediskey

import "fmt"

// Key prefixes shared by the HTTP process and the worker.
const (
	OraclePrefix   = "oracle"
	LockPrefix     = "lock"
	SequencePrefix = "seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildOracleRateKey returns "oracle:rate:last"
func BuildOracleRateKey() string {
	return NamespaceKey(OraclePrefix, "rate:last")
}

// BuildActionLockKey returns "lock:action:{actionID}"
func BuildActionLockKey(actionID string) string {
	return NamespaceKey(LockPrefix, "action:"+actionID)
}

// BuildDailySequenceKey returns "seq:{prefix}:{scope}:{yymmdd}"
func BuildDailySequenceKey(prefix, scope, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s:%s", prefix, scope, day))
}

package redisclient

import (
	"fmt"
	"strconv"
)

// RedisPrefix is the prefix for all keys of the application store
const RedisPrefix = "provisioner:"

// AppKey holds the JSON record of one application
func AppKey(id int64) string {
	return RedisPrefix + "app:" + strconv.FormatInt(id, 10)
}

// AppIDCounterKey is incremented to allocate application IDs
func AppIDCounterKey() string {
	return RedisPrefix + "app:next_id"
}

// AppNameKey maps (owner, name) to the application ID and enforces uniqueness
func AppNameKey(owner, name string) string {
	return fmt.Sprintf("%sowner:%s:name:%s", RedisPrefix, owner, name)
}

// OwnerAppsKey is the SET of application IDs of an owner
func OwnerAppsKey(owner string) string {
	return fmt.Sprintf("%sowner:%s:apps", RedisPrefix, owner)
}

// LiveAppsKey is the SET of IDs of non-terminated applications
func LiveAppsKey() string {
	return RedisPrefix + "apps:live"
}

package cache

import "fmt"

// Key helpers keep the Redis namespace in one place.

// UnreadKey holds the cached unread count for a (user, room) pair.
func UnreadKey(userID, roomID string) string {
	return fmt.Sprintf("unread:%s:%s", userID, roomID)
}

// UserRoomsKey is the per-user membership index (set of room ids).
func UserRoomsKey(userID string) string {
	return fmt.Sprintf("user:%s:rooms", userID)
}

// PresenceKey holds a user's current status with a heartbeat TTL.
func PresenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

// OnlineUsersKey is the set of users currently online.
const OnlineUsersKey = "online_users"

// RateLimitKey counts a client's requests within the current window.
func RateLimitKey(ip string) string {
	return fmt.Sprintf("ratelimit:%s", ip)
}

// RateLimitBlockKey marks a client blocked after exhausting its window.
func RateLimitBlockKey(ip string) string {
	return fmt.Sprintf("ratelimit:block:%s", ip)
}

// BannedIPsKey is the set of client IPs refused outright at the edge.
const BannedIPsKey = "banned_ips"

package domain

import "hash/fnv"

// Calendar supplies the timezone used for re-localization and the default
// notification channel. ChatID identifies the chat (guild) that owns it.
type Calendar struct {
	ID             int64
	ChatID         int64
	Timezone       string // IANA zone name
	DefaultChannel int64
	Prefix         string
}

// ShardFor maps a chat to the shard that owns its calendars.
// A shardCount <= 1 means a single shard (0).
func ShardFor(chatID int64, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(chatID) >> (8 * i))
	}
	_, _ = h.Write(b[:])
	return int(h.Sum32() % uint32(shardCount))
}

package engine

import "github.com/lanewaylabs/sessionsync/internal/protocol"

// ShouldAdopt decides whether a freshly arrived authoritative history should
// replace the cached log for key. requestRevision is the cache revision
// observed at the moment the request was issued (0 when the cache was absent
// then).
//
// The rules, first match wins:
//
//  1. No cache yet: adopt. First sync always wins.
//  2. Server tail ahead of ours: adopt. The store is strictly ahead of
//     everything we have seen, including optimistic and push-delivered
//     entries.
//  3. Server tail behind ours: keep the cache. This response is older than
//     content we already display; adopting would regress visible history.
//  4. Equal tails: adopt only if nothing mutated the cache while the request
//     was in flight, or the cache carries no unacknowledged optimistic
//     entries. Otherwise keep the cache, because the server's same-tail
//     history would silently drop a message the user sent in the interim.
func ShouldAdopt(cache *HistoryCache, key string, serverHistory []protocol.Message, requestRevision uint64) bool {
	if !cache.Has(key) {
		return true
	}
	serverTail := TailOf(serverHistory)
	currentTail := cache.TailIndex(key)
	if serverTail > currentTail {
		return true
	}
	if serverTail < currentTail {
		return false
	}
	return requestRevision == cache.Revision(key) || !cache.HasUnindexed(key)
}

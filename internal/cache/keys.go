package cache

// Well-known cache keys. Each key has exactly one writing component;
// everyone else only reads.
const (
	KeyConversations = "conversations"
	KeyGroups        = "groups"
	KeyProfile       = "profile"
)

// KeyMessages returns the cache key for a conversation's message list.
func KeyMessages(conversationID string) string {
	return "messages/" + conversationID
}

// GetAs returns the value for key typed as T. The zero value and false
// are returned when the key is absent or holds a different type.
func GetAs[T any](s *Store, key string) (T, bool) {
	v, ok := s.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Update applies a typed updater to key. An absent key is presented to
// the updater as the zero value of T.
func Update[T any](s *Store, key string, fn func(cur T) T) {
	s.Set(key, func(cur any) any {
		t, _ := cur.(T)
		return fn(t)
	})
}

// Package cache holds small in-process caches used to avoid repeating
// backend lookups whose answer cannot change within a short window.
package cache

// Cache is a string-keyed cache of T values.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Size() int
}

var _ Cache[struct{}] = (*LRUCache[struct{}])(nil)

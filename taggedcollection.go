package remote

import (
	"regexp"
	"sync"
)

// Taggable is implemented by any resource addressable through a
// TaggedCollection: containers, tunnels. Every key is namespaced by the
// resource's ResourceUser, so resources with different users can reuse
// the same tag without clashing.
type Taggable interface {
	ResourceUser() string
	ResourceUUID() string
	// ResourceTag returns "" when the resource has no tag.
	ResourceTag() string
}

var (
	tagCharsetRe = regexp.MustCompile(`\A[0-9a-z._-]+\z`)
	// looksLikeUUIDRe rejects tags shaped like 22-character shortuuid
	// identifiers, so a tag can never be confused with a uuid when both
	// are valid TaggedCollection keys.
	looksLikeUUIDRe = regexp.MustCompile(`\A[0-9a-zA-Z]{22}\z`)
)

// ValidateTag checks a tag is non-empty, restricted to lowercase
// alphanumerics plus "._-", and does not look like a uuid. It does not
// check for clashes within any particular collection.
func ValidateTag(tag string) error {
	if len(tag) == 0 {
		return stateErrorf("tag passed for approval was blank")
	}
	lower := toLower(tag)
	if !tagCharsetRe.MatchString(tag) {
		return stateErrorf("tag names can only use 0-9 a-z - _ and .: %q", tag)
	}
	if looksLikeUUIDRe.MatchString(lower) {
		return stateErrorf("tag names cannot look like uuids: %q", tag)
	}
	return nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

type taggedKey struct {
	user string
	key  string
}

// TaggedCollection is a keyed store addressable by (user, uuid) and,
// optionally, (user, tag). Insertion is atomic: either both keys (or just
// the uuid key, if untagged) land, or neither does, so a tag clash never
// leaves a partially-inserted object behind.
type TaggedCollection[T Taggable] struct {
	mu      sync.RWMutex
	objects map[taggedKey]T
	uniques int
}

// NewTaggedCollection constructs an empty collection.
func NewTaggedCollection[T Taggable]() *TaggedCollection[T] {
	return &TaggedCollection[T]{objects: make(map[taggedKey]T)}
}

func (c *TaggedCollection[T]) willClash(user, uuid, tag string) bool {
	if tag != "" {
		if _, ok := c.objects[taggedKey{user, tag}]; ok {
			return true
		}
	}
	_, ok := c.objects[taggedKey{user, uuid}]
	return ok
}

// Add inserts obj, keyed by its (user, uuid) and, if it has one, its
// (user, tag). Returns a StateError without modifying the collection if
// either key is already taken.
func (c *TaggedCollection[T]) Add(obj T) error {
	user := obj.ResourceUser()
	uuid := obj.ResourceUUID()
	tag := obj.ResourceTag()
	if tag != "" {
		if err := ValidateTag(tag); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.willClash(user, uuid, tag) {
		return stateErrorf("cannot add to tagged collection because there will be a namespace clash")
	}
	c.objects[taggedKey{user, uuid}] = obj
	if tag != "" {
		c.objects[taggedKey{user, tag}] = obj
	}
	c.uniques++
	return nil
}

// Get fetches by a loosely-specified key: a bare uuid, a bare tag, or
// "uuid:tag" (the tag half is ignored, since the uuid half alone is
// already enough to resolve the object).
func (c *TaggedCollection[T]) Get(user, key string) (T, error) {
	var zero T
	if key == "" {
		return zero, stateErrorf("key not passed when fetching from tagged collection")
	}
	parts := splitOnce(key, ':')

	c.mu.RLock()
	defer c.mu.RUnlock()
	if obj, ok := c.objects[taggedKey{user, parts[0]}]; ok {
		return obj, nil
	}
	return zero, stateErrorf("failed to get from tagged collection with user=%s key=%s", user, key)
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}

// Remove deletes obj's uuid key and, if present, its tag key.
func (c *TaggedCollection[T]) Remove(obj T) {
	user := obj.ResourceUser()
	uuid := obj.ResourceUUID()
	tag := obj.ResourceTag()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.objects[taggedKey{user, uuid}]; !ok {
		return
	}
	delete(c.objects, taggedKey{user, uuid})
	if tag != "" {
		delete(c.objects, taggedKey{user, tag})
	}
	c.uniques--
}

// Len returns the number of distinct objects (not distinct keys) in the
// collection.
func (c *TaggedCollection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uniques
}

// Values returns every distinct object in the collection, de-duplicating
// the tag-alias entries by only surfacing the canonical (user, uuid) entry
// for each object.
func (c *TaggedCollection[T]) Values() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, c.uniques)
	for k, v := range c.objects {
		if k.key == v.ResourceUUID() {
			out = append(out, v)
		}
	}
	return out
}

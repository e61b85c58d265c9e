package broker

import (
	"sync"

	"github.com/gobwas/glob"
)

// Topics are dot-delimited; '*' matches exactly one segment, so "fs.*"
// matches "fs.file_created" but not "fs.a.b". Compiled patterns are cached
// because the WebSocket layer matches every forwarded event against every
// connection's subscription set.
var (
	patternMu    sync.RWMutex
	patternCache = map[string]glob.Glob{}
)

func compilePattern(pattern string) (glob.Glob, error) {
	patternMu.RLock()
	g, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, err
	}

	patternMu.Lock()
	patternCache[pattern] = g
	patternMu.Unlock()
	return g, nil
}

// TopicMatches reports whether topic matches the glob pattern.
// Invalid patterns match nothing.
func TopicMatches(pattern, topic string) bool {
	g, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return g.Match(topic)
}

// TopicMatchesSymmetric matches in both directions, tolerating clients that
// subscribe to "fs.*" as well as clients that subscribe to the concrete
// "fs.file_created" while events are published under a glob-shaped name.
func TopicMatchesSymmetric(a, b string) bool {
	return TopicMatches(a, b) || TopicMatches(b, a)
}

package toolkit

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Scope prefixes used in cache key construction. Every key on the shared
// store follows `<appName>-<scope>#<topic>:<name>[:tag:value...]`.
const (
	ScopeServer  = "server"
	ScopeWorker  = "worker"
	ScopeMonitor = "monitor"
	ScopeGlobal  = "global"
)

var appName atomic.Value

func init() {
	appName.Store("DataFluxFunc")
}

// SetAppName overrides the key prefix. Called once during config load.
func SetAppName(name string) {
	if name != "" {
		appName.Store(name)
	}
}

// AppName returns the current key prefix.
func AppName() string {
	return appName.Load().(string)
}

// ColonTags joins tag name/value pairs with colons: ["a", "1", "b", "2"] -> "a:1:b:2".
func ColonTags(tags ...string) string {
	return strings.Join(tags, ":")
}

// CacheKey builds a cache key in the given scope.
func CacheKey(scope, topic, name string, tags ...string) string {
	key := fmt.Sprintf("%s-%s#%s:%s", AppName(), scope, topic, name)
	if len(tags) > 0 {
		key += ":" + ColonTags(tags...)
	}
	return key
}

// WorkerCacheKey builds a key in the worker scope.
func WorkerCacheKey(topic, name string, tags ...string) string {
	return CacheKey(ScopeWorker, topic, name, tags...)
}

// GlobalCacheKey builds a key in the global scope.
func GlobalCacheKey(topic, name string, tags ...string) string {
	return CacheKey(ScopeGlobal, topic, name, tags...)
}

// MonitorCacheKey builds a key in the monitor scope.
func MonitorCacheKey(topic, name string, tags ...string) string {
	return CacheKey(ScopeMonitor, topic, name, tags...)
}

// WorkerQueueKey returns the FIFO list key for a worker queue index.
func WorkerQueueKey(queue int) string {
	return fmt.Sprintf("%s-worker#worker_queue:%d", AppName(), queue)
}

// DelayQueueKey returns the sorted-set key for a delay queue index.
func DelayQueueKey(queue int) string {
	return fmt.Sprintf("%s-worker#delay_queue:%d", AppName(), queue)
}

// GenTaskID returns a unique task id.
func GenTaskID() string {
	return "task-" + uuid.NewString()
}

// GenUUID returns a plain random UUID string.
func GenUUID() string {
	return uuid.NewString()
}

// GenRandString returns a hex string of n random bytes (32 chars for n=16).
func GenRandString(n int) string {
	if n <= 0 {
		n = 16
	}
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

var timeSerialSeq atomic.Int64

// GenTimeSerialSeq returns a process-unique, time-prefixed serial like
// "20260802153045-17". Used for worker ids.
func GenTimeSerialSeq() string {
	return fmt.Sprintf("%s-%d", time.Now().UTC().Format("20060102150405"), timeSerialSeq.Add(1))
}

// MD5 returns the lowercase hex MD5 digest of s.
func MD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// JSONDumps marshals v, falling back to "null" on error. Used on paths
// where a marshal failure must not abort a task record.
func JSONDumps(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// LimitText truncates s to maxLen runes, appending a length tip when cut.
func LimitText(s string, maxLen int) string {
	runes := []rune(s)
	if maxLen <= 0 || len(runes) <= maxLen {
		return s
	}
	return fmt.Sprintf("%s... <%d chars in total>", string(runes[:maxLen]), len(runes))
}

// SplitByBytes splits s into chunks of at most pageBytes bytes, never
// breaking inside a UTF-8 sequence.
func SplitByBytes(s string, pageBytes int) []string {
	if pageBytes <= 0 || len(s) <= pageBytes {
		return []string{s}
	}

	var parts []string
	remain := s
	for len(remain) > pageBytes {
		cut := pageBytes
		for cut > 0 && (remain[cut]&0xC0) == 0x80 {
			cut--
		}
		if cut == 0 {
			cut = pageBytes
		}
		parts = append(parts, remain[:cut])
		remain = remain[cut:]
	}
	if len(remain) > 0 {
		parts = append(parts, remain)
	}
	return parts
}

// ISOTime formats a unix-seconds timestamp (fractional allowed) in the
// given location.
func ISOTime(ts float64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).In(loc).Format(time.RFC3339)
}

// UniqSortedInts deduplicates and sorts a list of ints.
func UniqSortedInts(in []int) []int {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

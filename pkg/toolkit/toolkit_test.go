package toolkit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeys(t *testing.T) {
	SetAppName("DataFluxFunc")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "worker scope with tags",
			got:  WorkerCacheKey("lock", "task", "task", "Internal.AutoClean"),
			want: "DataFluxFunc-worker#lock:task:task:Internal.AutoClean",
		},
		{
			name: "global scope without tags",
			got:  GlobalCacheKey("task", "response"),
			want: "DataFluxFunc-global#task:response",
		},
		{
			name: "monitor scope",
			got:  MonitorCacheKey("heartbeat", "serviceInfo"),
			want: "DataFluxFunc-monitor#heartbeat:serviceInfo",
		},
		{
			name: "worker queue",
			got:  WorkerQueueKey(3),
			want: "DataFluxFunc-worker#worker_queue:3",
		},
		{
			name: "delay queue",
			got:  DelayQueueKey(0),
			want: "DataFluxFunc-worker#delay_queue:0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestAESRoundTrip(t *testing.T) {
	secret := "app-secret"
	salt := "cnct-xxxxxxxx"

	enciphered, err := EncipherByAES("my-db-password", secret, salt)
	require.NoError(t, err)
	require.NotEqual(t, "my-db-password", enciphered)

	plain, err := DecipherByAES(enciphered, secret, salt)
	require.NoError(t, err)
	assert.Equal(t, "my-db-password", plain)

	// A different salt must not decipher to the original.
	wrong, err := DecipherByAES(enciphered, secret, "cnct-other")
	if err == nil {
		assert.NotEqual(t, "my-db-password", wrong)
	}
}

func TestSplitByBytes(t *testing.T) {
	parts := SplitByBytes(strings.Repeat("a", 10), 4)
	assert.Equal(t, []string{"aaaa", "aaaa", "aa"}, parts)

	// Multi-byte runes are never split in the middle.
	parts = SplitByBytes("日本語", 4)
	for _, p := range parts {
		assert.True(t, len(p) <= 4)
		assert.Equal(t, p, string([]rune(p)))
	}

	assert.Equal(t, []string{"short"}, SplitByBytes("short", 100))
}

func TestLimitText(t *testing.T) {
	assert.Equal(t, "hello", LimitText("hello", 10))

	limited := LimitText(strings.Repeat("x", 100), 10)
	assert.Contains(t, limited, "100 chars in total")
}

func TestUniqSortedInts(t *testing.T) {
	assert.Equal(t, []int{0, 5, 30, 60}, UniqSortedInts([]int{60, 5, 30, 5, 0, 60}))
	assert.Empty(t, UniqSortedInts(nil))
}

func TestGenTimeSerialSeq(t *testing.T) {
	a := GenTimeSerialSeq()
	b := GenTimeSerialSeq()
	assert.NotEqual(t, a, b)
}

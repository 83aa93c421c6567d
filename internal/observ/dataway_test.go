package observ

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLineProtocol(t *testing.T) {
	points := []*Point{
		{
			Measurement: "DFF_task_record",
			Tags:        map[string]any{"queue": "1", "task_status": "success"},
			Fields:      map[string]any{"message": `hello "world"`, "run_cost": int64(12)},
			Timestamp:   1754100000,
		},
	}

	encoded := encodeLineProtocol(points)

	assert.True(t, strings.HasPrefix(encoded, "DFF_task_record,"))
	assert.Contains(t, encoded, "queue=1")
	assert.Contains(t, encoded, "task_status=success")
	assert.Contains(t, encoded, `message="hello \"world\""`)
	assert.Contains(t, encoded, "run_cost=12i")
	assert.Contains(t, encoded, " 1754100000\n")

	// Tags render in sorted order for stable output.
	assert.Less(t, strings.Index(encoded, "queue="), strings.Index(encoded, "task_status="))
}

func TestPostPoints(t *testing.T) {
	var gotPath string
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dw := NewDataWay(server.URL, 0)
	err := dw.PostPoints(context.Background(), "metric", []*Point{
		{Measurement: "m", Fields: map[string]any{"v": int64(1)}, Timestamp: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/write/metric", gotPath)
	assert.Contains(t, gotBody, "m v=1i 1")
}

func TestPostLoggingPointSplits(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		bodies = append(bodies, string(buf))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dw := NewDataWay(server.URL, 10)
	point := &Point{
		Measurement: "DFF_task_record_func",
		Fields:      map[string]any{"message": strings.Repeat("x", 25)},
		Timestamp:   100,
	}
	require.NoError(t, dw.PostLoggingPoint(context.Background(), point))

	// 25 bytes at 10 per page: three numbered pages.
	require.Len(t, bodies, 3)
	assert.Contains(t, bodies[0], "message_page_count=3i")
	assert.Contains(t, bodies[0], "message_page_number=1i")
	assert.Contains(t, bodies[2], "message_page_number=3i")
}

func TestPostPointsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dw := NewDataWay(server.URL, 0)
	err := dw.PostPoints(context.Background(), "metric", []*Point{
		{Measurement: "m", Fields: map[string]any{"v": int64(1)}, Timestamp: 1},
	})
	assert.Error(t, err)
}

// Package observ is the observability pipeline: heartbeat reporting,
// buffered task records and the external line-protocol sink.
package observ

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// Point is one line-protocol data point for the external sink.
type Point struct {
	Measurement string         `json:"measurement"`
	Tags        map[string]any `json:"tags"`
	Fields      map[string]any `json:"fields"`
	Timestamp   int64          `json:"timestamp"`
}

// DataWay posts points to the external observability sink. Upload
// failures are non-critical: callers collect them, they never fail a
// task.
type DataWay struct {
	client  *resty.Client
	baseURL string

	// LoggingSplitBytes chunks large log messages; each chunk carries
	// its page number.
	LoggingSplitBytes int
}

func NewDataWay(url string, loggingSplitBytes int) *DataWay {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(time.Second)

	return &DataWay{
		client:            client,
		baseURL:           strings.TrimRight(url, "/"),
		LoggingSplitBytes: loggingSplitBytes,
	}
}

// encodeLineProtocol renders points in the sink's line-protocol shape.
func encodeLineProtocol(points []*Point) string {
	var sb strings.Builder
	for _, p := range points {
		sb.WriteString(escapeLP(p.Measurement))

		tagKeys := make([]string, 0, len(p.Tags))
		for k := range p.Tags {
			tagKeys = append(tagKeys, k)
		}
		sort.Strings(tagKeys)
		for _, k := range tagKeys {
			sb.WriteString(",")
			sb.WriteString(escapeLP(k))
			sb.WriteString("=")
			sb.WriteString(escapeLP(fmt.Sprintf("%v", p.Tags[k])))
		}

		sb.WriteString(" ")

		fieldKeys := make([]string, 0, len(p.Fields))
		for k := range p.Fields {
			fieldKeys = append(fieldKeys, k)
		}
		sort.Strings(fieldKeys)
		for i, k := range fieldKeys {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(escapeLP(k))
			sb.WriteString("=")
			switch v := p.Fields[k].(type) {
			case string:
				sb.WriteString(`"` + strings.ReplaceAll(v, `"`, `\"`) + `"`)
			case bool:
				sb.WriteString(fmt.Sprintf("%v", v))
			case int, int64:
				sb.WriteString(fmt.Sprintf("%di", v))
			default:
				sb.WriteString(fmt.Sprintf("%v", v))
			}
		}

		sb.WriteString(fmt.Sprintf(" %d\n", p.Timestamp))
	}
	return sb.String()
}

func escapeLP(s string) string {
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, " ", `\ `)
	s = strings.ReplaceAll(s, "=", `\=`)
	return s
}

// PostPoints uploads points of one category (metric, logging, ...).
func (d *DataWay) PostPoints(ctx context.Context, category string, points []*Point) error {
	if len(points) == 0 {
		return nil
	}

	body := encodeLineProtocol(points)
	path := fmt.Sprintf("/v1/write/%s", category)

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetBody(body).
		Post(d.baseURL + path)
	if err != nil {
		return fmt.Errorf("dataway post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dataway post: status %d", resp.StatusCode())
	}
	return nil
}

// PostLoggingPoint uploads one logging point, splitting an oversized
// message field into numbered pages. Page timestamps are offset by one
// to keep ordering at the sink.
func (d *DataWay) PostLoggingPoint(ctx context.Context, point *Point) error {
	message, _ := point.Fields["message"].(string)
	if d.LoggingSplitBytes <= 0 || len(message) <= d.LoggingSplitBytes {
		return d.PostPoints(ctx, "logging", []*Point{point})
	}

	pages := toolkit.SplitByBytes(message, d.LoggingSplitBytes)
	baseTimestamp := point.Timestamp * 1000 * 1000

	for i, page := range pages {
		paged := &Point{
			Measurement: point.Measurement,
			Tags:        point.Tags,
			Fields:      map[string]any{},
			Timestamp:   baseTimestamp + int64(i),
		}
		for k, v := range point.Fields {
			paged.Fields[k] = v
		}
		paged.Fields["message"] = page
		paged.Fields["message_page_count"] = len(pages)
		paged.Fields["message_page_number"] = i + 1

		if err := d.PostPoints(ctx, "logging", []*Point{paged}); err != nil {
			return err
		}
	}
	return nil
}

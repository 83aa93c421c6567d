package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/task"
)

// connectorCtx bounds connector probes and queries by the dedicated
// connector timeout, which is far larger than regular task timeouts.
func connectorCtx(ctx context.Context, deps *Deps) (context.Context, context.CancelFunc) {
	timeout := time.Duration(deps.Cfg.ConnectorQueryTimeout) * time.Second
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// CheckConnector builds a client from an inline connector config and
// probes it. Used by the admin surface before saving a connector.
type CheckConnector struct {
	t    *task.Task
	deps *Deps
}

func (c *CheckConnector) Run(ctx context.Context) (any, error) {
	kwargs := c.t.Req.Kwargs

	connectorType := kwString(kwargs, "type")
	configJSON := kwString(kwargs, "configJSON")
	connectorID := kwString(kwargs, "id")
	if connectorID == "" {
		connectorID = "connector-check"
	}

	checkCtx, cancel := connectorCtx(ctx, c.deps)
	defer cancel()

	client, err := c.deps.Connectors.BuildUnchecked(checkCtx, connectorID, connectorType, configJSON)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	if err := client.Check(checkCtx); err != nil {
		return nil, fmt.Errorf("connector check failed: %w", err)
	}
	return map[string]any{"ok": true}, nil
}

// QueryConnector runs a typed query statement against a stored
// connector with the large dedicated connector timeout.
type QueryConnector struct {
	t    *task.Task
	deps *Deps
}

func (q *QueryConnector) Run(ctx context.Context) (any, error) {
	kwargs := q.t.Req.Kwargs

	connectorID := kwString(kwargs, "connectorId")
	statement := kwString(kwargs, "queryStatement")
	if connectorID == "" || statement == "" {
		return nil, fmt.Errorf("connectorId and queryStatement are required")
	}

	row, err := q.deps.Store.GetConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("connector not found: `%s`", connectorID)
	}

	client, err := q.deps.Connectors.Get(ctx, row)
	if err != nil {
		return nil, err
	}

	var args []any
	if raw, ok := kwargs["queryArgs"].([]any); ok {
		args = raw
	}

	queryCtx, cancel := connectorCtx(ctx, q.deps)
	defer cancel()

	result, err := client.Query(queryCtx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("connector query failed: %w", err)
	}
	return result, nil
}

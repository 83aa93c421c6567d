package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// Connector kinds supported by the CONN helper.
const (
	ConnectorRedis      = "redis"
	ConnectorPostgreSQL = "postgresql"
	ConnectorSQLite     = "sqlite"
	ConnectorHTTP       = "http"
	ConnectorDataWay    = "dataway"
	ConnectorPrometheus = "prometheus"
)

// cipherFields in connector configs are stored AES-enciphered with the
// connector row id as salt.
var cipherFields = []string{"password", "secretKey", "apiKey", "token"}

// DecipherConnectorConfig decodes configJSON and deciphers its cipher
// fields in place.
func DecipherConnectorConfig(connectorID, configJSON, secret string) (map[string]any, error) {
	config := map[string]any{}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConnectorConfig, err.Error())
		}
	}

	for _, field := range cipherFields {
		enciphered, ok := config[field+"Cipher"].(string)
		if !ok || enciphered == "" {
			continue
		}
		plain, err := toolkit.DecipherByAES(enciphered, secret, connectorID)
		if err != nil {
			return nil, fmt.Errorf("%w: decipher `%s`: %s", ErrInvalidConnectorConfig, field, err.Error())
		}
		config[field] = plain
		delete(config, field+"Cipher")
	}
	return config, nil
}

// ConnectorClient is what CONN.get returns: a checked, pooled handle
// to one external system.
type ConnectorClient interface {
	Check(ctx context.Context) error
	Query(ctx context.Context, statement string, args ...any) (any, error)
	Close() error
}

// ConnectorPool caches connector clients per process, keyed by id and
// config digest so edited connectors get fresh clients.
type ConnectorPool struct {
	secret   string
	poolSize int

	mu      sync.Mutex
	clients map[string]ConnectorClient
}

func NewConnectorPool(secret string, poolSize int) *ConnectorPool {
	if poolSize <= 0 {
		poolSize = 2
	}
	return &ConnectorPool{
		secret:   secret,
		poolSize: poolSize,
		clients:  map[string]ConnectorClient{},
	}
}

// Get builds (or reuses) the client for a connector row.
func (p *ConnectorPool) Get(ctx context.Context, c *metastore.Connector) (ConnectorClient, error) {
	cacheKey := c.ID + "@" + toolkit.MD5(c.ConfigJSON)

	p.mu.Lock()
	if client, ok := p.clients[cacheKey]; ok {
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	config, err := DecipherConnectorConfig(c.ID, c.ConfigJSON, p.secret)
	if err != nil {
		return nil, err
	}

	client, err := p.build(ctx, c.Type, config)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	// Drop stale clients for the same connector id.
	for key, old := range p.clients {
		if strings.HasPrefix(key, c.ID+"@") {
			_ = old.Close()
			delete(p.clients, key)
		}
	}
	p.clients[cacheKey] = client
	p.mu.Unlock()

	return client, nil
}

func (p *ConnectorPool) build(ctx context.Context, kind string, config map[string]any) (ConnectorClient, error) {
	switch kind {
	case ConnectorRedis:
		return newRedisConnector(config, p.poolSize)
	case ConnectorPostgreSQL:
		return newPostgresConnector(ctx, config, p.poolSize)
	case ConnectorSQLite:
		return newSQLiteConnector(config, p.poolSize)
	case ConnectorHTTP, ConnectorDataWay:
		return newHTTPConnector(config), nil
	case ConnectorPrometheus:
		return newPrometheusConnector(config), nil
	default:
		return nil, fmt.Errorf("%w: `%s`", ErrConnectorNotSupport, kind)
	}
}

// BuildUnchecked builds a one-off client from an inline config without
// entering the cache. The caller owns the client.
func (p *ConnectorPool) BuildUnchecked(ctx context.Context, connectorID, kind, configJSON string) (ConnectorClient, error) {
	config, err := DecipherConnectorConfig(connectorID, configJSON, p.secret)
	if err != nil {
		return nil, err
	}
	return p.build(ctx, kind, config)
}

// Close shuts down all cached clients.
func (p *ConnectorPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, client := range p.clients {
		_ = client.Close()
	}
	p.clients = map[string]ConnectorClient{}
}

func configString(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func configInt(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

type redisConnector struct {
	client *redis.Client
}

func newRedisConnector(config map[string]any, poolSize int) (*redisConnector, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", configString(config, "host", "localhost"), configInt(config, "port", 6379)),
		Password: configString(config, "password", ""),
		DB:       configInt(config, "db", 0),
		PoolSize: poolSize,
	})
	return &redisConnector{client: client}, nil
}

func (c *redisConnector) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Query runs one Redis command: statement is the command name, args
// its operands.
func (c *redisConnector) Query(ctx context.Context, statement string, args ...any) (any, error) {
	cmdArgs := append([]any{statement}, args...)
	return c.client.Do(ctx, cmdArgs...).Result()
}

func (c *redisConnector) Close() error {
	return c.client.Close()
}

type postgresConnector struct {
	pool *pgxpool.Pool
}

func newPostgresConnector(ctx context.Context, config map[string]any, poolSize int) (*postgresConnector, error) {
	url := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		configString(config, "user", "postgres"),
		configString(config, "password", ""),
		configString(config, "host", "localhost"),
		configInt(config, "port", 5432),
		configString(config, "database", "postgres"),
		poolSize)

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConnectorConfig, err.Error())
	}
	return &postgresConnector{pool: pool}, nil
}

func (c *postgresConnector) Check(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *postgresConnector) Query(ctx context.Context, statement string, args ...any) (any, error) {
	rows, err := c.pool.Query(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := map[string]any{}
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *postgresConnector) Close() error {
	c.pool.Close()
	return nil
}

type sqliteConnector struct {
	db *sql.DB
}

func newSQLiteConnector(config map[string]any, poolSize int) (*sqliteConnector, error) {
	db, err := sql.Open("sqlite3", configString(config, "path", ":memory:"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConnectorConfig, err.Error())
	}
	db.SetMaxOpenConns(poolSize)
	return &sqliteConnector{db: db}, nil
}

func (c *sqliteConnector) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *sqliteConnector) Query(ctx context.Context, statement string, args ...any) (any, error) {
	rows, err := c.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := map[string]any{}
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *sqliteConnector) Close() error {
	return c.db.Close()
}

type httpConnector struct {
	client  *resty.Client
	baseURL string
}

func newHTTPConnector(config map[string]any) *httpConnector {
	client := resty.New().
		SetTimeout(time.Duration(configInt(config, "timeout", 10)) * time.Second).
		SetRetryCount(configInt(config, "retries", 0))
	if token := configString(config, "token", ""); token != "" {
		client.SetHeader("X-Token", token)
	}
	return &httpConnector{
		client:  client,
		baseURL: strings.TrimRight(configString(config, "url", ""), "/"),
	}
}

func (c *httpConnector) Check(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get(c.baseURL)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode())
	}
	return nil
}

// Query performs a request: statement is "<METHOD> <path>", the first
// arg (when present) is the body.
func (c *httpConnector) Query(ctx context.Context, statement string, args ...any) (any, error) {
	method, path := "GET", statement
	if parts := strings.SplitN(statement, " ", 2); len(parts) == 2 {
		method, path = strings.ToUpper(parts[0]), parts[1]
	}

	req := c.client.R().SetContext(ctx)
	if len(args) > 0 {
		req.SetBody(args[0])
	}

	resp, err := req.Execute(method, c.baseURL+path)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return string(resp.Body()), nil
	}
	return decoded, nil
}

func (c *httpConnector) Close() error {
	return nil
}

type prometheusConnector struct {
	client  *resty.Client
	baseURL string
}

func newPrometheusConnector(config map[string]any) *prometheusConnector {
	return &prometheusConnector{
		client:  resty.New().SetTimeout(time.Duration(configInt(config, "timeout", 30)) * time.Second),
		baseURL: strings.TrimRight(configString(config, "url", "http://localhost:9090"), "/"),
	}
}

func (c *prometheusConnector) Check(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get(c.baseURL + "/-/healthy")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("prometheus returned status %d", resp.StatusCode())
	}
	return nil
}

// Query runs a PromQL instant query; the optional first arg is the
// evaluation time.
func (c *prometheusConnector) Query(ctx context.Context, statement string, args ...any) (any, error) {
	req := c.client.R().SetContext(ctx).SetQueryParam("query", statement)
	if len(args) > 0 {
		req.SetQueryParam("time", fmt.Sprintf("%v", args[0]))
	}

	resp, err := req.Get(c.baseURL + "/api/v1/query")
	if err != nil {
		return nil, err
	}

	var decoded map[string]any
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return nil, fmt.Errorf("decode prometheus response: %w", err)
	}
	if status, _ := decoded["status"].(string); status != "success" {
		return nil, fmt.Errorf("prometheus query failed: %v", decoded["error"])
	}
	return decoded["data"], nil
}

func (c *prometheusConnector) Close() error {
	return nil
}

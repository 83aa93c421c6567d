// Package metastore is the row-oriented metadata store: Scripts,
// Functions, Cron Jobs, APIs, Connectors, Env Variables, Func Store
// and Task Records, with seq-based rolling retention.
package metastore

import (
	"encoding/json"
	"time"
)

// Table names. The biz_ prefix carries user-managed entities, wat_
// carries platform tables.
const (
	TableScriptSet      = "biz_main_script_set"
	TableScript         = "biz_main_script"
	TableFunc           = "biz_main_func"
	TableCronJob        = "biz_main_cron_job"
	TableSyncAPI        = "biz_main_sync_api"
	TableAsyncAPI       = "biz_main_async_api"
	TableConnector      = "biz_main_connector"
	TableEnvVariable    = "biz_main_env_variable"
	TableFuncStore      = "biz_main_func_store"
	TableTaskRecord     = "biz_main_task_record"
	TableTaskRecordFunc = "biz_main_task_record_func"
	TableUser           = "wat_main_user"
	TableSystemSetting  = "wat_main_system_setting"
)

// ScriptSet groups scripts; script ids embed the set id as
// `scriptSet__name`.
type ScriptSet struct {
	Seq        int64
	ID         string
	Title      string
	CreateTime time.Time
	UpdateTime time.Time
}

// Script is one unit of user code, published and draft.
type Script struct {
	Seq            int64
	ID             string
	ScriptSetID    string
	Title          string
	PublishVersion int64
	Code           string
	CodeMD5        string
	CodeDraft      string
	CodeDraftMD5   string
	CreateTime     time.Time
	UpdateTime     time.Time
}

// FuncExtraConfig is the per-function control block stored in
// extraConfigJSON.
type FuncExtraConfig struct {
	Timeout           *int               `json:"timeout,omitempty"`
	Expires           *int               `json:"expires,omitempty"`
	Queue             *int               `json:"queue,omitempty"`
	CacheResult       *float64           `json:"cacheResult,omitempty"`
	FixedCronExpr     string             `json:"fixedCronExpr,omitempty"`
	DelayedCronJob    []int              `json:"delayedCronJob,omitempty"`
	IntegrationConfig *IntegrationConfig `json:"integrationConfig,omitempty"`
}

// IntegrationConfig configures integration functions.
type IntegrationConfig struct {
	CronExpr        string `json:"cronExpr,omitempty"`
	OnSystemLaunch  bool   `json:"onSystemLaunch,omitempty"`
	OnScriptPublish bool   `json:"onScriptPublish,omitempty"`
}

// Func is an exported function of a script; id = scriptId + "." + name.
type Func struct {
	Seq             int64
	ID              string
	ScriptSetID     string
	ScriptID        string
	Name            string
	Title           string
	Category        string
	Integration     string
	TagsJSON        string
	ExtraConfigJSON string

	// Joined titles for task kwargs.
	ScriptSetTitle string
	ScriptTitle    string
}

// ExtraConfig decodes extraConfigJSON, returning an empty config on
// null or malformed rows.
func (f *Func) ExtraConfig() *FuncExtraConfig {
	cfg := &FuncExtraConfig{}
	if f.ExtraConfigJSON == "" {
		return cfg
	}
	if err := json.Unmarshal([]byte(f.ExtraConfigJSON), cfg); err != nil {
		return &FuncExtraConfig{}
	}
	return cfg
}

// CronJob binds a function to a cron expression.
type CronJob struct {
	Seq                int64
	ID                 string
	FuncID             string
	FuncCallKwargsJSON string
	CronExpr           string
	Timezone           string
	TaskRecordLimit    *int
	IsDisabled         bool
	ExpireTime         *int64

	// Joined function data.
	FuncExtraConfigJSON string
	ScriptSetTitle      string
	ScriptTitle         string
	FuncTitle           string

	// Runtime-only flags joined from caches by the starter.
	IsPaused        bool
	DynamicCronExpr string
}

// FuncCallKwargs decodes the stored call kwargs.
func (c *CronJob) FuncCallKwargs() map[string]any {
	out := map[string]any{}
	if c.FuncCallKwargsJSON != "" {
		_ = json.Unmarshal([]byte(c.FuncCallKwargsJSON), &out)
	}
	return out
}

// FuncExtraConfig decodes the joined function extra config.
func (c *CronJob) FuncExtraConfig() *FuncExtraConfig {
	cfg := &FuncExtraConfig{}
	if c.FuncExtraConfigJSON != "" {
		if err := json.Unmarshal([]byte(c.FuncExtraConfigJSON), cfg); err != nil {
			return &FuncExtraConfig{}
		}
	}
	return cfg
}

// EffectiveCronExpr resolves dynamic > fixed > row expression.
func (c *CronJob) EffectiveCronExpr() string {
	if c.DynamicCronExpr != "" {
		return c.DynamicCronExpr
	}
	if fixed := c.FuncExtraConfig().FixedCronExpr; fixed != "" {
		return fixed
	}
	return c.CronExpr
}

// APIEntry is a Sync or Async API row; trigger mode differs only in
// default queue and timeout.
type APIEntry struct {
	Seq                int64
	ID                 string
	FuncID             string
	FuncCallKwargsJSON string
	APIAuthID          string
	TaskRecordLimit    *int
	IsDisabled         bool
	ExpireTime         *int64
}

// Connector is an external system binding; cipher fields in ConfigJSON
// are AES-enciphered with the row id as salt.
type Connector struct {
	Seq        int64
	ID         string
	Title      string
	Type       string
	ConfigJSON string
}

// Env variable auto type castings.
const (
	CastInteger    = "integer"
	CastFloat      = "float"
	CastBoolean    = "boolean"
	CastJSON       = "json"
	CastCommaArray = "commaArray"
	CastPassword   = "password"
	CastString     = "string"
)

// EnvVariable is a typed user setting; password values are enciphered.
type EnvVariable struct {
	Seq             int64
	ID              string
	Title           string
	AutoTypeCasting string
	ValueTEXT       string
}

// FuncStoreEntry is a durable scoped key/value row; at most one row
// per (scope, key).
type FuncStoreEntry struct {
	Seq       int64
	ID        string
	Scope     string
	Key       string
	ValueJSON string
	ExpireAt  *int64
}

// TaskRecord is the append-only task history row.
type TaskRecord struct {
	Seq           int64
	ID            string
	Name          string
	KwargsJSON    string
	TriggerTimeMS int64
	StartTimeMS   int64
	EndTimeMS     int64
	Queue         int
	Delay         int
	Timeout       int
	Expires       int
	IgnoreResult  bool
	ResultJSON    string
	Status        string
	ExceptionType string
	ExceptionTEXT string
	TracebackTEXT string
}

// TaskRecordFunc is the function-run history row.
type TaskRecordFunc struct {
	Seq                   int64
	ID                    string
	RootTaskID            string
	ScriptSetID           string
	ScriptID              string
	FuncID                string
	FuncCallKwargsJSON    string
	Origin                string
	OriginID              string
	CronExpr              string
	CallChainJSON         string
	TriggerTimeMS         int64
	StartTimeMS           int64
	EndTimeMS             int64
	Delay                 int
	Queue                 int
	Timeout               int
	Expires               int
	IgnoreResult          bool
	Status                string
	ExceptionType         string
	ExceptionTEXT         string
	TracebackTEXT         string
	NonCriticalErrorsTEXT string
	PrintLogsTEXT         string
	ReturnValueJSON       string
	ResponseControlJSON   string
}

// SystemSetting is a platform toggle row with a JSON value.
type SystemSetting struct {
	ID    string
	Value string
}

// System setting ids read by the engine.
const (
	SettingLocalFuncTaskRecordEnabled = "LOCAL_FUNC_TASK_RECORD_ENABLED"
	SettingGuanceDataUploadEnabled    = "GUANCE_DATA_UPLOAD_ENABLED"
	SettingGuanceDataUploadURL        = "GUANCE_DATA_UPLOAD_URL"
	SettingGuanceDataSiteName         = "GUANCE_DATA_SITE_NAME"
)

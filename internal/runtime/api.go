package runtime

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// Integration kinds accepted by the API decorator.
var integrationKinds = map[string]string{
	"signin":  "signIn",
	"autorun": "autoRun",
}

// APIDescriptor is the record emitted when a script exports a function
// through the API decorator.
type APIDescriptor struct {
	Name        string                     `json:"name" validate:"required"`
	Title       string                     `json:"title"`
	Definition  string                     `json:"definition"`
	Args        []string                   `json:"args"`
	Kwargs      map[string]map[string]any  `json:"kwargs"`
	ExtraConfig *metastore.FuncExtraConfig `json:"extraConfig"`
	Category    string                     `json:"category"`
	Integration string                     `json:"integration,omitempty"`
	Tags        []string                   `json:"tags,omitempty"`
	DefOrder    int                        `json:"defOrder"`
	IsHidden    bool                       `json:"isHidden"`
}

// APIOptions is the option bag the decorator accepts.
type APIOptions struct {
	FixedCronExpr     string         `json:"fixedCronExpr"`
	DelayedCronJob    []int          `json:"delayedCronJob"`
	Timeout           *int           `json:"timeout"`
	Expires           *int           `json:"expires"`
	CacheResult       *float64       `json:"cacheResult"`
	Queue             *int           `json:"queue"`
	Category          string         `json:"category"`
	Tags              []string       `json:"tags"`
	Integration       string         `json:"integration"`
	IntegrationConfig map[string]any `json:"integrationConfig"`
	IsHidden          bool           `json:"isHidden"`
}

// APIRegistry collects descriptors during script evaluation. Duplicate
// names are rejected.
type APIRegistry struct {
	descriptors []*APIDescriptor
	nameSet     map[string]struct{}

	validate *validator.Validate

	queueCount int
	timeoutMin int
	timeoutMax int
	expiresMin int
	expiresMax int
}

func NewAPIRegistry(queueCount, timeoutMin, timeoutMax, expiresMin, expiresMax int) *APIRegistry {
	return &APIRegistry{
		nameSet:    map[string]struct{}{},
		validate:   validator.New(),
		queueCount: queueCount,
		timeoutMin: timeoutMin,
		timeoutMax: timeoutMax,
		expiresMin: expiresMin,
		expiresMax: expiresMax,
	}
}

// Descriptors returns the registered API functions in definition order.
func (r *APIRegistry) Descriptors() []*APIDescriptor {
	return r.descriptors
}

// Register validates the options and records the descriptor.
func (r *APIRegistry) Register(name, title string, opts *APIOptions) (*APIDescriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: function has no name", ErrInvalidAPIOption)
	}
	if _, dup := r.nameSet[name]; dup {
		return nil, fmt.Errorf("%w: two or more functions named `%s`", ErrDuplicatedFuncName, name)
	}
	if opts == nil {
		opts = &APIOptions{}
	}

	extra := &metastore.FuncExtraConfig{}

	if opts.FixedCronExpr != "" {
		if !isFiveFieldCron(opts.FixedCronExpr) {
			return nil, fmt.Errorf("%w: `fixedCronExpr` is not a valid 5-field cron expression", ErrInvalidAPIOption)
		}
		extra.FixedCronExpr = opts.FixedCronExpr
	}

	if len(opts.DelayedCronJob) > 0 {
		extra.DelayedCronJob = toolkit.UniqSortedInts(opts.DelayedCronJob)
	}

	if opts.Timeout != nil {
		if *opts.Timeout < r.timeoutMin || *opts.Timeout > r.timeoutMax {
			return nil, fmt.Errorf("%w: `timeout` should be between %d and %d (seconds)",
				ErrInvalidAPIOption, r.timeoutMin, r.timeoutMax)
		}
		extra.Timeout = opts.Timeout
	}

	if opts.Expires != nil {
		if *opts.Expires < r.expiresMin || *opts.Expires > r.expiresMax {
			return nil, fmt.Errorf("%w: `expires` should be between %d and %d (seconds)",
				ErrInvalidAPIOption, r.expiresMin, r.expiresMax)
		}
		extra.Expires = opts.Expires
	}

	if opts.CacheResult != nil {
		extra.CacheResult = opts.CacheResult
	}

	if opts.Queue != nil {
		if *opts.Queue == 0 {
			return nil, fmt.Errorf("%w: `queue` can't be 0 because the #0 queue is a system queue", ErrInvalidAPIOption)
		}
		if *opts.Queue < 0 || *opts.Queue >= r.queueCount {
			return nil, fmt.Errorf("%w: `queue` should be between 1 and %d", ErrInvalidAPIOption, r.queueCount-1)
		}
		extra.Queue = opts.Queue
	}

	integration := ""
	if opts.Integration != "" {
		fixed, ok := integrationKinds[strings.ToLower(opts.Integration)]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported `integration` value: %s", ErrInvalidAPIOption, opts.Integration)
		}
		integration = fixed

		if len(opts.IntegrationConfig) > 0 {
			ic := &metastore.IntegrationConfig{}
			for k, v := range opts.IntegrationConfig {
				switch strings.ToLower(k) {
				case "cronexpr", "crontab":
					ic.CronExpr, _ = v.(string)
				case "onsystemlaunch", "onlaunch":
					ic.OnSystemLaunch, _ = v.(bool)
				case "onscriptpublish", "onpublish":
					ic.OnScriptPublish, _ = v.(bool)
				default:
					return nil, fmt.Errorf("%w: unsupported `integrationConfig` name: %s", ErrInvalidAPIOption, k)
				}
			}
			extra.IntegrationConfig = ic
		}
	}

	category := opts.Category
	if category == "" {
		category = "general"
	}

	tags := append([]string(nil), opts.Tags...)

	desc := &APIDescriptor{
		Name:        name,
		Title:       title,
		ExtraConfig: extra,
		Category:    category,
		Integration: integration,
		Tags:        tags,
		DefOrder:    len(r.descriptors),
		IsHidden:    opts.IsHidden,
	}

	if err := r.validate.Struct(desc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAPIOption, err.Error())
	}

	r.nameSet[name] = struct{}{}
	r.descriptors = append(r.descriptors, desc)
	return desc, nil
}

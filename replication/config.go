package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/couchpull/changes"
	syncErrors "github.com/c0deZ3R0/couchpull/errors"
	"github.com/c0deZ3R0/couchpull/logging"
	"github.com/c0deZ3R0/couchpull/transport/httptransport"
)

// Config is the file form of a replication.
type Config struct {
	Source      SourceConfig     `json:"source" yaml:"source"`
	Target      TargetConfig     `json:"target" yaml:"target"`
	Feed        FeedConfig       `json:"feed" yaml:"feed"`
	Pull        PullConfig       `json:"pull" yaml:"pull"`
	Checkpoints CheckpointConfig `json:"checkpoints" yaml:"checkpoints"`
	Logging     logging.Config   `json:"logging" yaml:"logging"`
}

// SourceConfig describes the remote database.
type SourceConfig struct {
	URL         string            `json:"url" yaml:"url" validate:"required,url"`
	Username    string            `json:"username" yaml:"username"`
	Password    string            `json:"password" yaml:"password" validate:"required_with=Username"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
	Compression bool              `json:"compression" yaml:"compression"`
	Timeout     Duration          `json:"timeout" yaml:"timeout" validate:"gte=0"`
	UserAgent   string            `json:"user_agent" yaml:"user_agent"`
}

// TargetConfig describes the local store.
type TargetConfig struct {
	Driver string `json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite memory"`
	DSN    string `json:"dsn" yaml:"dsn" validate:"required_if=Driver sqlite"`
	// Name identifies the target in checkpoint keys. Defaults to the DSN.
	Name string `json:"name" yaml:"name"`
}

// FeedConfig selects and tunes the change feed.
type FeedConfig struct {
	Mode        string            `json:"mode" yaml:"mode" validate:"omitempty,oneof=longpoll continuous eventsource"`
	Filter      string            `json:"filter" yaml:"filter" validate:"excluded_with=DesignDoc"`
	DocIDs      []string          `json:"doc_ids" yaml:"doc_ids" validate:"excluded_with=DesignDoc,dive,required"`
	DesignDoc   string            `json:"design_doc" yaml:"design_doc" validate:"required_with=View"`
	View        string            `json:"view" yaml:"view" validate:"required_with=DesignDoc"`
	// Evict removes local documents the view stops emitting.
	Evict         bool      `json:"evict" yaml:"evict" validate:"excluded_without=View"`
	EvictInterval *Duration `json:"evict_interval" yaml:"evict_interval" validate:"omitempty,gt=0"`
	QueryParams map[string]string `json:"query_params" yaml:"query_params"`

	Limit                  *int           `json:"limit" yaml:"limit" validate:"omitempty,gte=0"`
	Heartbeat              *Duration      `json:"heartbeat" yaml:"heartbeat" validate:"omitempty,gte=0"`
	MaxConsecutiveFailures *int           `json:"max_consecutive_failures" yaml:"max_consecutive_failures" validate:"omitempty,gte=0"`
	Backoff                *BackoffConfig `json:"backoff" yaml:"backoff"`
}

// BackoffConfig is the file form of changes.ExponentialBackoff.
type BackoffConfig struct {
	Initial    Duration `json:"initial" yaml:"initial" validate:"gt=0"`
	Max        Duration `json:"max" yaml:"max" validate:"gtefield=Initial"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier" validate:"omitempty,gte=1"`
	Jitter     float64  `json:"jitter" yaml:"jitter" validate:"gte=0,lte=1"`
}

// PullConfig tunes the revision puller.
type PullConfig struct {
	Continuous           bool      `json:"continuous" yaml:"continuous"`
	MaxConcurrentFetches int       `json:"max_concurrent_fetches" yaml:"max_concurrent_fetches" validate:"gte=0"`
	MaxRevisionRetries   *int      `json:"max_revision_retries" yaml:"max_revision_retries" validate:"omitempty,gte=0"`
	BatchSize            int       `json:"batch_size" yaml:"batch_size" validate:"gte=0"`
	BatchDelay           *Duration `json:"batch_delay" yaml:"batch_delay" validate:"omitempty,gte=0"`
	BulkFetchSize        int       `json:"bulk_fetch_size" yaml:"bulk_fetch_size" validate:"gte=0"`
	DrainOnStop          bool      `json:"drain_on_stop" yaml:"drain_on_stop"`
	CheckServer          *bool     `json:"check_server" yaml:"check_server"`
}

// CheckpointConfig selects where checkpoints are kept. "target" stores them
// next to the documents.
type CheckpointConfig struct {
	Driver      string `json:"driver" yaml:"driver" validate:"omitempty,oneof=target postgres none"`
	PostgresURL string `json:"postgres_url" yaml:"postgres_url" validate:"required_if=Driver postgres"`
	Table       string `json:"table" yaml:"table"`
}

// Duration reads "30s"-style strings. Plain numbers are milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x * float64(time.Millisecond)))
	case int:
		*d = Duration(time.Duration(x) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

var (
	validatorInstance *validator.Validate
	validatorOnce     sync.Once
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInstance = validator.New()

		// report fields by their json names
		validatorInstance.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validatorInstance
}

// LoadConfig reads a YAML or JSON configuration file. ${VAR} references
// are expanded from the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfig(data, detectFormat(path))
}

// ParseConfig parses and validates configuration bytes. format is "yaml" or
// "json".
func ParseConfig(data []byte, format string) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration. Errors list every offending field.
func (c *Config) Validate() error {
	err := getValidator().Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return syncErrors.NewValidationError(syncErrors.OpLoad, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		msg := fmt.Sprintf("%s failed %q", ns, fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return syncErrors.NewValidationError(syncErrors.OpLoad,
		fmt.Errorf("invalid config: %s", strings.Join(msgs, "; ")))
}

// FeedSource builds the feed the configuration selects.
func (c *Config) FeedSource() changes.FeedSource {
	if c.Feed.View != "" {
		return changes.ViewFeed{DesignDoc: c.Feed.DesignDoc, View: c.Feed.View, QueryParams: c.Feed.QueryParams, Evict: c.Feed.Evict}
	}
	return changes.DocumentFeed{Filter: c.Feed.Filter, QueryParams: c.Feed.QueryParams, DocIDs: c.Feed.DocIDs}
}

// ReplicationOptions converts the configuration, starting from DefaultOptions.
func (c *Config) ReplicationOptions() (Options, error) {
	o := DefaultOptions()
	o.Feed = c.FeedSource()

	mode, err := changes.ParseMode(c.Feed.Mode)
	if err != nil {
		return Options{}, syncErrors.NewValidationError(syncErrors.OpLoad, err)
	}
	o.Mode = mode
	if c.Feed.Limit != nil {
		o.Limit = *c.Feed.Limit
	}
	if c.Feed.Heartbeat != nil {
		o.Heartbeat = c.Feed.Heartbeat.Std()
	}
	if c.Feed.EvictInterval != nil {
		o.EvictInterval = c.Feed.EvictInterval.Std()
	}
	if c.Feed.MaxConsecutiveFailures != nil {
		o.MaxConsecutiveFailures = *c.Feed.MaxConsecutiveFailures
	}
	if b := c.Feed.Backoff; b != nil {
		mult := b.Multiplier
		if mult == 0 {
			mult = 2
		}
		o.Backoff = &changes.ExponentialBackoff{
			InitialDelay: b.Initial.Std(),
			MaxDelay:     b.Max.Std(),
			Multiplier:   mult,
			Jitter:       b.Jitter,
		}
	}

	o.Continuous = c.Pull.Continuous
	if c.Pull.MaxConcurrentFetches > 0 {
		o.MaxConcurrentFetches = c.Pull.MaxConcurrentFetches
	}
	if c.Pull.MaxRevisionRetries != nil {
		o.MaxRevisionRetries = *c.Pull.MaxRevisionRetries
	}
	if c.Pull.BatchSize > 0 {
		o.BatchSize = c.Pull.BatchSize
	}
	if c.Pull.BatchDelay != nil {
		o.BatchDelay = c.Pull.BatchDelay.Std()
	}
	o.BulkFetchSize = c.Pull.BulkFetchSize
	o.DrainOnStop = c.Pull.DrainOnStop
	if c.Pull.CheckServer != nil {
		o.CheckServer = *c.Pull.CheckServer
	}

	switch {
	case c.Target.Name != "":
		o.Target = c.Target.Name
	case c.Target.DSN != "":
		o.Target = c.Target.DSN
	}
	return o, nil
}

// ClientOptions converts the source section into HTTP client options.
func (c *Config) ClientOptions() []httptransport.ClientOption {
	var opts []httptransport.ClientOption
	if c.Source.Username != "" {
		opts = append(opts, httptransport.WithBasicAuth(c.Source.Username, c.Source.Password))
	}
	keys := make([]string, 0, len(c.Source.Headers))
	for k := range c.Source.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, httptransport.WithHeader(k, c.Source.Headers[k]))
	}
	opts = append(opts, httptransport.WithClientCompression(c.Source.Compression))
	if c.Source.Timeout > 0 {
		opts = append(opts, httptransport.WithClientTimeout(c.Source.Timeout.Std()))
	}
	if c.Source.UserAgent != "" {
		opts = append(opts, httptransport.WithUserAgent(c.Source.UserAgent))
	}
	return opts
}

// detectFormat determines file format from extension.
func detectFormat(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "json":
		return "json"
	default:
		return "yaml"
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/cert-padua/n6pipe/internal/perr"
	"github.com/cert-padua/n6pipe/internal/routing"
)

// envOverrides carries the handful of settings operators expect to override
// from the environment rather than editing n6.ini directly (connection
// strings and secrets, in particular). envdecode.Decode fills it from the
// struct's env tags; empty fields are left untouched so the INI value keeps
// precedence.
type envOverrides struct {
	BrokerDSN         string `env:"N6PIPE_BROKER_DSN"`
	AggregatorDBPath  string `env:"N6PIPE_AGGREGATOR_DBPATH"`
	ComparatorDBPath  string `env:"N6PIPE_COMPARATOR_DBPATH"`
	RecorderURI       string `env:"N6PIPE_RECORDER_URI"`
	PickleCacheSecret string `env:"N6PIPE_PICKLE_CACHE_SECRET"`
}

// BrokerConfig carries the rabbitmq.* keys from spec.md §6, repurposed here
// as the Postgres DSN and connection tuning the broker substrate actually
// uses (see SPEC_FULL.md §11 on the LISTEN/NOTIFY substrate).
type BrokerConfig struct {
	DSN              string
	HeartbeatInterval time.Duration
	PrefetchCount    int
}

// AggregatorConfig carries aggregator.* keys.
type AggregatorConfig struct {
	DBPath       string
	TickInterval time.Duration
	GraceWindow  time.Duration
}

// ComparatorConfig carries comparator.* keys, including the per-source
// change-detection field list resolved for Open Question #1.
type ComparatorConfig struct {
	DBPath                  string
	RetentionAfterDelisting time.Duration
	// SourceChangeFields maps a source name to the list of Event fields
	// (other than expires) that participate in its "changed" equality
	// check. A source with no entry here falls back to "all fields except
	// expires".
	SourceChangeFields map[string][]string
}

// FilterConfig carries filter.* keys.
type FilterConfig struct {
	CategoriesFilteredThroughFQDNOnly []string
}

// RecorderConfig carries recorder.* keys.
type RecorderConfig struct {
	URI                 string
	FatalDBAPIErrorCodes []string
	WaitTimeout         time.Duration
}

// AuthPrefetchConfig carries auth_api_prefetching.* keys.
type AuthPrefetchConfig struct {
	MaxSleepBetweenRuns         time.Duration
	ToleranceForOutdated        time.Duration
	ToleranceForOutdatedOnError time.Duration
	PickleCacheDir              string
	PickleCacheSignatureSecret  string
	RefreshSchedule             string
}

// Config is the fully typed, eagerly validated configuration for one
// component process.
type Config struct {
	Component    string
	Broker       BrokerConfig
	Topology     routing.Topology
	Aggregator   AggregatorConfig
	Comparator   ComparatorConfig
	Filter       FilterConfig
	Recorder     RecorderConfig
	AuthPrefetch AuthPrefetchConfig
}

// Load builds a Config for component from an INI file plus environment
// overrides, validating eagerly so a malformed config fails before any
// connection is opened (PermanentConfig, never entering the run loop).
func Load(component, iniPath string) (*Config, error) {
	ini, err := LoadINIFile(iniPath)
	if err != nil {
		return nil, perr.MissingConfig(iniPath).WithDetails("cause", err.Error())
	}

	cfg := &Config{Component: component}

	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		// envdecode returns an error when none of the target fields were
		// set; treat that as "no overrides" so a plain INI-only config
		// keeps working without exporting any vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env overrides: %w", err)
		}
	}

	rabbit := ini.Section("rabbitmq")
	cfg.Broker.DSN = rabbit["dsn"]
	if env.BrokerDSN != "" {
		cfg.Broker.DSN = env.BrokerDSN
	}
	cfg.Broker.HeartbeatInterval = durationOr(rabbit["heartbeat_interval"], 30*time.Second)
	cfg.Broker.PrefetchCount = intOr(ini.Section(component)["prefetch_count"], 16)

	pipelineSection := ini.Section("pipeline")
	topology := routing.Topology{}
	for comp, statesCSV := range pipelineSection {
		var states []routing.State
		for _, s := range SplitAndTrimCSV(statesCSV) {
			states = append(states, routing.State(s))
		}
		topology[comp] = states
	}
	if len(topology) == 0 {
		topology = routing.DefaultTopology()
	}
	cfg.Topology = topology

	agg := ini.Section("aggregator")
	cfg.Aggregator.DBPath = agg["dbpath"]
	if env.AggregatorDBPath != "" {
		cfg.Aggregator.DBPath = env.AggregatorDBPath
	}
	cfg.Aggregator.TickInterval = durationOr(agg["tick_interval"], 60*time.Second)
	cfg.Aggregator.GraceWindow = durationOr(agg["grace_window"], 1*time.Hour)

	cmp := ini.Section("comparator")
	cfg.Comparator.DBPath = cmp["dbpath"]
	if env.ComparatorDBPath != "" {
		cfg.Comparator.DBPath = env.ComparatorDBPath
	}
	cfg.Comparator.RetentionAfterDelisting = durationOr(cmp["retention_after_delisting"], 90*24*time.Hour)
	cfg.Comparator.SourceChangeFields = parseSourceChangeFields(ini)

	flt := ini.Section("filter")
	cfg.Filter.CategoriesFilteredThroughFQDNOnly = SplitAndTrimCSV(flt["categories_filtered_through_fqdn_only"])

	rec := ini.Section("recorder")
	cfg.Recorder.URI = rec["uri"]
	if env.RecorderURI != "" {
		cfg.Recorder.URI = env.RecorderURI
	}
	cfg.Recorder.FatalDBAPIErrorCodes = SplitAndTrimCSV(rec["fatal_db_api_error_codes"])
	if len(cfg.Recorder.FatalDBAPIErrorCodes) == 0 {
		cfg.Recorder.FatalDBAPIErrorCodes = []string{"53100"} // Postgres disk full
	}
	cfg.Recorder.WaitTimeout = durationOr(rec["wait_timeout"], 10*time.Second)

	auth := ini.Section("auth_api_prefetching")
	cfg.AuthPrefetch.MaxSleepBetweenRuns = durationOrFloor(auth["max_sleep_between_runs"], 30*time.Second, 5*time.Second)
	cfg.AuthPrefetch.ToleranceForOutdated = durationOrFloor(auth["tolerance_for_outdated"], 120*time.Second, 60*time.Second)
	cfg.AuthPrefetch.ToleranceForOutdatedOnError = durationOrFloor(auth["tolerance_for_outdated_on_error"], 300*time.Second, 0)
	cfg.AuthPrefetch.PickleCacheDir = auth["pickle_cache_dir"]
	cfg.AuthPrefetch.PickleCacheSignatureSecret = auth["pickle_cache_signature_secret"]
	if env.PickleCacheSecret != "" {
		cfg.AuthPrefetch.PickleCacheSignatureSecret = env.PickleCacheSecret
	}
	cfg.AuthPrefetch.RefreshSchedule = auth["refresh_schedule"]

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseSourceChangeFields reads [comparator.sources.<source>] change_fields
// entries, resolving Open Question #1: the field list is config, not
// hardcoded.
func parseSourceChangeFields(ini *INI) map[string][]string {
	out := map[string][]string{}
	prefix := "comparator.sources."
	for _, section := range ini.Sections() {
		if !strings.HasPrefix(section, prefix) {
			continue
		}
		source := strings.TrimPrefix(section, prefix)
		fields := SplitAndTrimCSV(ini.Section(section)["change_fields"])
		if len(fields) > 0 {
			out[source] = fields
		}
	}
	return out
}

// Validate enforces that every required key for this component's role is
// present, failing fast before the run loop is entered.
func (c *Config) Validate() error {
	if c.Broker.DSN == "" {
		return perr.MissingConfig("rabbitmq.dsn")
	}
	if err := c.Topology.Validate(); err != nil {
		return &perr.Error{Kind: perr.PermanentConfig, Code: "CONFIG_BAD_TOPOLOGY", Message: err.Error()}
	}
	switch c.Component {
	case "aggregator":
		if c.Aggregator.DBPath == "" {
			return perr.MissingConfig("aggregator.dbpath")
		}
	case "comparator":
		if c.Comparator.DBPath == "" {
			return perr.MissingConfig("comparator.dbpath")
		}
	case "recorder":
		if c.Recorder.URI == "" {
			return perr.MissingConfig("recorder.uri")
		}
	}
	return nil
}

// Bindings returns the binding-key patterns this component's topology entry expands to.
func (c *Config) Bindings() []string {
	return c.Topology.Bindings(c.Component)
}

func durationOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

func durationOrFloor(raw string, def, floor time.Duration) time.Duration {
	d := durationOr(raw, def)
	if d < floor {
		return floor
	}
	return d
}

func intOr(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// TopologyFromYAML parses a YAML topology document (an alternative,
// development-friendly representation of the pipeline.<component> keys) of
// the form:
//
//	aggregator: [parsed]
//	filter: [enriched, compared]
func TopologyFromYAML(path string) (routing.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string][]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse topology yaml: %w", err)
	}
	topology := routing.Topology{}
	for comp, states := range raw {
		var ss []routing.State
		for _, s := range states {
			ss = append(ss, routing.State(s))
		}
		topology[comp] = ss
	}
	return topology, nil
}

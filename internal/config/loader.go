package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/3leaps/pubgate/pkg/cacheflush"
)

// Default file locations probed when no explicit path is given.
var defaultINIPaths = []string{
	"pubgate.ini",
	"/opt/app/config/pubgate.ini",
}

// Load builds Settings from defaults, the INI file (if any) and
// EXODUS_GW_* environment variables.
//
// iniPath may be empty, in which case the default locations are probed
// and a missing file is not an error.
func Load(iniPath string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("exodus_gw")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("ini")
	paths := defaultINIPaths
	if iniPath != "" {
		paths = []string{iniPath}
	}
	for _, p := range paths {
		v.SetConfigFile(p)
		if err := v.MergeInConfig(); err != nil {
			// Only an explicitly named file is required to exist.
			if iniPath != "" {
				return nil, fmt.Errorf("read config %s: %w", p, err)
			}
		}
	}

	s := &Settings{
		ItemYieldSize:            v.GetInt("item_yield_size"),
		WriteBatchSize:           v.GetInt("write_batch_size"),
		WriteMaxTries:            v.GetInt("write_max_tries"),
		WriteMaxWorkers:          v.GetInt("write_max_workers"),
		WriteQueueSize:           v.GetInt("write_queue_size"),
		WriteQueueTimeout:        time.Duration(v.GetInt("write_queue_timeout")) * time.Second,
		PublishTimeout:           time.Duration(v.GetInt("publish_timeout")) * time.Hour,
		TaskDeadline:             time.Duration(v.GetInt("task_deadline")) * time.Hour,
		CDNFlushOnCommit:         v.GetBool("cdn_flush_on_commit"),
		MirrorWritesEnabled:      v.GetBool("mirror_writes_enabled"),
		AutoindexFilename:        v.GetString("autoindex_filename"),
		EntryPointFiles:          SplitList(v.GetString("entry_point_files")),
		Phase2Patterns:           SplitList(v.GetString("phase2_patterns")),
		AutoindexPartialExcludes: SplitList(v.GetString("autoindex_partial_excludes")),
		DBURL:                    v.GetString("db_url"),
		DBServiceUser:            v.GetString("db_service_user"),
		DBServicePass:            v.GetString("db_service_pass"),
		DBServiceHost:            v.GetString("db_service_host"),
		DBServicePort:            v.GetString("db_service_port"),
		BrokerURL:                v.GetString("broker_url"),
		BrokerStream:             v.GetString("broker_stream"),
		BrokerGroup:              v.GetString("broker_group"),
	}

	envs, err := loadEnvironments(v)
	if err != nil {
		return nil, err
	}
	s.Environments = envs

	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("item_yield_size", 5000)
	v.SetDefault("write_batch_size", 25)
	v.SetDefault("write_max_tries", 20)
	v.SetDefault("write_max_workers", 10)
	v.SetDefault("write_queue_size", 1000)
	v.SetDefault("write_queue_timeout", 600)
	v.SetDefault("publish_timeout", 24)
	v.SetDefault("task_deadline", 2)
	v.SetDefault("cdn_flush_on_commit", true)
	v.SetDefault("mirror_writes_enabled", true)
	v.SetDefault("autoindex_filename", ".__exodus_autoindex")
	v.SetDefault("entry_point_files", strings.Join([]string{
		"repomd.xml",
		"repomd.xml.asc",
		"PULP_MANIFEST",
		"PULP_MANIFEST.asc",
		"treeinfo",
		"extra_files.json",
	}, "\n"))
	// Kickstart repos are not cleanly split between entry points and
	// immutable content, so everything except rpms goes to phase 2.
	v.SetDefault("phase2_patterns", `/kickstart/ unless \.rpm$`)
	v.SetDefault("autoindex_partial_excludes", "/kickstart/")

	v.SetDefault("db_url", "")
	v.SetDefault("db_service_user", "pubgate")
	v.SetDefault("db_service_pass", "pubgate")
	v.SetDefault("db_service_host", "pubgate-db")
	v.SetDefault("db_service_port", "5432")

	v.SetDefault("broker_url", "redis://localhost:6379")
	v.SetDefault("broker_stream", "pubgate:commits")
	v.SetDefault("broker_group", "pubgate-workers")
}

// loadEnvironments reads every [env.<name>] section along with the
// [cache_flush.<rule>] sections its cache_flush_rules names.
func loadEnvironments(v *viper.Viper) ([]Environment, error) {
	names := map[string]bool{}
	for _, key := range v.AllKeys() {
		if strings.HasPrefix(key, "env.") {
			parts := strings.Split(key, ".")
			if len(parts) >= 3 {
				names[parts[1]] = true
			}
		}
	}

	var envs []Environment
	for name := range names {
		prefix := "env." + name + "."
		env := Environment{
			Name:        name,
			AWSProfile:  v.GetString(prefix + "aws_profile"),
			Bucket:      v.GetString(prefix + "bucket"),
			Table:       v.GetString(prefix + "table"),
			ConfigTable: v.GetString(prefix + "config_table"),
			CDNURL:      v.GetString(prefix + "cdn_url"),
			CDNKeyID:    v.GetString(prefix + "cdn_key_id"),
		}

		ruleNames := SplitList(v.GetString(prefix + "cache_flush_rules"))
		for _, ruleName := range ruleNames {
			rule, err := loadCacheFlushRule(v, ruleName)
			if err != nil {
				return nil, fmt.Errorf("environment %s: %w", name, err)
			}
			env.CacheFlushRules = append(env.CacheFlushRules, rule)
		}

		envs = append(envs, env)
	}

	return envs, nil
}

func loadCacheFlushRule(v *viper.Viper, name string) (cacheflush.Rule, error) {
	prefix := "cache_flush." + name + "."

	includes := SplitList(v.GetString(prefix + "includes"))
	if len(includes) == 0 {
		// All paths flush by default.
		includes = []string{".*"}
	}
	excludes := SplitList(v.GetString(prefix + "excludes"))

	rule, err := cacheflush.NewRule(cacheflush.RuleConfig{
		Name:      name,
		Templates: SplitList(v.GetString(prefix + "templates")),
		Includes:  includes,
		Excludes:  excludes,
	})
	if err != nil {
		return cacheflush.Rule{}, fmt.Errorf("cache_flush rule %s: %w", name, err)
	}
	return rule, nil
}

// SplitList splits a newline- or comma-separated config value into
// trimmed non-empty elements.
func SplitList(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		for _, elem := range strings.Split(line, ",") {
			if trimmed := strings.TrimSpace(elem); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// phase2PatternRe splits a "MATCH unless UNLESS" phase-2 pattern entry.
var phase2PatternRe = regexp.MustCompile(`^(.*?)\s+unless\s+(.*)$`)

// ParsePhase2Pattern splits one Phase2Patterns entry into its match and
// optional unless expressions.
func ParsePhase2Pattern(raw string) (match, unless string) {
	if m := phase2PatternRe.FindStringSubmatch(raw); m != nil {
		return m[1], m[2]
	}
	return raw, ""
}

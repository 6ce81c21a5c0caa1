package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"fastproxy_pool/internal/shared/types"
)

const (
	DefaultProbeTarget     = "http://www.gstatic.com/generate_204"
	DefaultMaxConcurrency  = 50
	DefaultProbeTimeout    = 10
	DefaultRefreshInterval = 30
	DefaultRetestHours     = 24
)

// Default 返回所有字段都填充默认值的配置。
func Default() *types.Config {
	return &types.Config{
		LogConf: types.LogConf{Level: "info"},
		ProxyPoolConf: types.ProxyPoolConf{
			ProxyDir:                "proxy_files",
			BlacklistFile:           "blacklisted_proxies.txt",
			WorkingFile:             "working_proxies.txt",
			Storage:                 "file",
			SQLiteFile:              "proxypool.db",
			MaxConcurrency:          DefaultMaxConcurrency,
			ProbeTimeoutSeconds:     DefaultProbeTimeout,
			ProbeTarget:             DefaultProbeTarget,
			HTMLSources:             []string{"https://free-proxy-list.net/", "https://www.sslproxies.org/"},
			RefreshIntervalMinutes:  DefaultRefreshInterval,
			BlacklistRetestHours:    DefaultRetestHours,
			IncludeWorkingInRefresh: true,
		},
	}
}

// LoadIni 在默认值之上加载 fastproxy.ini，然后应用环境变量覆盖。
// 文件不存在时直接使用默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	if _, err := os.Stat(fileName); err == nil {
		iniFile, err := ini.Load(fileName)
		if err != nil {
			return err
		}
		if err := iniFile.MapTo(cfg); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	overrideFromEnvInt(&cfg.ProxyPoolConf.MaxConcurrency, "FASTPROXY_MAX_CONCURRENCY")
	overrideFromEnvInt(&cfg.ProxyPoolConf.ProbeTimeoutSeconds, "FASTPROXY_PROBE_TIMEOUT")
	overrideFromEnvString(&cfg.ProxyPoolConf.ProxyDir, "FASTPROXY_PROXY_DIR")
	overrideFromEnvString(&cfg.LogConf.Level, "FASTPROXY_LOG_LEVEL")

	cfg.ProxyPoolConf.TextSources = cleanList(cfg.ProxyPoolConf.TextSources)
	cfg.ProxyPoolConf.HTMLSources = cleanList(cfg.ProxyPoolConf.HTMLSources)
	return validate(cfg)
}

func validate(cfg *types.Config) error {
	pc := &cfg.ProxyPoolConf
	if pc.MaxConcurrency <= 0 {
		pc.MaxConcurrency = DefaultMaxConcurrency
	}
	if pc.ProbeTimeoutSeconds <= 0 {
		pc.ProbeTimeoutSeconds = DefaultProbeTimeout
	}
	if pc.ProbeTarget == "" {
		pc.ProbeTarget = DefaultProbeTarget
	}
	switch pc.Storage {
	case "", "file":
		pc.Storage = "file"
	case "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", pc.Storage)
	}
	if pc.BlacklistRetestProbability < 0 || pc.BlacklistRetestProbability > 1 {
		return fmt.Errorf("blacklist_retest_probability must be within [0, 1], got %v", pc.BlacklistRetestProbability)
	}
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

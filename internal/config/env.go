package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides layers environment variables over the file config.
// The file stays the source of structure; env wins for deploy-specific
// values and secrets so they never have to live on disk.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookup("SCHEDCORE_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookup("SCHEDCORE_TIMEZONE"); ok {
		cfg.Engine.Timezone = v
	}

	if cfg.Database != nil {
		if v, ok := lookup("MYSQL_HOST"); ok {
			cfg.Database.Host = v
		}
		if v, ok := lookupInt("MYSQL_PORT"); ok {
			cfg.Database.Port = v
		}
		if v, ok := lookup("MYSQL_USER"); ok {
			cfg.Database.User = v
		}
		if v, ok := lookup("MYSQL_PASSWORD"); ok {
			cfg.Database.Password = v
		}
		if v, ok := lookup("MYSQL_DATABASE"); ok {
			cfg.Database.Name = v
		}
	}

	if cfg.Redis != nil {
		if v, ok := lookup("REDIS_ADDR"); ok {
			cfg.Redis.Addr = v
		}
		if v, ok := lookup("REDIS_PASSWORD"); ok {
			cfg.Redis.Password = v
		}
		if v, ok := lookupInt("REDIS_DB"); ok {
			cfg.Redis.DB = v
		}
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func lookupInt(key string) (int, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

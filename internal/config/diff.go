package config

import (
	"reflect"
	"sort"
	"strings"

	logx "schedcore/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (passwords) never appear in attrs.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.tick_interval", strings.TrimSpace(newCfg.Engine.TickInterval)),
			logx.Int("engine.max_concurrent", newCfg.Engine.MaxConcurrent),
			logx.String("engine.timezone", strings.TrimSpace(newCfg.Engine.Timezone)),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
		)
	}

	// Database (never log the password; surface only whether one is set)
	oDB, nDB := derefDB(oldCfg.Database), derefDB(newCfg.Database)
	if (oldCfg.Database != nil) != (newCfg.Database != nil) || !reflect.DeepEqual(oDB, nDB) {
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.String("database.driver", nDB.Driver),
			logx.String("database.host", nDB.Host),
			logx.Int("database.port", nDB.Port),
			logx.String("database.name", nDB.Name),
			logx.Bool("database.password_set", nDB.Password != ""),
		)
	}

	oR, nR := derefRedis(oldCfg.Redis), derefRedis(newCfg.Redis)
	if (oldCfg.Redis != nil) != (newCfg.Redis != nil) || !reflect.DeepEqual(oR, nR) {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.String("redis.addr", nR.Addr),
			logx.Int("redis.db", nR.DB),
			logx.Bool("redis.password_set", nR.Password != ""),
		)
	}

	oB, nB := derefBroker(oldCfg.Broker), derefBroker(newCfg.Broker)
	if (oldCfg.Broker != nil) != (newCfg.Broker != nil) || !reflect.DeepEqual(oB, nB) {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.Bool("broker.enabled", nB.Enabled),
			logx.String("broker.channel_prefix", newCfg.Broker.Prefix()),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefDB(d *DatabaseConfig) DatabaseConfig {
	if d == nil {
		return DatabaseConfig{}
	}
	return *d
}

func derefRedis(r *RedisConfig) RedisConfig {
	if r == nil {
		return RedisConfig{}
	}
	return *r
}

func derefBroker(b *BrokerConfig) BrokerConfig {
	if b == nil {
		return BrokerConfig{}
	}
	return *b
}

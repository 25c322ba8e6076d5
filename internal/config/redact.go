package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

const masked = "******"

// Redacted returns a copy safe to print: secrets are masked and DSN
// passwords removed.
func (c Config) Redacted() Config {
	out := c
	out.Upstream.APIKey = mask(c.Upstream.APIKey)
	out.Budget.Redis.Password = mask(c.Budget.Redis.Password)
	out.Storage.Elasticsearch.Password = mask(c.Storage.Elasticsearch.Password)
	out.Storage.Elasticsearch.APIKey = mask(c.Storage.Elasticsearch.APIKey)
	out.Storage.Postgres.DSN = redactDSN(c.Storage.Postgres.DSN)
	out.Storage.ClickHouse.DSN = redactDSN(c.Storage.ClickHouse.DSN)
	out.Alerting.Email.Password = mask(c.Alerting.Email.Password)
	out.Alerting.Telegram.BotToken = mask(c.Alerting.Telegram.BotToken)

	if len(c.Alerting.Webhook.Headers) > 0 {
		out.Alerting.Webhook.Headers = make(map[string]string, len(c.Alerting.Webhook.Headers))
		for k := range c.Alerting.Webhook.Headers {
			out.Alerting.Webhook.Headers[k] = masked
		}
	}
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return masked
	}
	return s[:4] + masked
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		// key=value DSN
		fields := strings.Fields(dsn)
		for i, f := range fields {
			if strings.HasPrefix(strings.ToLower(f), "password=") {
				fields[i] = "password=" + masked
			}
		}
		return strings.Join(fields, " ")
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), masked)
	}
	q := u.Query()
	if q.Has("password") {
		q.Set("password", masked)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Settings flattens the configuration into dotted keys, as accepted by the
// config file and CRYPTOETL_ environment variables.
func (c Config) Settings() (map[string]string, error) {
	var tree map[string]any
	if err := mapstructure.Decode(c, &tree); err != nil {
		return nil, fmt.Errorf("flatten config: %w", err)
	}
	out := make(map[string]string)
	flatten("", tree, out)
	return out, nil
}

func flatten(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case []string:
		out[prefix] = strings.Join(val, ",")
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+val[k])
		}
		out[prefix] = strings.Join(parts, ",")
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

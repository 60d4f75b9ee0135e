package dialect

import (
	"fmt"
	"strings"

	"github.com/shrek82/txpool/config"
)

// PostgresDSN renders cfg as a libpq keyword/value connection string, understood
// by both pgx and lib/pq. cfg.DSN is returned verbatim when set.
func PostgresDSN(cfg config.Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}

	parts := []string{
		"host=" + quoteValue(cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		"dbname=" + quoteValue(cfg.Database),
	}
	if cfg.User != "" {
		parts = append(parts, "user="+quoteValue(cfg.User))
	}
	if cfg.Password != "" {
		parts = append(parts, "password="+quoteValue(cfg.Password))
	}
	if cfg.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteValue(cfg.SSLMode))
	}
	// libpq only takes whole seconds; anything below one second rounds up.
	if ms := cfg.ConnectTimeoutMillis; ms > 0 {
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", (ms+999)/1000))
	}
	return strings.Join(parts, " ")
}

func quoteValue(val string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(val)
	return "'" + escaped + "'"
}

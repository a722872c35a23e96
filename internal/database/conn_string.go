package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/gatecord/internal/config"
)

// ApplicationName is reported to the server for every archive connection.
const ApplicationName = "gatecord"

// BuildConnString builds a PostgreSQL URL from config. Credentials are
// escaped; sslmode defaults to prefer.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
		RawQuery: url.Values{
			"sslmode":          {sslMode},
			"application_name": {ApplicationName},
		}.Encode(),
	}
	return u.String()
}

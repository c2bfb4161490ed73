package connector

import (
	"fmt"
	"net/url"
)

// SQLServerParams describe a SQL Server endpoint for DSN construction.
// Trusted connections use the client's OS identity instead of a login.
type SQLServerParams struct {
	Server            string
	Database          string
	Username          string
	Password          string
	TrustedConnection bool
	Instance          string
}

// BuildSQLServerDSN assembles a sqlserver:// connection string from its
// parts. Credentials are URL-escaped so passwords with reserved
// characters survive the round trip.
func BuildSQLServerDSN(p SQLServerParams) (string, error) {
	if p.Server == "" {
		return "", fmt.Errorf("server is required")
	}
	if p.Database == "" {
		return "", fmt.Errorf("database is required")
	}

	u := &url.URL{
		Scheme: "sqlserver",
		Host:   p.Server,
	}
	if p.Instance != "" {
		u.Path = p.Instance
	}

	q := url.Values{}
	q.Set("database", p.Database)

	if p.TrustedConnection {
		q.Set("trusted_connection", "yes")
	} else {
		if p.Username == "" || p.Password == "" {
			return "", fmt.Errorf("username and password are required for SQL Server authentication")
		}
		u.User = url.UserPassword(p.Username, p.Password)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

package driver

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Info is the descriptive metadata the gateway keeps per open connection.
// Passwords are never stored here.
type Info struct {
	Driver   string `json:"driver"`
	Database string `json:"database"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
}

// connector opens a connection from parsed connection-string parts.
type connector func(ctx context.Context, u *url.URL, password string, limits Limits) (Conn, Info, error)

// Registry resolves connection-string schemes to back-end connectors.
type Registry struct {
	schemes map[string]connector
	names   []string
}

// NewRegistry returns a registry with all bundled back-ends mounted.
func NewRegistry() *Registry {
	r := &Registry{schemes: make(map[string]connector)}
	r.register(connectSQLite, "sqlite")
	r.register(connectPostgres, "postgres", "postgresql", "pg")
	r.register(connectMySQL, "mysql", "mariadb")
	return r
}

func (r *Registry) register(c connector, schemes ...string) {
	for _, s := range schemes {
		r.schemes[s] = c
	}
	r.names = append(r.names, schemes[0])
}

// Drivers lists the canonical names of the mounted back-ends.
func (r *Registry) Drivers() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Connect parses connstr, resolves the back-end by scheme, and opens a
// connection. A password supplied separately overrides one embedded in the
// connection string.
func (r *Registry) Connect(ctx context.Context, connstr, password string, limits Limits) (Conn, Info, error) {
	u, err := url.Parse(connstr)
	if err != nil {
		return nil, Info{}, fmt.Errorf("parsing connection string: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil, Info{}, fmt.Errorf("connection string %q has no scheme", connstr)
	}
	c, ok := r.schemes[scheme]
	if !ok {
		return nil, Info{}, fmt.Errorf("unsupported driver scheme %q", scheme)
	}
	if password == "" && u.User != nil {
		if pw, ok := u.User.Password(); ok {
			password = pw
		}
	}
	return c(ctx, u, password, limits)
}

// hostPort splits the URL host, applying a family default port.
func hostPort(u *url.URL, defaultPort int) (string, int) {
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := defaultPort
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return host, port
}

func username(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	return u.User.Username()
}

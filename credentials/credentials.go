// Package credentials loads per-server access tokens from standard locations.
//
// A credentials file is TOML with one section per server name and an
// optional [default] section:
//
//	[default]
//	token = "shared-token"
//
//	[tools-prod]
//	token = "prod-token"
//	header = "X-Api-Key"   # optional; default Authorization
//	scheme = ""            # optional; default Bearer
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// DefaultHeader carries the token unless a section overrides it.
const DefaultHeader = "Authorization"

// DefaultScheme prefixes the token in DefaultHeader.
const DefaultScheme = "Bearer"

// Credentials holds tokens loaded from credentials.toml.
type Credentials struct {
	// Default is used when a server has no section of its own.
	Default *ServerCreds

	servers map[string]*ServerCreds
}

// ServerCreds holds credentials for a single server.
type ServerCreds struct {
	Token  string `toml:"token"`
	Header string `toml:"header"`
	Scheme string `toml:"scheme"`

	// schemeSet distinguishes an explicit empty scheme from an absent one.
	schemeSet bool
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "streamrpc", "credentials.toml"),
			filepath.Join(home, ".streamrpc", "credentials.toml"),
		)
	}
	return paths
}

// Load loads credentials from the first available standard location
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil // No credentials file found (not an error)
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		// Credentials must be 0400 (owner read-only)
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var rawData map[string]interface{}
	if _, err := toml.DecodeFile(path, &rawData); err != nil {
		return nil, err
	}
	return fromSections(rawData), nil
}

// Parse decodes credentials from TOML text without a permission check.
func Parse(text string) (*Credentials, error) {
	var rawData map[string]interface{}
	if _, err := toml.Decode(text, &rawData); err != nil {
		return nil, err
	}
	return fromSections(rawData), nil
}

func fromSections(rawData map[string]interface{}) *Credentials {
	creds := &Credentials{servers: make(map[string]*ServerCreds)}

	for key, value := range rawData {
		section, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		token, _ := section["token"].(string)
		if token == "" {
			continue
		}

		sc := &ServerCreds{Token: token}
		sc.Header, _ = section["header"].(string)
		sc.Scheme, sc.schemeSet = section["scheme"].(string)

		if key == "default" {
			creds.Default = sc
		} else {
			creds.servers[key] = sc
		}
	}
	return creds
}

// Lookup returns the credentials for a server.
// Priority: [server] section > [default] section > environment variable.
func (c *Credentials) Lookup(server string) (*ServerCreds, bool) {
	if c != nil {
		if sc, ok := c.servers[server]; ok {
			return sc, true
		}
		if sc, ok := c.servers[normalize(server)]; ok {
			return sc, true
		}
		if c.Default != nil {
			return c.Default, true
		}
	}

	if token := os.Getenv(EnvVarForServer(server)); token != "" {
		return &ServerCreds{Token: token}, true
	}
	return nil, false
}

// Token returns the token for a server, or "".
func (c *Credentials) Token(server string) string {
	if sc, ok := c.Lookup(server); ok {
		return sc.Token
	}
	return ""
}

// Headers adds the server's credential header to headers and returns it.
// headers may be nil. An existing header of the same name is kept.
func (c *Credentials) Headers(server string, headers map[string]string) map[string]string {
	sc, ok := c.Lookup(server)
	if !ok {
		return headers
	}
	name, value := sc.HeaderValue()
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	if _, exists := headers[name]; !exists {
		headers[name] = value
	}
	return headers
}

// HeaderValue returns the header name and value carrying the token.
func (s *ServerCreds) HeaderValue() (name, value string) {
	name = s.Header
	if name == "" {
		name = DefaultHeader
	}
	scheme := s.Scheme
	if !s.schemeSet && name == DefaultHeader {
		scheme = DefaultScheme
	}
	if scheme == "" {
		return name, s.Token
	}
	return name, scheme + " " + s.Token
}

// EnvVarForServer returns the environment variable consulted for a server:
// STREAMRPC_<NAME>_TOKEN with dashes and dots mapped to underscores.
func EnvVarForServer(server string) string {
	name := strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(server))
	return "STREAMRPC_" + name + "_TOKEN"
}

// normalize lowercases and strips dashes.
func normalize(server string) string {
	return strings.ToLower(strings.ReplaceAll(server, "-", ""))
}

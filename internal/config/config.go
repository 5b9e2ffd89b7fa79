package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/subosito/gotenv"

	"github.com/schaermu/serversync/internal/syncerr"
	"github.com/schaermu/serversync/internal/tags"
)

// Environment variable names.
const (
	EnvFile           = "SERVER_SYNC_ENV"
	EnvRepo           = "SERVER_SYNC_REPO"
	EnvBranch         = "SERVER_SYNC_BRANCH"
	EnvDestination    = "SERVER_SYNC_DESTINATION"
	EnvContexts       = "SERVER_SYNC_CONTEXTS"
	EnvRepoStorage    = "SERVER_SYNC_REPO_STORAGE"
	EnvPrune          = "SERVER_SYNC_PRUNE"
	EnvBackup         = "SERVER_SYNC_BACKUP"
	EnvSSHKeyFile     = "SERVER_SYNC_SSH_KEY_FILE"
	EnvHTTPSTokenFile = "SERVER_SYNC_HTTPS_TOKEN_FILE"
	EnvUID            = "UID"
	EnvUser           = "USER"
	EnvGID            = "GID"
	EnvGroup          = "GROUP"
)

// Config is the process-wide sync configuration. It is immutable once Load
// returns.
type Config struct {
	Repo     RepoConfig
	Paths    PathsConfig
	Contexts tags.Contexts
	Owner    Owner
	Sync     SyncConfig
	Auth     AuthConfig

	// Vars holds every variable visible to the process, env file entries
	// taking precedence. Templates render against it.
	Vars map[string]string
}

// RepoConfig configures the Git repository source
type RepoConfig struct {
	URL    string
	Branch string
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	Destination string
	RepoStorage string
	EnvFile     string
}

// SyncConfig configures optional sync behavior
type SyncConfig struct {
	Prune  bool
	Backup bool
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string
	HTTPSTokenFile string
}

// LoadFromEnvironment loads the configuration from the process environment.
func LoadFromEnvironment() (*Config, error) {
	return Load(os.Environ())
}

// Load builds a Config from environ ("KEY=value" entries). When
// SERVER_SYNC_ENV names a file, its entries are consulted before environ.
func Load(environ []string) (*Config, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	var cfg Config
	if path := vars[EnvFile]; path != "" {
		expanded, err := expandPath(EnvFile, path)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(expanded) {
			return nil, syncerr.Configf(EnvFile, "must be an absolute path: %s", path)
		}
		fileVars, err := readEnvFile(expanded)
		if err != nil {
			return nil, &syncerr.ConfigError{Key: EnvFile, Err: err}
		}
		for k, v := range fileVars {
			vars[k] = v
		}
		cfg.Paths.EnvFile = expanded
	}
	cfg.Vars = vars

	get := func(key string) string {
		return strings.TrimSpace(vars[key])
	}

	cfg.Repo.URL = get(EnvRepo)
	cfg.Repo.Branch = get(EnvBranch)

	var err error
	if cfg.Paths.Destination, err = optionalPath(EnvDestination, get(EnvDestination)); err != nil {
		return nil, err
	}
	if cfg.Paths.RepoStorage, err = optionalPath(EnvRepoStorage, get(EnvRepoStorage)); err != nil {
		return nil, err
	}
	if cfg.Auth.SSHKeyFile, err = optionalPath(EnvSSHKeyFile, get(EnvSSHKeyFile)); err != nil {
		return nil, err
	}
	if cfg.Auth.HTTPSTokenFile, err = optionalPath(EnvHTTPSTokenFile, get(EnvHTTPSTokenFile)); err != nil {
		return nil, err
	}

	if raw := get(EnvContexts); raw != "" {
		cfg.Contexts, err = tags.ParseContexts(raw)
		if err != nil {
			return nil, &syncerr.ConfigError{Key: EnvContexts, Err: err}
		}
	}

	if cfg.Sync.Prune, err = parseBool(EnvPrune, get(EnvPrune)); err != nil {
		return nil, err
	}
	if cfg.Sync.Backup, err = parseBool(EnvBackup, get(EnvBackup)); err != nil {
		return nil, err
	}

	if cfg.Owner, err = resolveOwner(get); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readEnvFile(path string) (gotenv.Env, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse env file %s: %w", path, err)
	}
	return env, nil
}

func expandPath(key, path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", &syncerr.ConfigError{Key: key, Err: err}
	}
	return expanded, nil
}

func optionalPath(key, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded, err := expandPath(key, path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(expanded), nil
}

func parseBool(key, value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &syncerr.ConfigError{Key: key, Err: err}
	}
	return b, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.URL == "" {
		return syncerr.Configf(EnvRepo, "is required")
	}
	if c.Repo.Branch == "" {
		return syncerr.Configf(EnvBranch, "is required")
	}
	if len(c.Contexts) == 0 {
		return syncerr.Configf(EnvContexts, "is required")
	}

	if c.Paths.Destination == "" {
		return syncerr.Configf(EnvDestination, "is required")
	}
	if c.Paths.RepoStorage == "" {
		return syncerr.Configf(EnvRepoStorage, "is required")
	}
	if !filepath.IsAbs(c.Paths.Destination) {
		return syncerr.Configf(EnvDestination, "must be an absolute path: %s", c.Paths.Destination)
	}
	if !filepath.IsAbs(c.Paths.RepoStorage) {
		return syncerr.Configf(EnvRepoStorage, "must be an absolute path: %s", c.Paths.RepoStorage)
	}
	if within(c.Paths.RepoStorage, c.Paths.Destination) || within(c.Paths.Destination, c.Paths.RepoStorage) {
		return syncerr.Configf(EnvRepoStorage, "must not overlap with %s (%s)", EnvDestination, c.Paths.Destination)
	}

	if c.Owner.UID < 0 {
		return syncerr.Configf(EnvUID, "must not be negative")
	}
	if c.Owner.GID < 0 {
		return syncerr.Configf(EnvGID, "must not be negative")
	}

	if c.Auth.SSHKeyFile != "" && !filepath.IsAbs(c.Auth.SSHKeyFile) {
		return syncerr.Configf(EnvSSHKeyFile, "must be an absolute path: %s", c.Auth.SSHKeyFile)
	}
	if c.Auth.HTTPSTokenFile != "" && !filepath.IsAbs(c.Auth.HTTPSTokenFile) {
		return syncerr.Configf(EnvHTTPSTokenFile, "must be an absolute path: %s", c.Auth.HTTPSTokenFile)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return syncerr.Configf(EnvSSHKeyFile, "only one of %s or %s may be set", EnvSSHKeyFile, EnvHTTPSTokenFile)
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return syncerr.Configf(EnvSSHKeyFile, "is set but %s does not use an SSH scheme (git@ or ssh://)", EnvRepo)
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return syncerr.Configf(EnvHTTPSTokenFile, "is set but %s does not use HTTPS scheme", EnvRepo)
	}

	return nil
}

// within reports whether path equals root or lies below it.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// LockPath returns the path of the lock file guarding the mirror
func (c *Config) LockPath() string {
	return c.Paths.RepoStorage + ".lock"
}

// StateFilePath returns the path to the state tracking file
func (c *Config) StateFilePath() string {
	return c.Paths.RepoStorage + ".state.json"
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}

// RedactedURL returns the repository URL with any embedded credentials
// replaced, suitable for logs.
func (c *Config) RedactedURL() string {
	return RedactURL(c.Repo.URL)
}

// RedactURL hides the userinfo of http(s) URLs. Other forms are returned
// unchanged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return u.Redacted()
	}
	u.User = url.User("redacted")
	return u.String()
}

func (c *Config) String() string {
	return fmt.Sprintf("repo=%s branch=%s destination=%s contexts=%s storage=%s owner=%s",
		c.RedactedURL(), c.Repo.Branch, c.Paths.Destination, c.Contexts, c.Paths.RepoStorage, c.Owner)
}

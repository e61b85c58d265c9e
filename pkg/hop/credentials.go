package hop

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthMethod selects how a credential authenticates.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "privateKey"
	AuthAgent      AuthMethod = "agent"
)

// Credential holds the connection parameters for one SSH destination.
// Secrets are never part of this struct: passwords and passphrases are
// supplied per connect call and held only in memory, private keys live
// as separate files referenced by KeyFile.
type Credential struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Username    string     `json:"username"`
	Auth        AuthMethod `json:"auth"`
	KeyFile     string     `json:"keyFile,omitempty"`
	DefaultPath string     `json:"defaultPath,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// credMeta is the sidecar state serialised into the icotes-meta comment
// of each Host block. Everything the ssh_config grammar cannot express
// goes here.
type credMeta struct {
	ID          string     `json:"id"`
	Auth        AuthMethod `json:"auth"`
	DefaultPath string     `json:"defaultPath,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

const metaPrefix = "# icotes-meta:"

// CredentialStore persists credentials in OpenSSH client config format so
// the file stays usable with plain `ssh -F`. Metadata ssh_config cannot
// carry rides in a comment directly under each Host line.
type CredentialStore struct {
	mu         sync.Mutex
	configPath string
	keyDir     string
	legacyPath string
}

// NewCredentialStore builds a store rooted at configPath with key
// material under keyDir. If legacyPath points at an old JSON credential
// file and configPath does not exist yet, the JSON file is migrated on
// first load.
func NewCredentialStore(configPath, keyDir, legacyPath string) *CredentialStore {
	return &CredentialStore{configPath: configPath, keyDir: keyDir, legacyPath: legacyPath}
}

// List returns all credentials sorted by name.
func (s *CredentialStore) List() ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].Name < creds[j].Name })
	return creds, nil
}

// Get resolves a credential by id or by name.
func (s *CredentialStore) Get(idOrName string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(idOrName)
}

func (s *CredentialStore) getLocked(idOrName string) (Credential, error) {
	creds, err := s.loadLocked()
	if err != nil {
		return Credential{}, err
	}
	for _, c := range creds {
		if c.ID == idOrName || c.Name == idOrName {
			return c, nil
		}
	}
	return Credential{}, fmt.Errorf("credential %q not found", idOrName)
}

// Create stores a new credential. Names must be unique since they double
// as ssh_config Host aliases.
func (s *CredentialStore) Create(c Credential) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validateCredential(c); err != nil {
		return Credential{}, err
	}
	creds, err := s.loadLocked()
	if err != nil {
		return Credential{}, err
	}
	for _, existing := range creds {
		if existing.Name == c.Name {
			return Credential{}, fmt.Errorf("credential name %q already in use", c.Name)
		}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Port == 0 {
		c.Port = 22
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	creds = append(creds, c)
	if err := s.saveLocked(creds); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// Update replaces the stored credential with the same id.
func (s *CredentialStore) Update(c Credential) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validateCredential(c); err != nil {
		return Credential{}, err
	}
	creds, err := s.loadLocked()
	if err != nil {
		return Credential{}, err
	}
	for i, existing := range creds {
		if existing.Name == c.Name && existing.ID != c.ID {
			return Credential{}, fmt.Errorf("credential name %q already in use", c.Name)
		}
		if existing.ID == c.ID {
			c.CreatedAt = existing.CreatedAt
			c.UpdatedAt = time.Now().UTC()
			creds[i] = c
			if err := s.saveLocked(creds); err != nil {
				return Credential{}, err
			}
			return c, nil
		}
	}
	return Credential{}, fmt.Errorf("credential %q not found", c.ID)
}

// Delete removes a credential and its private key file, if any.
func (s *CredentialStore) Delete(idOrName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.loadLocked()
	if err != nil {
		return err
	}
	for i, c := range creds {
		if c.ID != idOrName && c.Name != idOrName {
			continue
		}
		creds = append(creds[:i], creds[i+1:]...)
		if err := s.saveLocked(creds); err != nil {
			return err
		}
		if c.KeyFile != "" {
			// Best effort; a missing key file is not an error.
			os.Remove(c.KeyFile)
		}
		return nil
	}
	return fmt.Errorf("credential %q not found", idOrName)
}

// StorePrivateKey writes key material under the key directory with 0600
// permissions and returns the file path for Credential.KeyFile.
func (s *CredentialStore) StorePrivateKey(credName string, pemData []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.keyDir, 0o700); err != nil {
		return "", fmt.Errorf("creating key directory: %w", err)
	}
	path := filepath.Join(s.keyDir, keyFileName(credName))
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		return "", fmt.Errorf("writing private key: %w", err)
	}
	return path, nil
}

func keyFileName(credName string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, credName)
	return safe + "_key"
}

func validateCredential(c Credential) error {
	if c.Name == "" {
		return fmt.Errorf("credential name is required")
	}
	if strings.ContainsAny(c.Name, " \t#") {
		return fmt.Errorf("credential name must not contain whitespace or '#'")
	}
	if c.Host == "" {
		return fmt.Errorf("credential host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("credential username is required")
	}
	switch c.Auth {
	case AuthPassword, AuthPrivateKey, AuthAgent:
	default:
		return fmt.Errorf("unknown auth method %q", c.Auth)
	}
	return nil
}

// loadLocked reads the config file, running the legacy JSON migration
// first if needed.
func (s *CredentialStore) loadLocked() ([]Credential, error) {
	if err := s.migrateLocked(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.configPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential config: %w", err)
	}
	return parseConfig(string(data))
}

func (s *CredentialStore) saveLocked(creds []Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(s.configPath, []byte(renderConfig(creds)), 0o600)
}

// parseConfig reads the ssh_config-style credential file. Only the
// directives the store writes are interpreted; unknown lines within a
// Host block are ignored so hand edits survive a round trip of the
// fields we do manage.
func parseConfig(text string) ([]Credential, error) {
	var creds []Credential
	var cur *Credential
	flush := func() {
		if cur == nil {
			return
		}
		if cur.ID == "" {
			cur.ID = uuid.New().String()
		}
		if cur.Port == 0 {
			cur.Port = 22
		}
		if cur.Auth == "" {
			if cur.KeyFile != "" {
				cur.Auth = AuthPrivateKey
			} else {
				cur.Auth = AuthPassword
			}
		}
		creds = append(creds, *cur)
		cur = nil
	}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, metaPrefix) {
			if cur == nil {
				continue
			}
			var meta credMeta
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, metaPrefix))), &meta); err != nil {
				return nil, fmt.Errorf("parsing credential metadata for %q: %w", cur.Name, err)
			}
			cur.ID = meta.ID
			cur.Auth = meta.Auth
			cur.DefaultPath = meta.DefaultPath
			cur.CreatedAt = meta.CreatedAt
			cur.UpdatedAt = meta.UpdatedAt
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitDirective(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "host":
			flush()
			cur = &Credential{Name: value}
		case "hostname":
			if cur != nil {
				cur.Host = value
			}
		case "user":
			if cur != nil {
				cur.Username = value
			}
		case "port":
			if cur != nil {
				if p, err := strconv.Atoi(value); err == nil {
					cur.Port = p
				}
			}
		case "identityfile":
			if cur != nil {
				cur.KeyFile = value
			}
		}
	}
	flush()
	return creds, nil
}

func splitDirective(line string) (key, value string, ok bool) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return "", "", false
	}
	return line[:i], strings.TrimSpace(line[i:]), true
}

func renderConfig(creds []Credential) string {
	var b strings.Builder
	b.WriteString("# Managed by icotes. Hand edits to unmanaged directives are preserved\n")
	b.WriteString("# only until the next save; metadata comments are required.\n")
	for _, c := range creds {
		meta, _ := json.Marshal(credMeta{
			ID:          c.ID,
			Auth:        c.Auth,
			DefaultPath: c.DefaultPath,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})
		fmt.Fprintf(&b, "\nHost %s\n", c.Name)
		fmt.Fprintf(&b, "%s %s\n", metaPrefix, meta)
		fmt.Fprintf(&b, "  HostName %s\n", c.Host)
		fmt.Fprintf(&b, "  User %s\n", c.Username)
		fmt.Fprintf(&b, "  Port %d\n", c.Port)
		if c.KeyFile != "" {
			fmt.Fprintf(&b, "  IdentityFile %s\n", c.KeyFile)
		}
	}
	return b.String()
}

// legacyCredential mirrors the retired JSON schema. Key files were named
// by credential UUID back then.
type legacyCredential struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	AuthMethod  string `json:"auth_method"`
	DefaultPath string `json:"default_path"`
	CreatedAt   string `json:"created_at"`
}

// migrateLocked converts the legacy JSON credential file to the config
// format exactly once: it only runs when the config file does not exist
// yet. The JSON file is kept with a .bak suffix so the migration can be
// audited or rolled back.
func (s *CredentialStore) migrateLocked() error {
	if s.legacyPath == "" {
		return nil
	}
	if _, err := os.Stat(s.configPath); err == nil {
		return nil
	}
	data, err := os.ReadFile(s.legacyPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading legacy credentials: %w", err)
	}

	var legacy []legacyCredential
	if err := json.Unmarshal(data, &legacy); err != nil {
		// Older builds wrapped the list in an object.
		var wrapped struct {
			Credentials []legacyCredential `json:"credentials"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return fmt.Errorf("parsing legacy credentials: %w", err)
		}
		legacy = wrapped.Credentials
	}

	now := time.Now().UTC()
	seen := make(map[string]string) // key file name -> credential id
	var creds []Credential
	for _, lc := range legacy {
		c := Credential{
			ID:          lc.ID,
			Name:        lc.Name,
			Host:        lc.Host,
			Port:        lc.Port,
			Username:    lc.Username,
			DefaultPath: lc.DefaultPath,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.Port == 0 {
			c.Port = 22
		}
		if ts, err := time.Parse(time.RFC3339, lc.CreatedAt); err == nil {
			c.CreatedAt = ts
		}
		switch lc.AuthMethod {
		case "password":
			c.Auth = AuthPassword
		case "agent":
			c.Auth = AuthAgent
		default:
			c.Auth = AuthPrivateKey
		}
		if c.Auth == AuthPrivateKey {
			path, err := s.migrateKeyLocked(c, seen)
			if err != nil {
				return err
			}
			c.KeyFile = path
		}
		creds = append(creds, c)
	}

	if err := s.saveLocked(creds); err != nil {
		return fmt.Errorf("writing migrated credentials: %w", err)
	}
	// The JSON stays in place as a read-only fallback; the .bak copy
	// records exactly what was migrated.
	if err := os.WriteFile(s.legacyPath+".bak", data, 0o600); err != nil {
		return fmt.Errorf("backing up legacy credential file: %w", err)
	}
	return nil
}

// migrateKeyLocked renames a UUID-named key file to the readable
// <name>_key form. Two credentials mapping to the same file name get
// disambiguated with the first eight characters of the credential id.
func (s *CredentialStore) migrateKeyLocked(c Credential, seen map[string]string) (string, error) {
	name := keyFileName(c.Name)
	if owner, taken := seen[name]; taken && owner != c.ID {
		id8 := c.ID
		if len(id8) > 8 {
			id8 = id8[:8]
		}
		name = keyFileName(c.Name + "_" + id8)
	}
	seen[name] = c.ID

	newPath := filepath.Join(s.keyDir, name)
	oldPath := filepath.Join(s.keyDir, c.ID)
	if _, err := os.Stat(oldPath); err == nil {
		if err := os.Rename(oldPath, newPath); err != nil {
			return "", fmt.Errorf("renaming key file for %q: %w", c.Name, err)
		}
	}
	return newPath, nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/wiretap/wiretap-srv/logger"
)

// TLSMode selects how CONNECT tunnels are handled once a TLS identity is present.
type TLSMode string

const (
	TLSModeTerminate   TLSMode = "terminate"   // decrypt client traffic and re-encrypt towards the target
	TLSModePassthrough TLSMode = "passthrough" // relay raw bytes between client and target
)

// TLSConfig holds the identity used for interception and the secure listener.
type TLSConfig struct {
	Keystore         string // PKCS#12 keystore path
	KeystorePassword string // unlocks the keystore
	KeyPassword      string // unlocks the private key (keystore or PEM key file)
	CertFile         string // PEM certificate, alternative to Keystore
	KeyFile          string // PEM private key, alternative to Keystore
	Mode             TLSMode
}

// Enabled reports whether any identity material is configured.
func (t TLSConfig) Enabled() bool {
	return t.Keystore != "" || (t.CertFile != "" && t.KeyFile != "")
}

// StatusPageConfig controls the locally served statistics page.
type StatusPageConfig struct {
	Enabled   bool
	Title     string
	JWTSecret string // when set, requests must carry a valid bearer token
}

// JournalConfig controls persistence of completed transactions.
type JournalConfig struct {
	Enabled       bool
	Backend       string // sqlite, postgres or dummy
	SQLitePath    string
	PostgresDSN   string
	FlushInterval int // seconds
}

// RewriteDirection selects the pipeline a header rewrite is attached to.
type RewriteDirection string

const (
	RewriteRequest  RewriteDirection = "request"
	RewriteResponse RewriteDirection = "response"
)

// HeaderRewrite adds or removes one header line on every message of a direction.
type HeaderRewrite struct {
	Direction RewriteDirection
	Line      string // "Name: v1, v2"; for removals only the name is used
	Remove    bool
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	ListenAddress            string
	Port                     int
	Backlog                  int
	SecurePort               int // 0 disables the secure listener
	MaxConcurrentConnections int // 0 means unbounded
	TimeoutSeconds           int // upstream dial timeout
	WriteChunkDelayMillis    int // pause between send-buffer sized chunks
	MaxRequestBodyBytes      int // largest accepted request body, 0 means unbounded
	LogLevel                 string
	StatusPage               StatusPageConfig
	TLS                      TLSConfig
	Forwards                 []Forward
	Blocklist                []string
	BlocklistFile            string
	HeaderRewrites           []HeaderRewrite
	Journal                  JournalConfig
}

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork represents the default network forwarding type.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 represents SOCKS5 proxy forwarding.
	ForwardTypeSocks5
	// ForwardTypeProxy represents HTTP proxy forwarding.
	ForwardTypeProxy
)

// Forward defines the interface for forwarding configurations.
type Forward interface {
	Type() ForwardType
	// Matches reports whether the rule applies to the given target host.
	Matches(host string) bool
}

// ForwardRule holds the fields shared by every forward type.
type ForwardRule struct {
	Domains   []string // empty matches every host
	ForceIPv4 bool
}

// Matches reports whether host equals or is a subdomain of one of the rule's domains.
func (r ForwardRule) Matches(host string) bool {
	if len(r.Domains) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range r.Domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ForwardDefaultNetwork represents default network forwarding configuration.
type ForwardDefaultNetwork struct {
	ForwardRule
}

// Type returns the forwarding type for this configuration.
func (c *ForwardDefaultNetwork) Type() ForwardType {
	return ForwardTypeDefaultNetwork
}

// ForwardSocks5 represents SOCKS5 proxy forwarding configuration.
type ForwardSocks5 struct {
	ForwardRule
	Address  string
	Username *string
	Password *string
}

// Type returns the forwarding type for this configuration.
func (c *ForwardSocks5) Type() ForwardType {
	return ForwardTypeSocks5
}

// ForwardProxy represents HTTP proxy forwarding configuration.
type ForwardProxy struct {
	ForwardRule
	Address  string
	Username *string
	Password *string
}

// Type returns the forwarding type for this configuration.
func (c *ForwardProxy) Type() ForwardType {
	return ForwardTypeProxy
}

// DefaultMaxRequestBodyBytes bounds request bodies unless configured otherwise.
const DefaultMaxRequestBodyBytes = 64 << 20

// Default returns the configuration used when no file and no environment overrides exist.
func Default() *Config {
	return &Config{
		ListenAddress:            "0.0.0.0",
		Port:                     8080,
		Backlog:                  50,
		SecurePort:               14111,
		MaxConcurrentConnections: 100,
		TimeoutSeconds:           30,
		WriteChunkDelayMillis:    100,
		MaxRequestBodyBytes:      DefaultMaxRequestBodyBytes,
		LogLevel:                 "INFO",
		StatusPage: StatusPageConfig{
			Enabled: true,
			Title:   "WPG Proxy Statistics",
		},
		TLS: TLSConfig{Mode: TLSModeTerminate},
		Journal: JournalConfig{
			Backend:       "sqlite",
			SQLitePath:    "wiretap_journal.db",
			FlushInterval: 5,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges that would otherwise fail late at bind time.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.SecurePort < 0 || c.SecurePort > 65535 {
		return fmt.Errorf("secure-port out of range: %d", c.SecurePort)
	}
	if c.Backlog < 0 {
		return fmt.Errorf("backlog must not be negative: %d", c.Backlog)
	}
	if c.MaxRequestBodyBytes < 0 {
		return fmt.Errorf("max-request-body-bytes must not be negative: %d", c.MaxRequestBodyBytes)
	}
	switch c.TLS.Mode {
	case TLSModeTerminate, TLSModePassthrough:
	default:
		return fmt.Errorf("invalid tls mode: %s", c.TLS.Mode)
	}
	if c.TLS.Keystore != "" && (c.TLS.CertFile != "" || c.TLS.KeyFile != "") {
		return fmt.Errorf("tls keystore and cert-file/key-file are mutually exclusive")
	}
	return nil
}

func resolvePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath, err := resolvePath(configPath)
	if err != nil {
		return err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return applyConfigMap(data, cfg)
}

// applyConfigMap maps a decoded JSON or HCL document onto cfg.
func applyConfigMap(data map[string]any, cfg *Config) error {
	if err := setField(data, "listen-address", &cfg.ListenAddress); err != nil {
		return err
	}
	if err := setField(data, "port", &cfg.Port); err != nil {
		return err
	}
	if err := setField(data, "backlog", &cfg.Backlog); err != nil {
		return err
	}
	if err := setField(data, "secure-port", &cfg.SecurePort); err != nil {
		return err
	}
	if err := setField(data, "max-concurrent-connections", &cfg.MaxConcurrentConnections); err != nil {
		return err
	}
	if err := setField(data, "timeout-seconds", &cfg.TimeoutSeconds); err != nil {
		return err
	}
	if err := setField(data, "write-chunk-delay-ms", &cfg.WriteChunkDelayMillis); err != nil {
		return err
	}
	if err := setField(data, "max-request-body-bytes", &cfg.MaxRequestBodyBytes); err != nil {
		return err
	}
	if err := setField(data, "log-level", &cfg.LogLevel); err != nil {
		return err
	}
	if err := setField(data, "blocklist-file", &cfg.BlocklistFile); err != nil {
		return err
	}

	if val, exists := data["status-page"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("status-page must be an object")
		}
		if err := setField(m, "enabled", &cfg.StatusPage.Enabled); err != nil {
			return fmt.Errorf("status-page: %w", err)
		}
		if err := setField(m, "title", &cfg.StatusPage.Title); err != nil {
			return fmt.Errorf("status-page: %w", err)
		}
		if err := setField(m, "jwt-secret", &cfg.StatusPage.JWTSecret); err != nil {
			return fmt.Errorf("status-page: %w", err)
		}
	}

	if val, exists := data["tls"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("tls must be an object")
		}
		for key, dst := range map[string]*string{
			"keystore":          &cfg.TLS.Keystore,
			"keystore-password": &cfg.TLS.KeystorePassword,
			"key-password":      &cfg.TLS.KeyPassword,
			"cert-file":         &cfg.TLS.CertFile,
			"key-file":          &cfg.TLS.KeyFile,
		} {
			if err := setField(m, key, dst); err != nil {
				return fmt.Errorf("tls: %w", err)
			}
		}
		var mode string
		if err := setField(m, "mode", &mode); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		if mode != "" {
			cfg.TLS.Mode = TLSMode(strings.ToLower(mode))
		}
	}

	if val, exists := data["journal"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("journal must be an object")
		}
		if err := setField(m, "enabled", &cfg.Journal.Enabled); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		if err := setField(m, "backend", &cfg.Journal.Backend); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		if err := setField(m, "sqlite-path", &cfg.Journal.SQLitePath); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		if err := setField(m, "postgres-dsn", &cfg.Journal.PostgresDSN); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		if err := setField(m, "flush-interval", &cfg.Journal.FlushInterval); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}

	if val, exists := data["blocklist"]; exists {
		domains, err := parseStringList(val)
		if err != nil {
			return fmt.Errorf("blocklist: %w", err)
		}
		cfg.Blocklist = domains
	}

	if val, exists := data["header-rewrites"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("header-rewrites must be an array")
		}
		cfg.HeaderRewrites = nil
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("header-rewrites entry at index %d must be an object", i)
			}
			rw := HeaderRewrite{Direction: RewriteRequest}
			var direction string
			if err := setField(m, "direction", &direction); err != nil {
				return fmt.Errorf("header-rewrites[%d]: %w", i, err)
			}
			if direction != "" {
				rw.Direction = RewriteDirection(strings.ToLower(direction))
			}
			if rw.Direction != RewriteRequest && rw.Direction != RewriteResponse {
				return fmt.Errorf("header-rewrites[%d]: invalid direction %q", i, direction)
			}
			if err := setField(m, "line", &rw.Line); err != nil {
				return fmt.Errorf("header-rewrites[%d]: %w", i, err)
			}
			if rw.Line == "" {
				return fmt.Errorf("header-rewrites[%d]: line is required", i)
			}
			if err := setField(m, "remove", &rw.Remove); err != nil {
				return fmt.Errorf("header-rewrites[%d]: %w", i, err)
			}
			cfg.HeaderRewrites = append(cfg.HeaderRewrites, rw)
		}
	}

	if forwards, ok := data["forwards"].([]any); ok && forwards != nil {
		cfg.Forwards = nil

		for _, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid forward format")
			}
			newForward, err := parseForward(forwardMap)
			if err != nil {
				return err
			}
			cfg.Forwards = append(cfg.Forwards, newForward)
		}
	}

	return nil
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	var rule ForwardRule
	if val, exists := forwardMap["domains"]; exists {
		domains, err := parseStringList(val)
		if err != nil {
			return nil, fmt.Errorf("%s forward domains: %w", forwardType, err)
		}
		rule.Domains = domains
	}
	if err := setField(forwardMap, "force-ipv4", &rule.ForceIPv4); err != nil {
		return nil, fmt.Errorf("%s forward: %w", forwardType, err)
	}

	switch forwardType {
	case "default-network":
		return &ForwardDefaultNetwork{ForwardRule: rule}, nil

	case "socks5":
		socks5Forward := &ForwardSocks5{ForwardRule: rule}
		address, err := parseValue[string](forwardMap["address"])
		if err != nil {
			return nil, fmt.Errorf("socks5 forward requires address field")
		}
		socks5Forward.Address = *address
		if username, err := parseValue[string](forwardMap["username"]); err == nil {
			socks5Forward.Username = username
		}
		if password, err := parseValue[string](forwardMap["password"]); err == nil {
			socks5Forward.Password = password
		}
		return socks5Forward, nil

	case "proxy":
		proxyForward := &ForwardProxy{ForwardRule: rule}
		address, err := parseValue[string](forwardMap["address"])
		if err != nil {
			return nil, fmt.Errorf("proxy forward requires address field")
		}
		proxyForward.Address = *address
		if username, err := parseValue[string](forwardMap["username"]); err == nil {
			proxyForward.Username = username
		}
		if password, err := parseValue[string](forwardMap["password"]); err == nil {
			proxyForward.Password = password
		}
		return proxyForward, nil

	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}

// setField assigns data[key] to dst when the key is present.
func setField[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = *ptr
	return nil
}

func parseStringList(val any) ([]string, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of strings")
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, err := parseValue[string](item)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, *s)
	}
	return out, nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, v)
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func loadConfigFromEnv(cfg *Config) {
	envString("WIRETAP_LISTENADDRESS", &cfg.ListenAddress)
	envInt("WIRETAP_PORT", &cfg.Port)
	envInt("WIRETAP_BACKLOG", &cfg.Backlog)
	envInt("WIRETAP_SECUREPORT", &cfg.SecurePort)
	envInt("WIRETAP_MAXCONCURRENTCONNECTIONS", &cfg.MaxConcurrentConnections)
	envInt("WIRETAP_TIMEOUTSECONDS", &cfg.TimeoutSeconds)
	envInt("WIRETAP_WRITECHUNKDELAYMS", &cfg.WriteChunkDelayMillis)
	envInt("WIRETAP_MAXREQUESTBODYBYTES", &cfg.MaxRequestBodyBytes)
	envString("WIRETAP_LOGLEVEL", &cfg.LogLevel)

	envBool("WIRETAP_STATUSPAGE", &cfg.StatusPage.Enabled)
	envString("WIRETAP_STATUSPAGE_TITLE", &cfg.StatusPage.Title)
	envString("WIRETAP_STATUSPAGE_JWTSECRET", &cfg.StatusPage.JWTSecret)

	envString("WIRETAP_KEYSTORE", &cfg.TLS.Keystore)
	envString("WIRETAP_KEYSTOREPASSWORD", &cfg.TLS.KeystorePassword)
	envString("WIRETAP_KEYPASSWORD", &cfg.TLS.KeyPassword)
	envString("WIRETAP_CERTFILE", &cfg.TLS.CertFile)
	envString("WIRETAP_KEYFILE", &cfg.TLS.KeyFile)
	if mode := os.Getenv("WIRETAP_TLSMODE"); mode != "" {
		cfg.TLS.Mode = TLSMode(strings.ToLower(mode))
	}

	envBool("WIRETAP_JOURNAL", &cfg.Journal.Enabled)
	envString("WIRETAP_JOURNAL_BACKEND", &cfg.Journal.Backend)
	envString("WIRETAP_JOURNAL_SQLITEPATH", &cfg.Journal.SQLitePath)
	envString("WIRETAP_JOURNAL_POSTGRESDSN", &cfg.Journal.PostgresDSN)

	if blocklist := os.Getenv("WIRETAP_BLOCKLIST"); blocklist != "" {
		cfg.Blocklist = nil
		for _, d := range strings.Split(blocklist, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.Blocklist = append(cfg.Blocklist, d)
			}
		}
	}
}

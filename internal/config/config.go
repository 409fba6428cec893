package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNotFound means the bootstrap file does not exist.
	ErrConfigNotFound = errors.New("config: bootstrap file not found")
	// ErrMissingKey means a required bootstrap key is absent or empty.
	ErrMissingKey = errors.New("config: missing required key")
)

// Bootstrap keys. Viper folds keys to lower case, so remote overlay names
// are matched case-insensitively as well.
const (
	KeyTaskTable      = "task_table"
	KeyLogTable       = "log_table"
	KeyGlobalConfigs  = "global_configs"
	KeyDebug          = "debug"
	KeyRuntime        = "runtime"
	KeyScriptExt      = "script_ext"
	KeyTaskDir        = "task_dir"
	KeyDebounce       = "debounce"
	KeyKillGrace      = "kill_grace"
	KeyStore          = "store"
	KeyPollInterval   = "poll_interval"
	KeyHTTPAddr       = "http_addr"
	KeyToken          = "token"
	KeyHistory        = "history"
	KeyLogFile        = "log_file"
	KeyLogFormat      = "log_format"
	KeyLogLevel       = "log_level"
	KeyTaskLogDir     = "task_log_dir"
	KeyMetrics        = "metrics"
	KeySampleInterval = "sample_interval"
	KeyEnv            = "env"
	KeyTLSCert        = "tls_cert"
	KeyTLSKey         = "tls_key"
	KeyTLSDir         = "tls_dir"
	KeyTLSAutoGen     = "tls_autogen"
	KeyTLSMinVersion  = "tls_min_version"
	KeyTLSHosts       = "tls_hosts"
)

// Required lists the keys without which the supervisor cannot start.
var Required = []string{KeyTaskTable, KeyLogTable}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyRuntime, "python3")
	v.SetDefault(KeyScriptExt, ".py")
	v.SetDefault(KeyTaskDir, "task")
	v.SetDefault(KeyDebounce, 10)
	v.SetDefault(KeyKillGrace, 0)
	v.SetDefault(KeyStore, "memory://")
	v.SetDefault(KeyPollInterval, "1s")
	v.SetDefault(KeyHTTPAddr, ":8080")
	v.SetDefault(KeyToken, "")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMetrics, true)
	v.SetDefault(KeySampleInterval, "5s")
}

// Manager is the live key/value configuration: the bootstrap file plus the
// remote overlay. It is safe for concurrent use.
type Manager struct {
	mu sync.RWMutex
	v  *viper.Viper
}

// Load reads the JSON bootstrap file at path. Environment variables named
// TASKBOARD_<KEY> override file values.
func Load(path string) (*Manager, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrConfigNotFound)
		}
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("TASKBOARD")
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m := &Manager{v: v}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap builds a Manager from values, applying defaults. It does not
// validate required keys.
func FromMap(values map[string]any) *Manager {
	v := viper.New()
	setDefaults(v)
	for k, val := range values {
		v.Set(k, val)
	}
	return &Manager{v: v}
}

// Validate checks the required keys.
func (m *Manager) Validate() error {
	var missing []string
	for _, k := range Required {
		if strings.TrimSpace(m.String(k)) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}
	return nil
}

func (m *Manager) Get(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key)
}

func (m *Manager) IsSet(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.IsSet(key)
}

func (m *Manager) String(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.GetString(key)
}

func (m *Manager) Bool(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.GetBool(key)
}

func (m *Manager) Int(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.GetInt(key)
}

func (m *Manager) StringSlice(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.GetStringSlice(key)
}

// Duration reads key as a duration. Bare numbers are seconds; strings use
// time.ParseDuration syntax ("1500ms", "2m") or are seconds when numeric.
func (m *Manager) Duration(key string) time.Duration {
	switch x := m.Get(key).(type) {
	case nil:
		return 0
	case time.Duration:
		return x
	case int:
		return time.Duration(x) * time.Second
	case int64:
		return time.Duration(x) * time.Second
	case float64:
		return time.Duration(x * float64(time.Second))
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
		d, _ := time.ParseDuration(s)
		return d
	}
	return 0
}

// Set overrides key for the rest of the process lifetime.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v.Set(key, value)
}

// Snapshot returns every key with its current value.
func (m *Manager) Snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.AllSettings()
}

// JSON serializes the snapshot; this is the argument handed to every child.
func (m *Manager) JSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// Convenience accessors for the table names.

func (m *Manager) TaskTable() string     { return m.String(KeyTaskTable) }
func (m *Manager) LogTable() string      { return m.String(KeyLogTable) }
func (m *Manager) GlobalConfigs() string { return m.String(KeyGlobalConfigs) }

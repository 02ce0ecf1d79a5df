// Package config loads and validates the orchestrator's configuration from
// an env-style file: KEY=value lines, "#" comments, blank lines skipped.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the immutable, validated configuration snapshot. Field names
// are semantic groupings, not literal env keys (see the env var names on
// each field's tag-free comment).
type Config struct {
	// Lifetime
	DefaultLifetimeSec int // LEAVE_TIME
	ExtensionSec        int // ADD_TIME

	// Ports
	PortInContainer  int // PORT_IN_CONTAINER
	StartRange       int // START_RANGE
	StopRange        int // STOP_RANGE (half-open)
	APIPort          int // API_PORT
	DirectTestPort   int // DIRECT_TEST_PORT

	// Network
	NetworkName   string // NETWORK_NAME
	NetworkSubnet string // NETWORK_SUBNET

	// Store
	DBHost    string // DB_HOST
	DBPort    int    // DB_PORT
	DBName    string // DB_NAME
	DBUser    string // DB_USER
	DBPassword string // DB_PASSWORD
	PoolMin   int    // DB_POOL_MIN
	PoolMax   int    // DB_POOL_MAX

	// Limits
	PerContainerMem  int64   // CONTAINER_MEMORY_LIMIT (bytes)
	PerContainerSwap int64   // CONTAINER_SWAP_LIMIT (bytes)
	PerContainerCPU  float64 // CONTAINER_CPU_LIMIT (cores)
	PerContainerPids int64   // CONTAINER_PIDS_LIMIT

	// Security toggles
	NoNewPrivileges bool // ENABLE_NO_NEW_PRIVILEGES
	ReadOnly        bool // ENABLE_READ_ONLY
	TmpfsEnable     bool // ENABLE_TMPFS
	TmpfsSize       string // TMPFS_SIZE
	DropAllCaps     bool // DROP_ALL_CAPABILITIES
	CapNetBind      bool // CAP_NET_BIND_SERVICE
	CapChown        bool // CAP_CHOWN

	// Rate limit
	MaxContainersPerSourcePerWindow int // MAX_CONTAINERS_PER_HOUR
	RateLimitWindowSec              int // RATE_LIMIT_WINDOW

	// Maintenance
	ThreadPoolSize           int // THREAD_POOL_SIZE
	MaintenanceIntervalSec   int // MAINTENANCE_INTERVAL
	ContainerCheckIntervalSec int // CONTAINER_CHECK_INTERVAL
	CaptchaTTLSec            int // CAPTCHA_TTL
	MaintenanceBatchSize     int // MAINTENANCE_BATCH_SIZE
	MaintenancePoolMin       int // MAINTENANCE_POOL_MIN
	MaintenancePoolMax       int // MAINTENANCE_POOL_MAX
	PortAllocationMaxAttempts int // PORT_ALLOCATION_MAX_ATTEMPTS
	StalePortMaxAgeSec       int // STALE_PORT_MAX_AGE

	// Global quotas
	EnableResourceQuotas     bool    // ENABLE_RESOURCE_QUOTAS
	MaxTotalContainers       int     // MAX_TOTAL_CONTAINERS
	MaxTotalCPUPercent       float64 // MAX_TOTAL_CPU_PERCENT
	MaxTotalMemoryBytes      int64   // MAX_TOTAL_MEMORY_GB (converted to bytes)
	ResourceCheckIntervalSec int     // RESOURCE_CHECK_INTERVAL
	ResourceSoftLimitPercent float64 // RESOURCE_SOFT_LIMIT_PERCENT

	// Admin/metrics
	AdminKey           string // ADMIN_KEY
	EnableMetrics      bool   // ENABLE_METRICS
	EnableLogsEndpoint bool   // ENABLE_LOGS_ENDPOINT
	BypassCaptcha      bool   // BYPASS_CAPTCHA

	// Challenge
	ImagesName          string // IMAGES_NAME
	Flag                string // FLAG
	ChallengeTitle       string // CHALLENGE_TITLE
	ChallengeDescription string // CHALLENGE_DESCRIPTION

	// Restart policy open-question escape hatch (see DESIGN.md)
	RestartResetsLifetime bool // RESTART_RESETS_LIFETIME
}

// wellKnownBlocked lists ports that must never appear in a configured
// range or single-port field, per spec.md §4.1.
var wellKnownBlocked = map[int]bool{
	22: true, 25: true, 53: true, 80: true, 443: true,
	3306: true, 5432: true, 6379: true, 27017: true,
}

// ValidationError describes one invalid or missing field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a list of ValidationError, satisfying error so a
// caller can fail fast with every problem named at once.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

type raw map[string]string

// Load reads an env-style file and returns a validated Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	kv, err := parse(f)
	if err != nil {
		return nil, err
	}
	return FromEnv(kv)
}

func parse(f *os.File) (raw, error) {
	kv := make(raw)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = strings.Trim(val, `"'`)
		kv[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return kv, nil
}

// FromEnv builds and validates a Config from a flat key/value map; exposed
// separately from Load so tests can build a Config without a file.
func FromEnv(kv raw) (*Config, error) {
	var errs ValidationErrors

	str := func(key, def string) string {
		if v, ok := kv[key]; ok {
			return v
		}
		return def
	}
	reqStr := func(key string) string {
		v, ok := kv[key]
		if !ok || v == "" {
			errs = append(errs, &ValidationError{key, "required"})
		}
		return v
	}
	intv := func(key string, def int) int {
		v, ok := kv[key]
		if !ok || v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, &ValidationError{key, "must be an integer"})
			return def
		}
		return n
	}
	int64v := func(key string, def int64) int64 {
		v, ok := kv[key]
		if !ok || v == "" {
			return def
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, &ValidationError{key, "must be an integer"})
			return def
		}
		return n
	}
	floatv := func(key string, def float64) float64 {
		v, ok := kv[key]
		if !ok || v == "" {
			return def
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, &ValidationError{key, "must be a number"})
			return def
		}
		return n
	}
	boolv := func(key string, def bool) bool {
		v, ok := kv[key]
		if !ok || v == "" {
			return def
		}
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			errs = append(errs, &ValidationError{key, `must be "true" or "false"`})
			return def
		}
		return b
	}

	cfg := &Config{
		DefaultLifetimeSec: intv("LEAVE_TIME", 3600),
		ExtensionSec:       intv("ADD_TIME", 1800),

		PortInContainer: intv("PORT_IN_CONTAINER", 8000),
		StartRange:      intv("START_RANGE", 20000),
		StopRange:       intv("STOP_RANGE", 21000),
		APIPort:         intv("API_PORT", 8080),
		DirectTestPort:  intv("DIRECT_TEST_PORT", 0),

		NetworkName:   str("NETWORK_NAME", "ctf_net"),
		NetworkSubnet: str("NETWORK_SUBNET", ""),

		DBHost:     reqStr("DB_HOST"),
		DBPort:     intv("DB_PORT", 5432),
		DBName:     reqStr("DB_NAME"),
		DBUser:     reqStr("DB_USER"),
		DBPassword: str("DB_PASSWORD", ""),
		PoolMin:    intv("DB_POOL_MIN", 5),
		PoolMax:    intv("DB_POOL_MAX", 20),

		PerContainerMem:  int64v("CONTAINER_MEMORY_LIMIT", 256*1024*1024),
		PerContainerSwap: int64v("CONTAINER_SWAP_LIMIT", 256*1024*1024),
		PerContainerCPU:  floatv("CONTAINER_CPU_LIMIT", 0.5),
		PerContainerPids: int64v("CONTAINER_PIDS_LIMIT", 128),

		NoNewPrivileges: boolv("ENABLE_NO_NEW_PRIVILEGES", true),
		ReadOnly:        boolv("ENABLE_READ_ONLY", false),
		TmpfsEnable:     boolv("ENABLE_TMPFS", true),
		TmpfsSize:       str("TMPFS_SIZE", "64m"),
		DropAllCaps:     boolv("DROP_ALL_CAPABILITIES", true),
		CapNetBind:      boolv("CAP_NET_BIND_SERVICE", false),
		CapChown:        boolv("CAP_CHOWN", false),

		MaxContainersPerSourcePerWindow: intv("MAX_CONTAINERS_PER_HOUR", 3),
		RateLimitWindowSec:              intv("RATE_LIMIT_WINDOW", 3600),

		ThreadPoolSize:            intv("THREAD_POOL_SIZE", 16),
		MaintenanceIntervalSec:    intv("MAINTENANCE_INTERVAL", 30),
		ContainerCheckIntervalSec: intv("CONTAINER_CHECK_INTERVAL", 30),
		CaptchaTTLSec:             intv("CAPTCHA_TTL", 300),
		MaintenanceBatchSize:      intv("MAINTENANCE_BATCH_SIZE", 25),
		MaintenancePoolMin:        intv("MAINTENANCE_POOL_MIN", 2),
		MaintenancePoolMax:        intv("MAINTENANCE_POOL_MAX", 5),
		PortAllocationMaxAttempts: intv("PORT_ALLOCATION_MAX_ATTEMPTS", 5),
		StalePortMaxAgeSec:        intv("STALE_PORT_MAX_AGE", 600),

		EnableResourceQuotas:     boolv("ENABLE_RESOURCE_QUOTAS", true),
		MaxTotalContainers:       intv("MAX_TOTAL_CONTAINERS", 100),
		MaxTotalCPUPercent:       floatv("MAX_TOTAL_CPU_PERCENT", 800),
		MaxTotalMemoryBytes:      int64(floatv("MAX_TOTAL_MEMORY_GB", 16) * 1024 * 1024 * 1024),
		ResourceCheckIntervalSec: intv("RESOURCE_CHECK_INTERVAL", 15),
		ResourceSoftLimitPercent: floatv("RESOURCE_SOFT_LIMIT_PERCENT", 80),

		AdminKey:           str("ADMIN_KEY", ""),
		EnableMetrics:      boolv("ENABLE_METRICS", true),
		EnableLogsEndpoint: boolv("ENABLE_LOGS_ENDPOINT", true),
		BypassCaptcha:      boolv("BYPASS_CAPTCHA", false),

		ImagesName:           reqStr("IMAGES_NAME"),
		Flag:                 reqStr("FLAG"),
		ChallengeTitle:       str("CHALLENGE_TITLE", "CTF Challenge"),
		ChallengeDescription: str("CHALLENGE_DESCRIPTION", ""),

		RestartResetsLifetime: boolv("RESTART_RESETS_LIFETIME", false),
	}

	if cfg.StartRange >= cfg.StopRange {
		errs = append(errs, &ValidationError{"START_RANGE", "must be less than STOP_RANGE"})
	}
	for p := cfg.StartRange; p < cfg.StopRange; p++ {
		if wellKnownBlocked[p] {
			errs = append(errs, &ValidationError{"START_RANGE/STOP_RANGE", fmt.Sprintf("range includes well-known service port %d", p)})
			break
		}
	}
	for _, p := range []struct{ name string; val int }{
		{"API_PORT", cfg.APIPort}, {"PORT_IN_CONTAINER", cfg.PortInContainer}, {"DIRECT_TEST_PORT", cfg.DirectTestPort},
	} {
		if p.val != 0 && wellKnownBlocked[p.val] {
			errs = append(errs, &ValidationError{p.name, "must not be a well-known service port"})
		}
	}
	if cfg.PoolMin > cfg.PoolMax {
		errs = append(errs, &ValidationError{"DB_POOL_MIN", "must be <= DB_POOL_MAX"})
	}
	if cfg.MaintenancePoolMin > cfg.MaintenancePoolMax {
		errs = append(errs, &ValidationError{"MAINTENANCE_POOL_MIN", "must be <= MAINTENANCE_POOL_MAX"})
	}
	if cfg.DefaultLifetimeSec <= 0 {
		errs = append(errs, &ValidationError{"LEAVE_TIME", "must be positive"})
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// DSN builds a libpq-style connection string for the request pool.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword)
}

// PortRangeSize returns the number of ports in [StartRange, StopRange).
func (c *Config) PortRangeSize() int {
	return c.StopRange - c.StartRange
}

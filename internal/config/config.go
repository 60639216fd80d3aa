package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ModulrCloud/robot-teleop-webapp-sub004/internal/origin"
)

const (
	envVarListenAddr      = "SIGNAL_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "SIGNAL_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNAL_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "SIGNAL_RELAY_MODE"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarJWTAudience                   = "JWT_AUDIENCE"
	envVarJWTIssuer                     = "JWT_ISSUER"
	envVarAdminGroups                   = "ADMIN_GROUPS"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarHeartbeatInterval             = "HEARTBEAT_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueSize                 = "SEND_QUEUE_SIZE"
	envVarStrictSDP                     = "STRICT_SDP"
	envVarEnforceDeviceOwnership        = "ENFORCE_DEVICE_OWNERSHIP"

	// Device access lists and presence persistence.
	envVarACLBackend            = "ACL_BACKEND"
	envVarACLFile               = "ACL_FILE"
	envVarACLCacheTTL           = "ACL_CACHE_TTL"
	envVarACLCacheSize          = "ACL_CACHE_SIZE"
	envVarPresenceBackend       = "PRESENCE_BACKEND"
	envVarSQLitePath            = "SQLITE_PATH"
	envVarDynamoDBACLTable      = "DYNAMODB_ACL_TABLE"
	envVarDynamoDBPresenceTable = "DYNAMODB_PRESENCE_TABLE"

	// Session lifecycle events.
	envVarNATSURL           = "NATS_URL"
	envVarNATSSubjectPrefix = "NATS_SUBJECT_PREFIX"
	envVarOutboxSize        = "OUTBOX_SIZE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultHeartbeatInterval             = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSendQueueSize                 = 64

	DefaultACLBackend      StoreBackend = StoreBackendMemory
	DefaultPresenceBackend StoreBackend = StoreBackendNone
	DefaultACLCacheTTL                  = 30 * time.Second
	DefaultACLCacheSize                 = 4096
	DefaultDynamoDBACLTable             = "RobotAccessTable"
	DefaultDynamoDBPresenceTable        = "RobotPresenceTable"

	DefaultNATSSubjectPrefix = "teleop.signaling"
	DefaultOutboxSize        = 1024

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "teleop"
)

// DefaultAdminGroups mirrors the group names the identity provider assigns to
// platform administrators.
var DefaultAdminGroups = []string{"ADMINS", "admin"}

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

// StoreBackend selects where device access lists and presence snapshots live.
type StoreBackend string

const (
	StoreBackendNone     StoreBackend = "none"
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendSQLite   StoreBackend = "sqlite"
	StoreBackendDynamoDB StoreBackend = "dynamodb"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode    AuthMode
	APIKey      string
	JWTSecret   string
	JWTAudience string
	JWTIssuer   string
	AdminGroups []string

	SignalingAuthTimeout time.Duration
	HeartbeatInterval    time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// SendQueueSize bounds the outbound frames buffered per connection. A
	// connection whose queue fills is closed as a slow consumer.
	SendQueueSize int

	StrictSDP        bool
	EnforceOwnership bool

	ACLBackend      StoreBackend
	ACLFile         string
	ACLCacheTTL     time.Duration
	ACLCacheSize    int
	PresenceBackend StoreBackend
	SQLitePath      string

	DynamoDBACLTable      string
	DynamoDBPresenceTable string

	NATSURL           string
	NATSSubjectPrefix string
	OutboxSize        int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// UsesDynamoDB reports whether any store is backed by DynamoDB.
func (c Config) UsesDynamoDB() bool {
	return c.ACLBackend == StoreBackendDynamoDB || c.PresenceBackend == StoreBackendDynamoDB
}

// UsesSQLite reports whether any store is backed by SQLite.
func (c Config) UsesSQLite() bool {
	return c.ACLBackend == StoreBackendSQLite || c.PresenceBackend == StoreBackendSQLite
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	aclCacheTTL, err := envDurationOrDefault(lookup, envVarACLCacheTTL, DefaultACLCacheTTL)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueSize, err := envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize)
	if err != nil {
		return Config{}, err
	}
	aclCacheSize, err := envIntOrDefault(lookup, envVarACLCacheSize, DefaultACLCacheSize)
	if err != nil {
		return Config{}, err
	}
	outboxSize, err := envIntOrDefault(lookup, envVarOutboxSize, DefaultOutboxSize)
	if err != nil {
		return Config{}, err
	}
	strictSDP, err := envBoolOrDefault(lookup, envVarStrictSDP, false)
	if err != nil {
		return Config{}, err
	}
	enforceOwnership, err := envBoolOrDefault(lookup, envVarEnforceDeviceOwnership, false)
	if err != nil {
		return Config{}, err
	}

	authModeDefault := envOrDefault(lookup, envVarAuthMode, defaultAuthModeForMode(modeDefault))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtAudience := envOrDefault(lookup, envVarJWTAudience, "")
	jwtIssuer := envOrDefault(lookup, envVarJWTIssuer, "")
	adminGroupsStr := envOrDefault(lookup, envVarAdminGroups, strings.Join(DefaultAdminGroups, ","))

	aclBackendStr := envOrDefault(lookup, envVarACLBackend, string(DefaultACLBackend))
	presenceBackendStr := envOrDefault(lookup, envVarPresenceBackend, string(DefaultPresenceBackend))
	aclFile := envOrDefault(lookup, envVarACLFile, "")
	sqlitePath := envOrDefault(lookup, envVarSQLitePath, "")
	dynamoACLTable := envOrDefault(lookup, envVarDynamoDBACLTable, DefaultDynamoDBACLTable)
	dynamoPresenceTable := envOrDefault(lookup, envVarDynamoDBPresenceTable, DefaultDynamoDBPresenceTable)
	natsURL := envOrDefault(lookup, envVarNATSURL, "")
	natsSubjectPrefix := envOrDefault(lookup, envVarNATSSubjectPrefix, DefaultNATSSubjectPrefix)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs := flag.NewFlagSet("robot-signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtAudience, "jwt-audience", jwtAudience, "Required JWT aud claim (env "+envVarJWTAudience+")")
	fs.StringVar(&jwtIssuer, "jwt-issuer", jwtIssuer, "Required JWT iss claim (env "+envVarJWTIssuer+")")
	fs.StringVar(&adminGroupsStr, "admin-groups", adminGroupsStr, "Comma-separated identity groups treated as admins (env "+envVarAdminGroups+")")
	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Signaling WS auth timeout (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "Ping idle connections after this long; close after twice this (env "+envVarHeartbeatInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendQueueSize, "send-queue-size", sendQueueSize, "Outbound frames buffered per connection (env "+envVarSendQueueSize+")")
	fs.BoolVar(&strictSDP, "strict-sdp", strictSDP, "Reject offers/answers whose SDP does not parse (env "+envVarStrictSDP+")")
	fs.BoolVar(&enforceOwnership, "enforce-device-ownership", enforceOwnership, "Reject register from a non-owner of an already-owned device (env "+envVarEnforceDeviceOwnership+")")

	fs.StringVar(&aclBackendStr, "acl-backend", aclBackendStr, "Device access-list backend: memory, sqlite, or dynamodb (env "+envVarACLBackend+")")
	fs.StringVar(&aclFile, "acl-file", aclFile, "YAML file seeding the memory access-list backend (env "+envVarACLFile+")")
	fs.DurationVar(&aclCacheTTL, "acl-cache-ttl", aclCacheTTL, "Access-list cache TTL, 0 disables caching (env "+envVarACLCacheTTL+")")
	fs.IntVar(&aclCacheSize, "acl-cache-size", aclCacheSize, "Access-list cache capacity (env "+envVarACLCacheSize+")")
	fs.StringVar(&presenceBackendStr, "presence-backend", presenceBackendStr, "Presence persistence backend: none, sqlite, or dynamodb (env "+envVarPresenceBackend+")")
	fs.StringVar(&sqlitePath, "sqlite-path", sqlitePath, "SQLite database path (env "+envVarSQLitePath+")")
	fs.StringVar(&dynamoACLTable, "dynamodb-acl-table", dynamoACLTable, "DynamoDB access-list table (env "+envVarDynamoDBACLTable+")")
	fs.StringVar(&dynamoPresenceTable, "dynamodb-presence-table", dynamoPresenceTable, "DynamoDB presence table (env "+envVarDynamoDBPresenceTable+")")
	fs.StringVar(&natsURL, "nats-url", natsURL, "NATS server URL for session events; empty logs them instead (env "+envVarNATSURL+")")
	fs.StringVar(&natsSubjectPrefix, "nats-subject-prefix", natsSubjectPrefix, "NATS subject prefix for session events (env "+envVarNATSSubjectPrefix+")")
	fs.IntVar(&outboxSize, "outbox-size", outboxSize, "Pending background jobs before new ones are dropped (env "+envVarOutboxSize+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	aclBackend, err := parseStoreBackend(envVarACLBackend, aclBackendStr)
	if err != nil {
		return Config{}, err
	}
	if aclBackend == StoreBackendNone {
		return Config{}, fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarACLBackend, aclBackendStr,
			StoreBackendMemory, StoreBackendSQLite, StoreBackendDynamoDB)
	}
	presenceBackend, err := parseStoreBackend(envVarPresenceBackend, presenceBackendStr)
	if err != nil {
		return Config{}, err
	}
	if presenceBackend == StoreBackendMemory {
		return Config{}, fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarPresenceBackend, presenceBackendStr,
			StoreBackendNone, StoreBackendSQLite, StoreBackendDynamoDB)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarAllowedOrigins, err)
	}

	switch authMode {
	case AuthModeAPIKey:
		if strings.TrimSpace(apiKey) == "" {
			return Config{}, fmt.Errorf("%s is required when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s is required when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	case AuthModeNone:
		if mode == ModeProd {
			return Config{}, fmt.Errorf("%s=%s is not allowed in %s mode", envVarAuthMode, AuthModeNone, ModeProd)
		}
	}

	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSignalingAuthTimeout)
	}
	if heartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarHeartbeatInterval)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if sendQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSendQueueSize)
	}
	if outboxSize <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarOutboxSize)
	}
	if aclCacheTTL < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarACLCacheTTL)
	}
	if aclCacheTTL > 0 && aclCacheSize <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarACLCacheSize, envVarACLCacheTTL)
	}
	if turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
	}
	if strings.Contains(turnRESTUsernamePrefix, ":") {
		return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
	}
	if (aclBackend == StoreBackendSQLite || presenceBackend == StoreBackendSQLite) && strings.TrimSpace(sqlitePath) == "" {
		return Config{}, fmt.Errorf("%s is required for the %s backend", envVarSQLitePath, StoreBackendSQLite)
	}
	if aclBackend == StoreBackendDynamoDB && strings.TrimSpace(dynamoACLTable) == "" {
		return Config{}, fmt.Errorf("%s must not be empty", envVarDynamoDBACLTable)
	}
	if presenceBackend == StoreBackendDynamoDB && strings.TrimSpace(dynamoPresenceTable) == "" {
		return Config{}, fmt.Errorf("%s must not be empty", envVarDynamoDBPresenceTable)
	}
	if strings.TrimSpace(natsSubjectPrefix) == "" {
		return Config{}, fmt.Errorf("%s must not be empty", envVarNATSSubjectPrefix)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:    authMode,
		APIKey:      apiKey,
		JWTSecret:   jwtSecret,
		JWTAudience: jwtAudience,
		JWTIssuer:   jwtIssuer,
		AdminGroups: splitCommaSeparated(adminGroupsStr),

		SignalingAuthTimeout:          signalingAuthTimeout,
		HeartbeatInterval:             heartbeatInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SendQueueSize:                 sendQueueSize,
		StrictSDP:                     strictSDP,
		EnforceOwnership:              enforceOwnership,

		ACLBackend:      aclBackend,
		ACLFile:         aclFile,
		ACLCacheTTL:     aclCacheTTL,
		ACLCacheSize:    aclCacheSize,
		PresenceBackend: presenceBackend,
		SQLitePath:      sqlitePath,

		DynamoDBACLTable:      dynamoACLTable,
		DynamoDBPresenceTable: dynamoPresenceTable,

		NATSURL:           natsURL,
		NATSSubjectPrefix: natsSubjectPrefix,
		OutboxSize:        outboxSize,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

// defaultAuthModeForMode keeps local development credential-free while
// production defaults to verified JWTs.
func defaultAuthModeForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(AuthModeJWT)
	default:
		return string(AuthModeNone)
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseStoreBackend(key, raw string) (StoreBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreBackendNone), "":
		return StoreBackendNone, nil
	case string(StoreBackendMemory):
		return StoreBackendMemory, nil
	case string(StoreBackendSQLite):
		return StoreBackendSQLite, nil
	case string(StoreBackendDynamoDB), "dynamo":
		return StoreBackendDynamoDB, nil
	default:
		return "", fmt.Errorf("invalid %s %q", key, raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// AppConfig is the full configuration of the reefline binary. Values layer
// in order: defaults, the optional YAML venue file, environment variables,
// then flags.
type AppConfig struct {
	GatewayURL    string   `yaml:"gateway_url"`
	GatewayRPS    float64  `yaml:"gateway_rps"`
	Chain         string   `yaml:"chain"`
	Network       string   `yaml:"network"`
	Connector     string   `yaml:"connector"`
	WalletAddress string   `yaml:"wallet_address"`
	NativeAsset   string   `yaml:"native_asset"`
	TradingPairs  []string `yaml:"trading_pairs"`

	StoragePath     string        `yaml:"storage_path"`
	HTTPListen      string        `yaml:"http_listen"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	BalanceInterval time.Duration `yaml:"balance_interval"`
	PersistInterval time.Duration `yaml:"persist_interval"`
	ApprovalWorkers int           `yaml:"approval_workers"`

	LogLevel  string   `yaml:"log_level"`
	LogJSON   bool     `yaml:"log_json"`
	LogGroups []string `yaml:"log_groups"`

	configFile string
}

func DefaultConfig() AppConfig {
	return AppConfig{
		GatewayURL:      "https://localhost:15888",
		GatewayRPS:      10,
		Chain:           "ethereum",
		Network:         "mainnet",
		Connector:       "uniswap",
		NativeAsset:     "ETH",
		StoragePath:     "reefline.sqlite3",
		HTTPListen:      ":8080",
		PollInterval:    time.Second,
		BalanceInterval: 30 * time.Second,
		PersistInterval: 5 * time.Second,
		ApprovalWorkers: 2,
		LogLevel:        "info",
	}
}

// NewConfigFlagSet declares the flags against the provided struct but does
// not parse.
func NewConfigFlagSet(cfg *AppConfig) *pflag.FlagSet {
	fs := pflag.NewFlagSet("reefline", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVar(&cfg.configFile, "config", cfg.configFile, "YAML venue config file (env: REEFLINE_CONFIG)")

	fs.StringVar(&cfg.GatewayURL, "gateway-url", cfg.GatewayURL, "Gateway base URL (env: REEFLINE_GATEWAY_URL)")
	fs.Float64Var(&cfg.GatewayRPS, "gateway-rps", cfg.GatewayRPS, "Gateway request rate cap per second (env: REEFLINE_GATEWAY_RPS)")
	fs.StringVar(&cfg.Chain, "chain", cfg.Chain, "Chain name (env: REEFLINE_CHAIN)")
	fs.StringVar(&cfg.Network, "network", cfg.Network, "Network name (env: REEFLINE_NETWORK)")
	fs.StringVar(&cfg.Connector, "connector", cfg.Connector, "DEX connector name (env: REEFLINE_CONNECTOR)")
	fs.StringVar(&cfg.WalletAddress, "wallet-address", cfg.WalletAddress, "Wallet address (env: REEFLINE_WALLET_ADDRESS)")
	fs.StringVar(&cfg.NativeAsset, "native-asset", cfg.NativeAsset, "Gas currency symbol (env: REEFLINE_NATIVE_ASSET)")
	fs.StringSliceVar(&cfg.TradingPairs, "trading-pairs", cfg.TradingPairs, "Trading pairs, e.g. WETH-DAI (env: REEFLINE_TRADING_PAIRS)")

	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite storage path (env: REEFLINE_STORAGE_PATH)")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP listen address (env: REEFLINE_HTTP_LISTEN)")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "CORS allowed origins (env: REEFLINE_ALLOWED_ORIGINS)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Reconciliation poll interval (env: REEFLINE_POLL_INTERVAL)")
	fs.DurationVar(&cfg.BalanceInterval, "balance-interval", cfg.BalanceInterval, "Balance refresh interval (env: REEFLINE_BALANCE_INTERVAL)")
	fs.DurationVar(&cfg.PersistInterval, "persist-interval", cfg.PersistInterval, "Tracking state persist interval (env: REEFLINE_PERSIST_INTERVAL)")
	fs.IntVar(&cfg.ApprovalWorkers, "approval-workers", cfg.ApprovalWorkers, "Token approval workers (env: REEFLINE_APPROVAL_WORKERS)")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: REEFLINE_LOG_LEVEL)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "Emit logs as JSON (env: REEFLINE_LOG_JSON)")
	fs.StringSliceVar(&cfg.LogGroups, "log-groups", cfg.LogGroups, "Only emit these slog groups (env: REEFLINE_LOG_GROUPS)")

	return fs
}

// ApplyFile merges the YAML venue file into cfg. Flags already set on the
// command line win over file values, so the file is applied only to flags
// the user did not touch.
func ApplyFile(fs *pflag.FlagSet, cfg *AppConfig) error {
	path := cfg.configFile
	if path == "" {
		path = os.Getenv("REEFLINE_CONFIG")
	}
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}

	fromFile := *cfg
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}

	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })
	touched := func(name string) bool {
		_, ok := flagSet[name]
		return ok
	}

	if !touched("gateway-url") {
		cfg.GatewayURL = fromFile.GatewayURL
	}
	if !touched("gateway-rps") {
		cfg.GatewayRPS = fromFile.GatewayRPS
	}
	if !touched("chain") {
		cfg.Chain = fromFile.Chain
	}
	if !touched("network") {
		cfg.Network = fromFile.Network
	}
	if !touched("connector") {
		cfg.Connector = fromFile.Connector
	}
	if !touched("wallet-address") {
		cfg.WalletAddress = fromFile.WalletAddress
	}
	if !touched("native-asset") {
		cfg.NativeAsset = fromFile.NativeAsset
	}
	if !touched("trading-pairs") {
		cfg.TradingPairs = fromFile.TradingPairs
	}
	if !touched("storage-path") {
		cfg.StoragePath = fromFile.StoragePath
	}
	if !touched("http-listen") {
		cfg.HTTPListen = fromFile.HTTPListen
	}
	if !touched("allowed-origins") {
		cfg.AllowedOrigins = fromFile.AllowedOrigins
	}
	if !touched("poll-interval") {
		cfg.PollInterval = fromFile.PollInterval
	}
	if !touched("balance-interval") {
		cfg.BalanceInterval = fromFile.BalanceInterval
	}
	if !touched("persist-interval") {
		cfg.PersistInterval = fromFile.PersistInterval
	}
	if !touched("approval-workers") {
		cfg.ApprovalWorkers = fromFile.ApprovalWorkers
	}
	if !touched("log-level") {
		cfg.LogLevel = fromFile.LogLevel
	}
	if !touched("log-json") {
		cfg.LogJSON = fromFile.LogJSON
	}
	if !touched("log-groups") {
		cfg.LogGroups = fromFile.LogGroups
	}
	return nil
}

// ApplyEnvDefaults inspects flags that were left untouched and pulls values
// from the environment.
func ApplyEnvDefaults(fs *pflag.FlagSet, cfg *AppConfig) {
	flagSet := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { flagSet[f.Name] = struct{}{} })

	setString := func(name, envKey string, target *string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = v
		}
	}
	setStrings := func(name, envKey string, target *[]string) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok && v != "" {
			*target = strings.Split(v, ",")
		}
	}
	setFloat := func(name, envKey string, target *float64) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*target = parsed
			}
		}
	}
	setInt := func(name, envKey string, target *int) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*target = parsed
			}
		}
	}
	setBool := func(name, envKey string, target *bool) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*target = parsed
			}
		}
	}
	setDuration := func(name, envKey string, target *time.Duration) {
		if _, ok := flagSet[name]; ok {
			return
		}
		if v, ok := os.LookupEnv(envKey); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*target = parsed
			}
		}
	}

	setString("gateway-url", "REEFLINE_GATEWAY_URL", &cfg.GatewayURL)
	setFloat("gateway-rps", "REEFLINE_GATEWAY_RPS", &cfg.GatewayRPS)
	setString("chain", "REEFLINE_CHAIN", &cfg.Chain)
	setString("network", "REEFLINE_NETWORK", &cfg.Network)
	setString("connector", "REEFLINE_CONNECTOR", &cfg.Connector)
	setString("wallet-address", "REEFLINE_WALLET_ADDRESS", &cfg.WalletAddress)
	setString("native-asset", "REEFLINE_NATIVE_ASSET", &cfg.NativeAsset)
	setStrings("trading-pairs", "REEFLINE_TRADING_PAIRS", &cfg.TradingPairs)
	setString("storage-path", "REEFLINE_STORAGE_PATH", &cfg.StoragePath)
	setString("http-listen", "REEFLINE_HTTP_LISTEN", &cfg.HTTPListen)
	setStrings("allowed-origins", "REEFLINE_ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	setDuration("poll-interval", "REEFLINE_POLL_INTERVAL", &cfg.PollInterval)
	setDuration("balance-interval", "REEFLINE_BALANCE_INTERVAL", &cfg.BalanceInterval)
	setDuration("persist-interval", "REEFLINE_PERSIST_INTERVAL", &cfg.PersistInterval)
	setInt("approval-workers", "REEFLINE_APPROVAL_WORKERS", &cfg.ApprovalWorkers)
	setString("log-level", "REEFLINE_LOG_LEVEL", &cfg.LogLevel)
	setBool("log-json", "REEFLINE_LOG_JSON", &cfg.LogJSON)
	setStrings("log-groups", "REEFLINE_LOG_GROUPS", &cfg.LogGroups)
}

func ValidateConfig(cfg AppConfig) error {
	var missing []string
	if cfg.GatewayURL == "" {
		missing = append(missing, "gateway-url")
	}
	if cfg.WalletAddress == "" {
		missing = append(missing, "wallet-address")
	}
	if len(cfg.TradingPairs) == 0 {
		missing = append(missing, "trading-pairs")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if !common.IsHexAddress(cfg.WalletAddress) {
		return fmt.Errorf("wallet-address %q is not a valid EVM address", cfg.WalletAddress)
	}
	for _, pair := range cfg.TradingPairs {
		parts := strings.Split(pair, "-")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("trading pair %q is not BASE-QUOTE", pair)
		}
	}
	return nil
}

// LogLevelFromConfig parses the configured log level, defaulting to info.
func LogLevelFromConfig(cfg AppConfig) slog.Level {
	var level slog.Level
	if cfg.LogLevel == "" {
		return slog.LevelInfo
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("unknown log level %q, defaulting to info", cfg.LogLevel)
		return slog.LevelInfo
	}
	return level
}

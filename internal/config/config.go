// Package config はイベントストアサービスの設定を読み込む。
//
// 設定はデフォルト値、YAMLファイル、.envファイル、環境変数の順に上書きされる。
// .envファイルの値は既に設定されている環境変数を上書きしない。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 永続化先のドライバ名。
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// MemoryDSN はsqliteとbadgerでインメモリ動作を指定するDSN。
const MemoryDSN = ":memory:"

// EnvConfigPath は設定ファイルのパスを指定する環境変数。
const EnvConfigPath = "EVENTSTORE_CONFIG"

// Config はイベントストアサービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `yaml:"port"`
	// Driver は永続化先（sqlite, postgres, badger）。
	Driver string `yaml:"driver"`
	// DSN はデータベースの接続文字列。badgerではデータディレクトリ。
	DSN string `yaml:"dsn"`
	// DataDir はsqliteとbadgerのデータを置くディレクトリ。DSN未指定時に使用する。
	DataDir string `yaml:"data_dir"`
	// JWTSecret が空でなければ書き込みAPIにJWT認証を要求する。
	JWTSecret string `yaml:"jwt_secret"`
	// AllowedOrigins はCORSを許可するオリジン。
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig はローカル開発用のデフォルト設定を返す。
func DefaultConfig() *Config {
	return &Config{
		Port:    "8084",
		Driver:  DriverSQLite,
		DataDir: "./data/eventstore",
	}
}

// Load は設定を読み込み、検証済みの設定を返す。
// configPathが空なら環境変数EVENTSTORE_CONFIGのパスを使用し、それも空ならファイルを読まない。
// envFilesを省略するとカレントディレクトリの.envを読み込む。存在しないファイルは無視する。
func Load(configPath string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf(".envファイルの読み込みに失敗 (%s): %w", f, err)
		}
	}

	if configPath == "" {
		configPath = os.Getenv(EnvConfigPath)
	}

	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = LoadFromFile(configPath); err != nil {
			return nil, err
		}
	}

	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile はYAMLファイルから設定を読み込む。ファイルにない項目はデフォルト値になる。
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("設定ファイルのパースに失敗 (%s): %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv は環境変数で設定を上書きする。
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("EVENTSTORE_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("EVENTSTORE_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("EVENTSTORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
}

// Resolve はドライバ名を正規化し、未指定のDSNをDataDirから補う。
func (c *Config) Resolve() {
	switch strings.ToLower(c.Driver) {
	case "sqlite3", DriverSQLite:
		c.Driver = DriverSQLite
	case "postgresql", DriverPostgres:
		c.Driver = DriverPostgres
	case DriverBadger:
		c.Driver = DriverBadger
	}

	if c.DSN != "" || c.DataDir == "" {
		return
	}
	switch c.Driver {
	case DriverSQLite:
		c.DSN = filepath.Join(c.DataDir, "events.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	case DriverBadger:
		c.DSN = filepath.Join(c.DataDir, "badger")
	}
}

// Validate は設定を検証する。
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverBadger:
		if c.DSN == "" {
			return fmt.Errorf("%sではdsnまたはdata_dirの指定が必要です", c.Driver)
		}
	case DriverPostgres:
		if c.DSN == "" {
			return errors.New("postgresではdsnの指定が必要です")
		}
	default:
		return fmt.Errorf("未対応のドライバです: %q (sqlite, postgres, badger のいずれか)", c.Driver)
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("ポート番号が不正です: %q", c.Port)
	}
	return nil
}

// EnsureDirectories はsqliteとbadgerのデータディレクトリを作成する。
// インメモリの指定やpostgresでは何もしない。
func (c *Config) EnsureDirectories() error {
	var dir string
	switch c.Driver {
	case DriverSQLite:
		path, _, _ := strings.Cut(strings.TrimPrefix(c.DSN, "file:"), "?")
		if path == "" || path == MemoryDSN {
			return nil
		}
		dir = filepath.Dir(path)
	case DriverBadger:
		if c.DSN == MemoryDSN {
			return nil
		}
		dir = c.DSN
	default:
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ディレクトリの作成に失敗 (%s): %w", dir, err)
	}
	return nil
}

// splitList はカンマ区切りの値を空白を除いて分割する。
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

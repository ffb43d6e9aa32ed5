// イベントストアサービスのエントリポイント。
// 状態変更をイベントとして追記専用で永続化し、Aggregate、タイプ、日時の単位で配信する。
// 永続化先は設定でsqlite、postgres、badgerから選択する。
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/eventstore/internal/config"
	"github.com/nao1215/eventstore/internal/eventstore"
	"github.com/nao1215/eventstore/internal/eventstore/badgerstore"
	"github.com/nao1215/eventstore/internal/eventstore/sqlstore"
)

// backend はサーバーに渡すStoreと終了処理を持つ。
type backend interface {
	eventstore.Store
	io.Closer
}

func main() {
	configPath := flag.String("config", "", "設定ファイル（YAML）のパス。省略時は環境変数EVENTSTORE_CONFIG")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("データディレクトリの作成に失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("イベントストアの初期化に失敗: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("イベントストアのクローズに失敗: %v", err)
		}
	}()

	server, err := eventstore.NewServer(cfg.Port, store,
		eventstore.WithJWTSecret(cfg.JWTSecret),
		eventstore.WithAllowedOrigins(cfg.AllowedOrigins),
	)
	if err != nil {
		log.Printf("イベントストアサーバーの初期化に失敗: %v", err)
		return
	}
	if cfg.JWTSecret == "" {
		log.Println("JWT_SECRETが未設定のため、書き込みAPIは認証なしで公開されます")
	}

	log.Printf("イベントストアサービスを起動します: :%s (driver=%s)", cfg.Port, cfg.Driver)
	if err := server.Run(ctx); err != nil {
		log.Printf("イベントストアサービスの起動に失敗: %v", err)
	}
}

// openBackend は設定されたドライバでStoreを開く。
func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.Driver {
	case config.DriverBadger:
		dir := cfg.DSN
		if dir == config.MemoryDSN {
			dir = ""
		}
		return badgerstore.Open(dir)
	default:
		return sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
	}
}

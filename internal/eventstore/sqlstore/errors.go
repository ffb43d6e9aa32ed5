package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/nao1215/eventstore/pkg/event"
)

// translate はデータベースのエラーをドメインのエラーに変換する。
// 追記対象のイベントが分かる場合はprepared に渡し、競合の詳細に含める。
func (s *Store) translate(err error, op string, prepared *event.Event) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch s.dialect.classify(err) {
	case event.ErrVersionConflict:
		if prepared != nil {
			return event.NewVersionConflict(prepared)
		}
		return fmt.Errorf("%s: %w", op, event.ErrVersionConflict)
	case event.ErrValidation:
		return &event.ValidationError{Field: "event", Reason: err.Error()}
	case event.ErrStorageUnavailable:
		return fmt.Errorf("%s: %w", op, event.Unavailable(err))
	}

	if isConnectionError(err) {
		return fmt.Errorf("%s: %w", op, event.Unavailable(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isConnectionError はドライバに依存しない接続系の障害かを判定する。
func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

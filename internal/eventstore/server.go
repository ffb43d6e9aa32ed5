package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/eventstore/pkg/event"
	"github.com/nao1215/eventstore/pkg/middleware"
)

// MaxPageSize は一覧取得APIが一度に返すイベントの最大件数。
const MaxPageSize = 1000

// shutdownTimeout はサーバー停止時に処理中のリクエストを待つ時間。
const shutdownTimeout = 10 * time.Second

// Server はイベントストアサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はイベントの永続化先。
	store Store
	// jwtSecret が空でなければ書き込みAPIにJWT認証を要求する。
	jwtSecret string
	// allowedOrigins はCORSを許可するオリジン。空ならCORSヘッダーを付与しない。
	allowedOrigins []string
}

// ServerOption はServerの設定を変更する。
type ServerOption func(*Server)

// WithJWTSecret は書き込みAPIのJWT検証に使用するシークレットを設定する。
func WithJWTSecret(secret string) ServerOption {
	return func(s *Server) {
		s.jwtSecret = secret
	}
}

// WithAllowedOrigins はCORSを許可するオリジンを設定する。
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// NewServer は新しいイベントストアサーバーを生成する。
func NewServer(port string, store Store, opts ...ServerOption) (*Server, error) {
	if store == nil {
		return nil, errors.New("イベントストアが指定されていません")
	}

	s := &Server{
		port:  port,
		store: store,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	// エスケープされた "/" を含むAggregateIDをパスパラメータとして扱う
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(gin.Logger())
	if len(s.allowedOrigins) > 0 {
		router.Use(middleware.CORS(s.allowedOrigins))
	}
	s.router = router
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされると処理中のリクエストを待って停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[EventStore] リッスンを開始します: %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("[EventStore] サーバーを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	write := []gin.HandlerFunc{}
	if s.jwtSecret != "" {
		write = append(write, middleware.JWTAuth(s.jwtSecret))
	}

	api := s.router.Group("/api/v1")
	{
		events := api.Group("/events")
		{
			// イベントの追記
			events.POST("", append(write, s.handleAppendEvent())...)
			// 条件指定によるイベント検索
			events.GET("", s.handleQueryEvents())
			// 日時より後のイベント取得（クエリパラメータ: at）
			events.GET("/after", s.handleGetEventsAfter())
			// 日時より前のイベント取得（クエリパラメータ: at）
			events.GET("/before", s.handleGetEventsBefore())
			// IDによるイベント取得
			events.GET("/:id", s.handleGetEventByID())
		}

		aggregates := api.Group("/aggregates/:aggregate_type/:aggregate_id")
		{
			// Aggregateのイベント取得（状態再構築用）
			aggregates.GET("/events", s.handleGetEventsByAggregate())
			// Aggregateの最新バージョン取得
			aggregates.GET("/version", s.handleGetLatestVersion())
		}

		// イベントタイプによるイベント取得（クエリパラメータ: after, before）
		api.GET("/event-types/:event_type/events", s.handleGetEventsByType())
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}

// appendEventRequest はイベント追記リクエストのJSON構造。
type appendEventRequest struct {
	// ID はストアが採番するため指定してはならない。指定された場合は検証エラーになる。
	ID int64 `json:"id"`
	// EventType はイベントの種類。
	EventType string `json:"event_type"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType string `json:"aggregate_type"`
	// Payload はイベント固有のデータ（JSONオブジェクト）。
	Payload json.RawMessage `json:"payload"`
	// Metadata は付帯情報（JSONオブジェクト、省略可）。
	Metadata json.RawMessage `json:"metadata"`
	// Version はAggregate内でのバージョン。
	Version int64 `json:"version"`
	// OccurredAt は発生日時（RFC3339）。省略時はサーバーの現在時刻。
	OccurredAt *time.Time `json:"occurred_at"`
}

// toEvent はリクエストをイベントに変換する。
func (r appendEventRequest) toEvent() *event.Event {
	e := &event.Event{
		ID:            r.ID,
		EventType:     r.EventType,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		Payload:       r.Payload,
		Metadata:      r.Metadata,
		Version:       r.Version,
	}
	if r.OccurredAt != nil {
		e.OccurredAt = *r.OccurredAt
	}
	return e
}

// handleAppendEvent はイベントの追記を処理するハンドラを返す。
// 同じAggregateとバージョンのイベントが既にある場合は409を返す。
func (s *Server) handleAppendEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req appendEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, &event.ValidationError{Field: "body", Reason: fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		stored, err := s.store.Append(c.Request.Context(), req.toEvent())
		if err != nil {
			writeError(c, err)
			return
		}

		log.Printf("[EventStore] イベントを追記しました: id=%d, type=%s, aggregate=%s/%s, version=%d, producer=%q, request_id=%s",
			stored.ID, stored.EventType, stored.AggregateType, stored.AggregateID, stored.Version,
			middleware.GetProducer(c), middleware.GetRequestID(c))
		c.JSON(http.StatusCreated, stored)
	}
}

// handleQueryEvents は条件指定によるイベント検索を処理するハンドラを返す。
func (s *Server) handleQueryEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := parseFilter(c)
		if err != nil {
			writeError(c, err)
			return
		}
		events, err := s.store.Query(c.Request.Context(), f)
		writeEvents(c, events, err)
	}
}

// handleGetEventByID はIDによるイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventByID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(c, &event.ValidationError{Field: "id", Reason: "正の整数を指定してください"})
			return
		}

		e, err := s.store.FindByID(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, e)
	}
}

// handleGetEventsByAggregate はAggregateのイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsByAggregate() gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := s.store.FindByAggregate(c.Request.Context(), c.Param("aggregate_id"), c.Param("aggregate_type"))
		writeEvents(c, events, err)
	}
}

// handleGetLatestVersion はAggregateの最新バージョン取得を処理するハンドラを返す。
func (s *Server) handleGetLatestVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		version, err := s.store.GetLatestVersion(c.Request.Context(), c.Param("aggregate_id"), c.Param("aggregate_type"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"version": version})
	}
}

// handleGetEventsByType はイベントタイプによるイベント取得を処理するハンドラを返す。
// afterとbeforeの指定に応じて期間を絞り込む。両方を指定した場合は古い順に返す。
func (s *Server) handleGetEventsByType() gin.HandlerFunc {
	return func(c *gin.Context) {
		eventType := c.Param("event_type")
		after, err := parseTimeParam(c, "after", false)
		if err != nil {
			writeError(c, err)
			return
		}
		before, err := parseTimeParam(c, "before", false)
		if err != nil {
			writeError(c, err)
			return
		}

		ctx := c.Request.Context()
		var events []*event.Event
		switch {
		case !after.IsZero() && !before.IsZero():
			events, err = s.store.Query(ctx, event.Filter{
				EventType: eventType, After: after, Before: before, OrderBy: event.OrderByOccurredAt,
			})
		case !after.IsZero():
			events, err = s.store.FindEventsByTypeAfter(ctx, eventType, after)
		case !before.IsZero():
			events, err = s.store.FindEventsByTypeBefore(ctx, eventType, before)
		default:
			events, err = s.store.FindByEventType(ctx, eventType)
		}
		writeEvents(c, events, err)
	}
}

// handleGetEventsAfter は日時より後のイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsAfter() gin.HandlerFunc {
	return func(c *gin.Context) {
		at, err := parseTimeParam(c, "at", true)
		if err != nil {
			writeError(c, err)
			return
		}
		events, err := s.store.FindEventsAfter(c.Request.Context(), at)
		writeEvents(c, events, err)
	}
}

// handleGetEventsBefore は日時より前のイベント取得を処理するハンドラを返す。
func (s *Server) handleGetEventsBefore() gin.HandlerFunc {
	return func(c *gin.Context) {
		at, err := parseTimeParam(c, "at", true)
		if err != nil {
			writeError(c, err)
			return
		}
		events, err := s.store.FindEventsBefore(c.Request.Context(), at)
		writeEvents(c, events, err)
	}
}

// handleHealth はヘルスチェックを処理するハンドラを返す。
// 永続化先に疎通できない場合は503を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, ok := s.store.(Pinger); ok {
			if err := p.Ping(c.Request.Context()); err != nil {
				log.Printf("[EventStore] ヘルスチェックに失敗: %v", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unavailable", "service": "eventstore", "error": err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "eventstore"})
	}
}

// parseFilter はクエリパラメータから検索条件を組み立てる。
// limitは省略時および上限超過時にMaxPageSizeとする。
func parseFilter(c *gin.Context) (event.Filter, error) {
	f := event.Filter{
		AggregateID:   c.Query("aggregate_id"),
		AggregateType: c.Query("aggregate_type"),
		EventType:     c.Query("event_type"),
		Limit:         MaxPageSize,
	}

	var err error
	if f.After, err = parseTimeParam(c, "after", false); err != nil {
		return f, err
	}
	if f.Before, err = parseTimeParam(c, "before", false); err != nil {
		return f, err
	}
	if f.OrderBy, err = event.ParseOrderField(c.Query("order_by")); err != nil {
		return f, err
	}

	switch c.DefaultQuery("order", "asc") {
	case "asc":
	case "desc":
		f.Descending = true
	default:
		return f, &event.ValidationError{Field: "order", Reason: "asc または desc を指定してください"}
	}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return f, &event.ValidationError{Field: "limit", Reason: "正の整数を指定してください"}
		}
		f.Limit = min(limit, MaxPageSize)
	}
	if v := c.Query("after_id"); v != "" {
		afterID, err := strconv.ParseInt(v, 10, 64)
		if err != nil || afterID < 0 {
			return f, &event.ValidationError{Field: "after_id", Reason: "0以上の整数を指定してください"}
		}
		f.AfterID = afterID
	}
	return f, nil
}

// parseTimeParam はRFC3339形式のクエリパラメータを解析する。
// 省略された場合、requiredなら検証エラー、そうでなければゼロ値を返す。
func parseTimeParam(c *gin.Context, name string, required bool) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		if required {
			return time.Time{}, &event.ValidationError{Field: name, Reason: "日時の指定が必要です"}
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &event.ValidationError{Field: name, Reason: fmt.Sprintf("RFC3339形式で指定してください: %q", v)}
	}
	return t, nil
}

// writeEvents はイベント一覧またはエラーをレスポンスに書き込む。
func writeEvents(c *gin.Context, events []*event.Event, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	c.JSON(http.StatusOK, events)
}

// statusFor はエラーに対応するHTTPステータスコードを返す。
func statusFor(err error) int {
	switch {
	case errors.Is(err, event.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, event.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, event.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, event.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError はエラーをHTTPステータスとJSONボディに変換して書き込む。
// 500の場合は詳細をログにのみ出力する。
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("[EventStore] %s %s request_id=%s: %v",
			c.Request.Method, c.Request.URL.Path, middleware.GetRequestID(c), err)
		c.JSON(status, gin.H{"error": "内部サーバーエラーが発生しました"})
		return
	}

	body := gin.H{"error": err.Error()}
	var ve *event.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	c.JSON(status, body)
}

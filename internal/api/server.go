package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/paywatch/internal/auth"
	"github.com/terminal-bench/paywatch/internal/dispatch"
	"github.com/terminal-bench/paywatch/internal/pool"
	"github.com/terminal-bench/paywatch/internal/store"
	"github.com/terminal-bench/paywatch/internal/watch"
	"github.com/terminal-bench/paywatch/shared/events"
)

// PoolStatus is the health-reporting slice of the server pool.
type PoolStatus interface {
	Health() []pool.ServerHealth
}

// Server is the merchant-facing HTTP surface: watch management over REST
// and realtime payment events over a websocket.
type Server struct {
	router     *gin.Engine
	watcher    *watch.Watcher
	store      store.Store
	dispatcher *dispatch.Dispatcher
	verifier   *auth.Verifier
	pool       PoolStatus
	log        *zap.Logger
}

func NewServer(w *watch.Watcher, st store.Store, d *dispatch.Dispatcher, v *auth.Verifier, p PoolStatus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:     gin.New(),
		watcher:    w,
		store:      st,
		dispatcher: d,
		verifier:   v,
		pool:       p,
		log:        logger.Named("api"),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.authMiddleware())
	{
		v1.POST("/watches", s.createWatch)
		v1.GET("/watches/:orderID", s.getWatch)
		v1.GET("/ws", s.handleWebSocket)
	}
}

// Router exposes the gin engine for tests and custom http.Server setups.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves on addr until the listener fails.
func (s *Server) Start(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := s.verifier.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("merchant_id", claims.MerchantID)
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	health := s.pool.Health()
	healthy := 0
	for _, h := range health {
		if h.Connected {
			healthy++
		}
	}

	status := "healthy"
	code := http.StatusOK
	if healthy == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":            status,
		"connected_servers": healthy,
		"servers":           health,
	})
}

type createWatchRequest struct {
	OrderID        string `json:"order_id" binding:"required"`
	ExpectedAmount string `json:"expected_amount" binding:"required"`
}

func (s *Server) createWatch(c *gin.Context) {
	var req createWatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	expected, err := decimal.NewFromString(req.ExpectedAmount)
	if err != nil || !expected.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected_amount must be a positive decimal"})
		return
	}

	merchantID := c.MustGet("merchant_id").(string)

	if _, err := s.store.GetWatch(c.Request.Context(), req.OrderID); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "watch already exists for order"})
		return
	}

	w, err := s.watcher.CreateWatch(c.Request.Context(), req.OrderID, merchantID, expected)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no seed stored for merchant"})
		case errors.Is(err, store.ErrDerivationReuse):
			c.JSON(http.StatusConflict, gin.H{"error": "derivation index conflict, retry"})
		default:
			s.log.Error("watch creation failed",
				zap.String("order", req.OrderID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create watch"})
		}
		return
	}

	if s.dispatcher != nil {
		s.dispatcher.WatchCreated(
			events.NewPaymentEvent(events.WatchCreated, w.OrderID, merchantID, w.Address))
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_id":        w.OrderID,
		"address":         w.Address,
		"derivation_path": w.DerivationPath,
		"expected_amount": req.ExpectedAmount,
		"state":           w.State().String(),
	})
}

func (s *Server) getWatch(c *gin.Context) {
	merchantID := c.MustGet("merchant_id").(string)

	rec, err := s.store.GetWatch(c.Request.Context(), c.Param("orderID"))
	if err != nil || rec.MerchantID != merchantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "watch not found"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	merchantID := c.MustGet("merchant_id").(string)
	session := s.dispatcher.Register(merchantID)

	go s.readPump(session, conn)
	go s.writePump(session, conn)
}

func (s *Server) readPump(session *dispatch.MerchantSession, conn *websocket.Conn) {
	defer func() {
		s.dispatcher.Unregister(session.ID)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(session *dispatch.MerchantSession, conn *websocket.Conn) {
	for {
		select {
		case payload := <-session.Send:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.dispatcher.Unregister(session.ID)
				conn.Close()
				return
			}
		case <-session.Done:
			return
		}
	}
}

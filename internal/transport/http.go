package transport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mcalero11/pos-inteligente-sv/internal/cache"
	"github.com/mcalero11/pos-inteligente-sv/internal/document"
	"github.com/mcalero11/pos-inteligente-sv/internal/model"
	"github.com/mcalero11/pos-inteligente-sv/internal/register"
	"github.com/mcalero11/pos-inteligente-sv/internal/syncer"
)

// Server is the HTTP surface of one terminal: the websocket sync endpoint and
// discovery handshake for peers, plus the local API the host application
// shell drives (register, cart, checkout, product cache).
type Server struct {
	store    *document.Store
	engine   *syncer.Engine
	peers    *syncer.Directory
	machine  *register.Machine
	products *cache.Manager
	env      string
}

func NewServer(store *document.Store, engine *syncer.Engine, peers *syncer.Directory,
	machine *register.Machine, products *cache.Manager, env string) *Server {
	return &Server{store: store, engine: engine, peers: peers, machine: machine, products: products, env: env}
}

// Router wires the Gin engine. The websocket handler feeds complete frames to
// the sync engine; everything else is read-only.
func (s *Server) Router() *gin.Engine {
	if s.env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	r.GET("/health", s.health)
	r.GET("/sync/status", s.syncStatus)
	r.GET("/peers", s.listPeers)
	r.GET("/document", s.snapshot)
	r.POST("/announce", s.announce)
	r.GET("/ws", gin.WrapF(serveWS(s.engine.OnMessage)))

	s.localRoutes(r)

	return r
}

// requestLogger mirrors the structured access log used across the backend.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("duration", time.Since(start)).
			Msg("handled")
	}
}

// health never exposes internals; it reports whether the store accepts
// mutations (a poisoned store still serves reads).
func (s *Server) health(c *gin.Context) {
	doc := s.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"terminal_id":  doc.TerminalID,
		"last_updated": doc.LastUpdated,
	})
}

func (s *Server) syncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) listPeers(c *gin.Context) {
	c.JSON(http.StatusOK, s.peers.All())
}

// snapshot hands the UI layer the merged terminal state.
func (s *Server) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Snapshot())
}

// announceRequest is the discovery handshake body.
type announceRequest struct {
	TerminalID string `json:"terminal_id" binding:"required"`
	Address    string `json:"address" binding:"required"`
	IsServer   bool   `json:"is_server"`
}

// announce registers a peer (or refreshes its liveness) and triggers an
// event sync via the directory's discovery callbacks.
func (s *Server) announce(c *gin.Context) {
	var req announceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.peers.Observe(req.TerminalID, req.Address, req.IsServer)
	c.JSON(http.StatusOK, s.selfInfo())
}

func (s *Server) selfInfo() model.PeerInfo {
	return model.PeerInfo{
		TerminalID: s.store.TerminalID(),
		LastSeen:   time.Now().UnixMilli(),
		IsOnline:   true,
	}
}

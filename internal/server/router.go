package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingEngine = errors.New("session engine dependency required")
	errMissingHub    = errors.New("hub dependency required")
	errMissingLog    = errors.New("message log dependency required")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin policy is handled by the CORS middleware.
		return true
	},
}

// Engine is the orchestrator surface the transport drives.
type Engine interface {
	HandleConnect(connID, addr string)
	HandleDisconnect(connID string)
	HandleEvent(connID string, event session.Event)
}

// IDProvider issues connection identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Engine     Engine
	Hub        *Hub
	MessageLog *chat.Log
	IDProvider IDProvider
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router hosting the websocket endpoint and the
// read-only history API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.MessageLog == nil {
		return nil, errMissingLog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = chat.NewUUIDProvider()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine: deps.Engine,
		hub:    deps.Hub,
		log:    deps.MessageLog,
		ids:    idProvider,
		logger: logger,
	}

	router.GET("/ws", handler.handleWebsocket)
	router.GET("/api/messages", handler.handleMessages)

	return router, nil
}

type httpHandler struct {
	engine Engine
	hub    *Hub
	log    *chat.Log
	ids    IDProvider
	logger *zap.Logger
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("connection id generation failed", zap.Error(err))
		conn.Close()
		return
	}

	cl := &client{
		id:   connID,
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	h.hub.add(cl)
	go cl.writePump()

	h.engine.HandleConnect(connID, c.ClientIP())

	go cl.readPump(h.engine)
}

func (h *httpHandler) handleMessages(c *gin.Context) {
	c.JSON(http.StatusOK, h.log.Messages())
}

package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	_ "github.com/imtaco/conf-sfu/internal/validation" // gin binding tags
	"github.com/imtaco/conf-sfu/mixers"
	"github.com/imtaco/conf-sfu/rooms"
	"github.com/imtaco/conf-sfu/workers"
)

// StaticRoutes mounts additional routes, e.g. the HLS file server.
type StaticRoutes interface {
	Register(g gin.IRouter)
}

type roomURI struct {
	RoomID string `uri:"roomId" binding:"required,roomid"`
}

type Router struct {
	pool       workers.Pool
	registry   rooms.Registry
	compositor mixers.Compositor
	engine     *gin.Engine
	logger     *log.Logger
}

// NewRouter builds the public HTTP surface. ws is the signaling websocket
// endpoint, static may be nil.
func NewRouter(
	corsOrigin string,
	pool workers.Pool,
	registry rooms.Registry,
	compositor mixers.Compositor,
	ws http.HandlerFunc,
	static StaticRoutes,
	logger *log.Logger,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	// Add OpenTelemetry middleware for automatic HTTP tracing
	engine.Use(otelgin.Middleware("wsgateway"))
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     origins(corsOrigin),
		AllowMethods:     []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	r := &Router{
		pool:       pool,
		registry:   registry,
		compositor: compositor,
		engine:     engine,
		logger:     logger,
	}

	r.setupRoutes(ws, static)
	return r
}

func origins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func (r *Router) setupRoutes(ws http.HandlerFunc, static StaticRoutes) {
	r.engine.GET("/", r.liveness)
	r.engine.GET("/health", r.healthCheck)
	r.engine.GET("/stats", r.stats)
	r.engine.GET("/workers", r.workers)
	r.engine.GET("/rooms/:roomId", r.roomState)
	r.engine.GET("/streams", r.streams)
	if ws != nil {
		r.engine.GET("/ws", gin.WrapF(ws))
	}
	if static != nil {
		static.Register(r.engine)
	}
}

func (r *Router) liveness(c *gin.Context) {
	c.String(http.StatusOK, "SFU conferencing server is running")
}

func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// stats reports how rooms are spread across workers.
func (r *Router) stats(c *gin.Context) {
	summaries := r.registry.AllRooms()

	perWorker := make(map[int]int)
	for _, st := range r.pool.Stats() {
		perWorker[st.WorkerID] = 0
	}
	participants := 0
	for _, s := range summaries {
		perWorker[s.WorkerID]++
		participants += s.Participants
	}

	c.JSON(http.StatusOK, gin.H{
		"totalRooms":        len(summaries),
		"totalParticipants": participants,
		"roomsPerWorker":    perWorker,
		"rooms":             summaries,
	})
}

func (r *Router) workers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"workers": r.pool.Stats(),
	})
}

func (r *Router) roomState(c *gin.Context) {
	var uri roomURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	state, err := r.registry.RoomState(uri.RoomID)
	if errors.Is(err, errors.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": errors.Message(err)})
		return
	} else if err != nil {
		r.logger.Error("Failed to read room state", log.String("roomId", uri.RoomID), log.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (r *Router) streams(c *gin.Context) {
	streams := r.compositor.Streams()
	if streams == nil {
		streams = []mixers.StreamInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (r *Router) Handler() http.Handler {
	return r.engine
}

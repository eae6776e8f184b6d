package transport

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/imtaco/conf-sfu/internal/jwt"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/internal/validation"
)

const (
	dirCacheSize = 256
	dirCacheTTL  = 2 * time.Second
)

var servableFile = regexp.MustCompile(`^(stream\.m3u8|segment_\d+\.ts)$`)

// StreamRouter serves composite stream output from the HLS root and issues
// signaling tokens when auth is enabled.
type StreamRouter struct {
	root    string
	jwtAuth jwt.Auth
	dirs    *expirable.LRU[string, bool]
	logger  *log.Logger
}

// NewStreamRouter returns a router over root. jwtAuth may be nil, in which
// case no token endpoint is registered.
func NewStreamRouter(root string, jwtAuth jwt.Auth, logger *log.Logger) *StreamRouter {
	return &StreamRouter{
		root:    filepath.Clean(root),
		jwtAuth: jwtAuth,
		dirs:    expirable.NewLRU[string, bool](dirCacheSize, nil, dirCacheTTL),
		logger:  logger,
	}
}

func (r *StreamRouter) Register(g gin.IRouter) {
	g.GET("/hls/:streamId/:file", r.serveFile)
	g.HEAD("/hls/:streamId/:file", r.serveFile)
	if r.jwtAuth != nil {
		g.POST("/api/token", r.generateToken)
	}
}

// Handler returns a standalone engine with only these routes.
func (r *StreamRouter) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())
	r.Register(engine)
	return engine
}

func (r *StreamRouter) streamExists(ctx context.Context, streamID string) bool {
	if ok, cached := r.dirs.Get(streamID); cached {
		dirCacheHits.Add(ctx, 1)
		return ok
	}
	dirCacheMisses.Add(ctx, 1)
	info, err := os.Stat(filepath.Join(r.root, streamID))
	exists := err == nil && info.IsDir()
	r.dirs.Add(streamID, exists)
	return exists
}

func (r *StreamRouter) serveFile(c *gin.Context) {
	var req HLSFileRequest
	if err := c.ShouldBindUri(&req); err != nil || !servableFile.MatchString(req.File) {
		c.String(http.StatusNotFound, "not found")
		return
	}

	if !r.streamExists(c.Request.Context(), req.StreamID) {
		streamNotFound.Add(c.Request.Context(), 1)
		c.String(http.StatusNotFound, "stream not found")
		return
	}

	path := filepath.Join(r.root, req.StreamID, req.File)
	if _, err := os.Stat(path); err != nil {
		c.String(http.StatusNotFound, "not found")
		return
	}

	if filepath.Ext(req.File) == ".m3u8" {
		c.Header("Content-Type", "application/vnd.apple.mpegurl")
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	} else {
		c.Header("Content-Type", "video/mp2t")
		c.Header("Cache-Control", "public, max-age=60")
	}
	filesServed.Add(c.Request.Context(), 1)
	c.File(path)
}

func (r *StreamRouter) generateToken(c *gin.Context) {
	var req GenerateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Validation failed",
			"details": validation.FormatValidationError(err),
		})
		return
	}

	participantID := req.ParticipantID
	if participantID == "" {
		participantID = uuid.NewString()
	}
	token, err := r.jwtAuth.Sign(participantID, req.RoomID)
	if err != nil {
		r.logger.Error("Failed to sign token",
			log.String("participantId", participantID),
			log.String("roomId", req.RoomID),
			log.Error(err))
		tokensFailed.Add(c.Request.Context(), 1)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to generate token",
		})
		return
	}

	tokensGenerated.Add(c.Request.Context(), 1)
	c.JSON(http.StatusOK, gin.H{
		"token":         token,
		"participantId": participantID,
	})
}

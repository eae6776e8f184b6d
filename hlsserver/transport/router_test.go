package transport_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"

	"github.com/imtaco/conf-sfu/hlsserver/transport"
	"github.com/imtaco/conf-sfu/internal/jwt"
	"github.com/imtaco/conf-sfu/internal/log"
)

type RouterSuite struct {
	suite.Suite
	root    string
	jwtAuth jwt.Auth
	handler http.Handler
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.root = s.T().TempDir()
	s.jwtAuth = jwt.NewAuth("very-secret-key")
	s.handler = transport.NewStreamRouter(s.root, s.jwtAuth, log.NewTest(s.T())).Handler()

	dir := filepath.Join(s.root, "R1-abcd1234")
	s.Require().NoError(os.MkdirAll(dir, 0o755))
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "stream.m3u8"), []byte("#EXTM3U\nsegment_000.ts\n"), 0o600))
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "segment_000.ts"), []byte("ts"), 0o600))
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "stream.sdp"), []byte("v=0\n"), 0o600))
}

func (s *RouterSuite) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *RouterSuite) TestServesPlaylistWithoutCaching() {
	w := s.get("/hls/R1-abcd1234/stream.m3u8")

	s.Equal(http.StatusOK, w.Code)
	s.Equal("application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))
	s.Contains(w.Header().Get("Cache-Control"), "no-cache")
	s.Contains(w.Body.String(), "segment_000.ts")
}

func (s *RouterSuite) TestServesSegment() {
	w := s.get("/hls/R1-abcd1234/segment_000.ts")

	s.Equal(http.StatusOK, w.Code)
	s.Equal("video/mp2t", w.Header().Get("Content-Type"))
	s.Equal("ts", w.Body.String())
}

func (s *RouterSuite) TestDoesNotServeOtherFiles() {
	s.Equal(http.StatusNotFound, s.get("/hls/R1-abcd1234/stream.sdp").Code)
	s.Equal(http.StatusNotFound, s.get("/hls/R1-abcd1234/segment_999.ts").Code)
	s.Equal(http.StatusNotFound, s.get("/hls/unknown/stream.m3u8").Code)
	s.Equal(http.StatusNotFound, s.get("/hls/bad..id/stream.m3u8").Code)
}

func (s *RouterSuite) TestGenerateToken() {
	body, _ := json.Marshal(map[string]string{"roomId": "room123"})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/token", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	s.handler.ServeHTTP(w, req)

	s.Equal(http.StatusOK, w.Code)
	var resp map[string]string
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.NotEmpty(resp["participantId"])

	claims, err := s.jwtAuth.Verify(resp["token"])
	s.Require().NoError(err)
	s.Equal("room123", claims.RoomID)
	s.Equal(resp["participantId"], claims.ParticipantID)
}

func (s *RouterSuite) TestGenerateTokenValidation() {
	for _, body := range []map[string]string{{}, {"roomId": "invalid@id"}} {
		raw, _ := json.Marshal(body)
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/api/token", bytes.NewBuffer(raw))
		req.Header.Set("Content-Type", "application/json")
		s.handler.ServeHTTP(w, req)

		s.Equal(http.StatusBadRequest, w.Code)
		s.Contains(w.Body.String(), "Validation failed")
	}
}

func TestNoTokenRouteWithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := transport.NewStreamRouter(t.TempDir(), nil, log.NewNop()).Handler()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/token", bytes.NewBufferString(`{"roomId":"r"}`))
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"darkpool.com/pkg/common"
	"darkpool.com/pkg/ratelimit"
	"darkpool.com/pkg/xerr"
)

func newRouter(store *ratelimit.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ReqId(), Recover(), RateLimit(store))
	r.GET("/ok", func(c *gin.Context) {
		common.Success(c, gin.H{"rid": c.Request.Context().Value(common.CtxKeyRequestID)})
	})
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func do(r http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReqId_PropagatesHeader(t *testing.T) {
	r := newRouter(ratelimit.NewStore(rate.Inf, 1, time.Minute))
	w := do(r, "/ok", map[string]string{common.HeaderRequestID: "rid-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rid-1", w.Header().Get(common.HeaderRequestID))

	var resp struct {
		Data struct {
			Rid string `json:"rid"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "rid-1", resp.Data.Rid)

	// 没带就生成
	w = do(r, "/ok", nil)
	assert.NotEmpty(t, w.Header().Get(common.HeaderRequestID))
}

func TestRecover_ReturnsEnvelope(t *testing.T) {
	r := newRouter(ratelimit.NewStore(rate.Inf, 1, time.Minute))
	w := do(r, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp common.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, xerr.ServerCommonError, resp.Code)
	assert.Nil(t, resp.Data)
}

func TestRateLimit_Blocks(t *testing.T) {
	r := newRouter(ratelimit.NewStore(rate.Every(time.Hour), 1, time.Minute))
	assert.Equal(t, http.StatusOK, do(r, "/ok", nil).Code)

	w := do(r, "/ok", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var resp common.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, xerr.RateLimited, resp.Code)
}

package safe

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"darkpool.com/pkg/logger"
	"darkpool.com/pkg/metrics"
)

func TestGoCtx_RecoversPanic(t *testing.T) {
	buf := &bytes.Buffer{}
	logger.InitWithWriter("safe-test", "info", buf)

	before := testutil.ToFloat64(metrics.GoroutinePanics.WithLabelValues("settle"))
	done := make(chan struct{})
	GoCtx(logger.WithBatch(context.Background(), 9), "settle", func(ctx context.Context) {
		defer close(done)
		panic("ledger exploded")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	// recover 在 defer 链里，给它一点时间写日志
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.GoroutinePanics.WithLabelValues("settle")) == before+1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, strings.Contains(buf.String(), "ledger exploded"))
	assert.True(t, strings.Contains(buf.String(), `"batch_id":9`))
}

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRejection_GroupsByCheck(t *testing.T) {
	before := testutil.ToFloat64(RiskRejections.WithLabelValues("edge"))
	ObserveRejection("edge 0.0100 below cost 0.0150")
	ObserveRejection("edge 0.0050 below cost 0.0150")
	assert.Equal(t, before+2, testutil.ToFloat64(RiskRejections.WithLabelValues("edge")))

	beforeLiq := testutil.ToFloat64(RiskRejections.WithLabelValues("liquidity"))
	ObserveRejection("liquidity: 3.00 below minimum 5.00")
	assert.Equal(t, beforeLiq+1, testutil.ToFloat64(RiskRejections.WithLabelValues("liquidity")))
}

func TestObservePnL_SplitsSign(t *testing.T) {
	gain := testutil.ToFloat64(RealizedPnL.WithLabelValues("gain"))
	loss := testutil.ToFloat64(RealizedPnL.WithLabelValues("loss"))
	ObservePnL(1.5)
	ObservePnL(-0.5)
	assert.InDelta(t, gain+1.5, testutil.ToFloat64(RealizedPnL.WithLabelValues("gain")), 1e-9)
	assert.InDelta(t, loss+0.5, testutil.ToFloat64(RealizedPnL.WithLabelValues("loss")), 1e-9)
}

func TestDebugMux_ServesMetricsAndVars(t *testing.T) {
	SetKillSwitch(true)
	srv := httptest.NewServer(newMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "edgeexec_kill_switch 1"))

	resp, err = http.Get(srv.URL + "/debug/vars")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "snapshot_saves")
}

func TestStartAsync_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := StartAsync(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	require.NotNil(t, s)
	cancel()
	time.Sleep(50 * time.Millisecond)
}

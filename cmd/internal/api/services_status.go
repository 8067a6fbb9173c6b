package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/icuic/video-voice-translator/cmd/internal/engine"
)

const healthProbeTimeout = 3 * time.Second

// ServiceStatus 单个下游引擎的探测结果
type ServiceStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// healthCheckers 收集引擎集合中实现了健康检查的成员
func healthCheckers(set engine.Set) []engine.HealthChecker {
	var out []engine.HealthChecker
	for _, e := range []any{set.Separator, set.Tracker, set.Transcrib, set.Translator, set.Cloner} {
		if hc, ok := e.(engine.HealthChecker); ok {
			out = append(out, hc)
		}
	}
	return out
}

// HandleServicesStatus 并发探测全部下游引擎
// GET /api/v1/services/status
func HandleServicesStatus(set engine.Set) gin.HandlerFunc {
	return func(c *gin.Context) {
		checkers := healthCheckers(set)
		statuses := make([]ServiceStatus, len(checkers))

		var wg sync.WaitGroup
		for i, hc := range checkers {
			wg.Add(1)
			go func(i int, hc engine.HealthChecker) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
				defer cancel()

				start := time.Now()
				err := hc.HealthCheck(ctx)
				st := ServiceStatus{
					Name:      hc.Name(),
					Available: err == nil,
					LatencyMs: time.Since(start).Milliseconds(),
				}
				if err != nil {
					st.Error = err.Error()
				}
				statuses[i] = st
			}(i, hc)
		}
		wg.Wait()

		allUp := true
		for _, st := range statuses {
			if !st.Available {
				allUp = false
				break
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"healthy":  allUp,
			"services": statuses,
		})
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/playgrid/arena/internal/bus"
	"github.com/playgrid/arena/internal/matchmaking"
	"github.com/playgrid/arena/internal/obslog"
)

// StatusServer answers operational probes on a separate listener so the
// WebSocket port stays client-only.
type StatusServer struct {
	instanceID string
	started    time.Time

	busConn *bus.Conn
	mm      *matchmaking.Engine
	gw      *Gateway
}

func NewStatusServer(instanceID string, busConn *bus.Conn, mm *matchmaking.Engine, gw *Gateway) *StatusServer {
	return &StatusServer{
		instanceID: instanceID,
		started:    time.Now(),
		busConn:    busConn,
		mm:         mm,
		gw:         gw,
	}
}

type statusReport struct {
	InstanceID  string `json:"instanceId"`
	Bus         string `json:"bus"`
	Connections int    `json:"connections"`
	QueueDepth  int64  `json:"queueDepth"`
	UptimeSec   int64  `json:"uptimeSec"`
}

func (s *StatusServer) handler(rctx *fasthttp.RequestCtx) {
	switch string(rctx.Path()) {
	case "/healthz":
		if s.busConn.State() != bus.StateReady {
			rctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			rctx.SetBodyString("bus not ready")
			return
		}
		rctx.SetStatusCode(fasthttp.StatusOK)
		rctx.SetBodyString("ok")
	case "/status":
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		depth, err := s.mm.QueueDepth(ctx)
		if err != nil {
			depth = -1
		}
		report := statusReport{
			InstanceID:  s.instanceID,
			Bus:         string(s.busConn.State()),
			Connections: s.gw.Connections(),
			QueueDepth:  depth,
			UptimeSec:   int64(time.Since(s.started).Seconds()),
		}
		body, err := json.Marshal(report)
		if err != nil {
			rctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		rctx.SetContentType("application/json")
		rctx.SetBody(body)
	default:
		rctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

// Serve blocks until ctx is cancelled.
func (s *StatusServer) Serve(ctx context.Context, addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown()
	}()
	obslog.L().Info("status_listen", zap.String("addr", addr))
	return srv.ListenAndServe(addr)
}

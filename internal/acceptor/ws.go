// Package acceptor upgrades inbound HTTP connections to WebSocket and
// registers them with a fanout sink. The upgrade itself follows
// ws/internal/shared/handlers_ws.go's handleWebSocket: read request
// headers, reject while draining, call ws.UpgradeHTTP, then hand the raw
// connection off — here to Sink.Add instead of a read/write pump pair,
// since the sink owns dispatch for every registered client.
package acceptor

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/fanoutsink/internal/fanout"
)

// Acceptor upgrades HTTP requests to WebSocket and registers each
// resulting connection as a sink client.
type Acceptor struct {
	sink     *fanout.Sink
	logger   zerolog.Logger
	maxConns int

	draining int32
}

// New constructs an Acceptor bound to sink. maxConns caps how many clients
// may be registered at once; <=0 disables the cap.
func New(sink *fanout.Sink, maxConns int, logger zerolog.Logger) *Acceptor {
	return &Acceptor{
		sink:     sink,
		maxConns: maxConns,
		logger:   logger.With().Str("component", "acceptor").Logger(),
	}
}

// Drain marks the acceptor as refusing new upgrades, for graceful
// shutdown.
func (a *Acceptor) Drain() {
	atomic.StoreInt32(&a.draining, 1)
}

// ServeHTTP implements http.Handler, upgrading the request to a WebSocket
// and handing the connection to the sink.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if atomic.LoadInt32(&a.draining) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if a.maxConns > 0 && a.sink.ClientCount() >= a.maxConns {
		a.logger.Warn().Str("client_ip", clientIP).Msg("connection limit reached, rejecting upgrade")
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	start := time.Now()
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.logger.Error().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	if err := configureTCP(conn); err != nil {
		a.logger.Debug().Err(err).Msg("tcp tuning skipped")
	}

	handle, err := fanout.NewNetConnHandle(conn)
	if err != nil {
		a.logger.Error().Err(err).Str("client_ip", clientIP).Msg("failed to wrap connection")
		conn.Close()
		return
	}
	if err := a.sink.Add(handle); err != nil {
		a.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("sink rejected client")
		conn.Close()
		return
	}

	a.logger.Info().
		Str("client_ip", clientIP).
		Dur("upgrade_ms", time.Since(start)).
		Msg("client registered")
}

func configureTCP(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return err
	}
	return tc.SetKeepAlive(true)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

package remote

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/antonkrylov/xragent/internal/protocol"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func (s *Server) routes() http.Handler {
	r := httprouter.New()
	r.HandleMethodNotAllowed = false
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.GET("/version", s.handleVersion)
	r.GET("/delay-shutdown", s.handleDelayShutdown)
	r.NotFound = http.HandlerFunc(s.handleFallback)

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Upgrade") != "" {
			s.handleUpgrade(w, req)
			return
		}
		r.ServeHTTP(w, req)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, s.cfg.Commit)
}

func (s *Server) handleDelayShutdown(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.shutdown.delayShutdown()
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "OK")
}

func (s *Server) handleFallback(w http.ResponseWriter, req *http.Request) {
	if !s.token.ValidateRequest(req) {
		http.Error(w, "Forbidden.", http.StatusForbidden)
		return
	}
	http.Error(w, "Not found", http.StatusNotFound)
}

// handleUpgrade accepts a WebSocket upgrade on any path. With
// skipWebSocketFrames the connection carries protocol frames directly after
// the 101 response.
func (s *Server) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	q := req.URL.Query()
	up := upgradeParams{
		token:          q.Get("reconnectionToken"),
		isReconnection: q.Get("reconnection") == "true",
	}
	if up.token == "" {
		up.token = uuid.NewString()
	}

	var sock protocol.Socket
	if q.Get("skipWebSocketFrames") == "true" {
		key := req.Header.Get("Sec-WebSocket-Key")
		if key == "" {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "Upgrade not supported", http.StatusInternalServerError)
			return
		}
		conn, brw, err := hj.Hijack()
		if err != nil {
			s.logger.Warn("unable to take over the connection", "remote", req.RemoteAddr, "err", err)
			return
		}
		resp := "HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n"
		if _, err := conn.Write([]byte(resp)); err != nil {
			_ = conn.Close()
			return
		}
		sock = protocol.NewRawSocket(conn, buffered(brw.Reader))
	} else {
		compress := !s.cfg.DisableWebSocketCompression &&
			strings.Contains(req.Header.Get("Sec-WebSocket-Extensions"), "permessage-deflate")
		u := websocket.Upgrader{
			ReadBufferSize:    64 * 1024,
			WriteBufferSize:   64 * 1024,
			EnableCompression: compress,
			CheckOrigin:       func(*http.Request) bool { return true },
		}
		conn, err := u.Upgrade(w, req, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "err", err)
			return
		}
		conn.EnableWriteCompression(compress)
		sock = protocol.NewWebSocket(conn, compress)
	}
	go s.handleSocket(sock, up)
}

func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// buffered returns what the HTTP server already read past the request.
func buffered(r *bufio.Reader) []byte {
	n := r.Buffered()
	if n == 0 {
		return nil
	}
	b, _ := r.Peek(n)
	return append([]byte(nil), b...)
}

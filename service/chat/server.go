package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"NWChat/logger"
	"NWChat/service/storage"
	"NWChat/tools/ids"
	"NWChat/tools/safe"
	"NWChat/tools/security"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// presenceTTL must outlive a couple of missed renewals.
const presenceTTL = 90 * time.Second

// Server owns the websocket side of the gateway: handshake, auth,
// session registration and the per-connection read loop.
type Server struct {
	gwID     string
	reg      *Registry
	router   *Router
	liveness *LivenessMonitor
	auth     security.Options
}

func NewServer(gwID string, reg *Registry, router *Router, auth security.Options) *Server {
	s := &Server{
		gwID:     gwID,
		reg:      reg,
		router:   router,
		liveness: NewLivenessMonitor(reg, DefaultHeartbeatInterval, 0),
		auth:     auth,
	}
	s.liveness.Start()
	return s
}

func (s *Server) Registry() *Registry { return s.reg }
func (s *Server) Router() *Router     { return s.router }

func (s *Server) Shutdown() {
	s.liveness.Stop()
	s.reg.Close()
}

// HandleWS upgrades the connection, verifies the token and runs the
// read loop until the peer goes away. A bad token closes the socket
// with a policy-violation code before any session opens.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	ident, err := security.Verify(s.auth, c.Query("token"))
	if err != nil {
		logger.Infof("[ws] auth rejected remote=%s err=%v", ws.RemoteAddr(), err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth failed")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	sess := NewSession(ids.GenerateString(), ident.UserID, ws, s.onSessionClosed)
	sess.UserName = ident.Name
	if !sess.Open() {
		_ = ws.Close()
		return
	}
	s.reg.Register(ident.UserID, sess)
	s.markOnline(sess)

	_ = sess.Send(mustEncode(BuildConnected(sess.ID)))
	logger.Infof("[ws] open session=%s user=%s remote=%s", sess.ID, ident.UserID, ws.RemoteAddr())

	s.readLoop(sess, ws)
}

func (s *Server) readLoop(sess *Session, ws *websocket.Conn) {
	ctx := context.Background()
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed session=%s err=%v", sess.ID, err)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout session=%s err=%v", sess.ID, err)
			} else {
				logger.Infof("[ws] read err session=%s err=%v", sess.ID, err)
			}
			sess.Close(websocket.CloseAbnormalClosure, "read error")
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.router.HandleInbound(ctx, sess, data)
	}
}

func (s *Server) markOnline(sess *Session) {
	if !storage.RedisEnabled() {
		return
	}
	if err := storage.PresenceOnline(sess.UserID, s.gwID, presenceTTL); err != nil {
		logger.Warnf("[ws] presence online user=%s err=%v", sess.UserID, err)
	}
	// renew until the session dies; the close signal wins over a tick
	// so a renewal can never land after onSessionClosed cleared the key
	safe.Go(func() {
		t := time.NewTicker(presenceTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-sess.Closed():
				return
			case <-t.C:
				select {
				case <-sess.Closed():
					return
				default:
				}
				_ = storage.PresenceOnline(sess.UserID, s.gwID, presenceTTL)
			}
		}
	})
}

// onSessionClosed is the session's Closed hook: drop it from the
// registry and, when this was the user's last local session, clear
// presence.
func (s *Server) onSessionClosed(sess *Session) {
	s.reg.Unregister(sess.ID)
	logger.Infof("[ws] closed session=%s user=%s", sess.ID, sess.UserID)
	if storage.RedisEnabled() && len(s.reg.SessionsFor(sess.UserID)) == 0 {
		if err := storage.PresenceOffline(sess.UserID); err != nil {
			logger.Warnf("[ws] presence offline user=%s err=%v", sess.UserID, err)
		}
	}
}

package notifyhub

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/moyoez/courseupload/tool"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	// the route sits behind OnlyAllowLocal
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleNotifyWS streams upload events over a websocket. ?session=<id> limits the stream
// to one upload. Clients that stop answering pings are disconnected.
func HandleNotifyWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			tool.DefaultLogger.Debugf("[Notify] Websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		cl := hub.register(conn, c.Query("session"))
		defer hub.Unregister(conn)

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		stop := make(chan struct{})
		defer close(stop)
		go keepAlive(cl, stop)

		// incoming messages carry nothing; reading drives pong handling and close detection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func keepAlive(cl *client, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := cl.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

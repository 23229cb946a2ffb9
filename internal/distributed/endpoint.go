package distributed

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var nodeUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeHandler upgrades an incoming HTTP request to a WebSocket and
// registers it with the hub as serverID's session. Kept as a plain
// net/http-shaped function (not a gin.HandlerFunc) so this package
// never needs to import gin; the HTTP layer adapts it at the
// route-registration boundary.
func (h *Hub) UpgradeHandler(serverID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := nodeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.AcceptSession(serverID, conn)
	return nil
}

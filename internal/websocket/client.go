package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xelth-com/healthsync/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Observers only send control frames.
	maxMessageSize = 4 * 1024
)

// Message types sent to observers
const (
	TypeState = "ANALYSIS_STATE"
	TypeDone  = "ANALYSIS_DONE"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the local API is served to apps on the same device
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message carries one job state
type Message struct {
	Type string             `json:"type"`
	Job  models.AnalysisJob `json:"job"`
}

// Client is one observer connection for a single job
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// JobID is the job being observed
	JobID string

	updates <-chan models.AnalysisJob
	cancel  context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *Client) stop() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
	})
}

// readPump only watches for the peer going away; observers send nothing
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("Observer read error", "job_id", c.JobID, "error", err)
			}
			return
		}
	}
}

// writePump forwards job states until the job is terminal
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	var last models.AnalysisJob
	for {
		select {
		case job, ok := <-c.updates:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				if last.JobID != "" && last.Status.Terminal() {
					c.writeJSON(Message{Type: TypeDone, Job: last})
				}
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(last.Status)))
				return
			}
			last = job
			if err := c.writeJSON(Message{Type: TypeState, Job: job}); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (c *Client) writeJSON(v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// ServeJob upgrades the request and streams updates for jobID to the peer.
// cancel is called once the stream ends so the producer can stop.
func ServeJob(hub *Hub, w http.ResponseWriter, r *http.Request, jobID string, updates <-chan models.AnalysisJob, cancel context.CancelFunc) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		hub.log.Warn("Websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		JobID:   jobID,
		updates: updates,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	if !hub.add(client) {
		client.stop()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cds-agent/internal/models"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleAgentWS runs one pipeline per connection. The client sends a
// single case submission and receives the event stream: ack, step
// updates, report, complete, or a terminal error.
func (server *Server) handleAgentWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var submission models.CaseSubmission
	if err := conn.ReadJSON(&submission); err != nil {
		server.writeWS(conn, models.NewErrorEvent("", models.CodeInvalidInput, "expected a case submission object"))
		return
	}

	caseID := models.GenerateCaseID()
	events := make(chan *models.PipelineEvent, 64)

	go func() {
		_, err := server.runner.ExecuteCase(ctx, caseID, submission, events)
		if err != nil {
			server.logger.WithError(err).Warn("websocket case failed", "case_id", caseID)
		}
	}()

	// Read pump: its only job after the submission is to notice the
	// client going away and cancel the run.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if !server.writeWS(conn, event) {
				cancel()
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				cancel()
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (server *Server) writeWS(conn *websocket.Conn, event *models.PipelineEvent) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return false
	}
	if err := conn.WriteJSON(event); err != nil {
		return false
	}
	return true
}

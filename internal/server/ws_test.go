package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cds-agent/internal/models"
)

func dialAgentWS(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()

	httpServer := httptest.NewServer(server.engine)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws/agent"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAgentWSSessionProtocol(t *testing.T) {
	runner := newFakeRunner()
	server := newTestServer(runner)
	conn := dialAgentWS(t, server)

	require.NoError(t, conn.WriteJSON(models.CaseSubmission{
		PatientText:       "58 year old male with crushing chest pain",
		IncludeDrugCheck:  true,
		IncludeGuidelines: true,
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first models.PipelineEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.EventAck, first.Type)

	var second models.PipelineEvent
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, models.EventComplete, second.Type)
}

func TestAgentWSRejectsGarbage(t *testing.T) {
	server := newTestServer(newFakeRunner())
	conn := dialAgentWS(t, server)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var event models.PipelineEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, models.EventError, event.Type)
	assert.Equal(t, models.CodeInvalidInput, event.Code)
}

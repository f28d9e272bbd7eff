package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/auth"
	"dm-service/internal/cipher"
	"dm-service/internal/delivery"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/presence"
)

type gatewayFixture struct {
	server   *httptest.Server
	hub      *Hub
	store    *mocks.MessageStore
	engine   *delivery.Engine
	registry *presence.Registry
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	c, err := cipher.New("gateway-test-secret-0123456789abcdef")
	require.NoError(t, err)

	hub := NewHub()
	store := mocks.NewMessageStore()
	engine := delivery.NewEngine(store, c, hub, nil, delivery.Config{
		AckTimeout:  time.Second,
		MaxAttempts: 8,
		BackoffBase: 2 * time.Second,
		BackoffCap:  time.Minute,
	})
	registry := presence.NewRegistry(nil, time.Minute)

	authenticator := new(mocks.AuthenticatorMock)
	for _, user := range []string{"alice", "bob"} {
		authenticator.On("Authenticate", user+"-token").Return(user, nil).Maybe()
	}
	authenticator.On("Authenticate", mock.Anything).Return("", auth.ErrAuthentication).Maybe()

	contacts := new(mocks.ContactRepositoryMock)
	contacts.On("ListContacts", mock.Anything, "alice").Return([]string{"bob"}, nil).Maybe()
	contacts.On("ListContacts", mock.Anything, "bob").Return([]string{"alice"}, nil).Maybe()
	contacts.On("AreContacts", mock.Anything, "alice", "bob").Return(true, nil).Maybe()
	contacts.On("AreContacts", mock.Anything, "bob", "alice").Return(true, nil).Maybe()
	contacts.On("AreContacts", mock.Anything, mock.Anything, mock.Anything).Return(false, nil).Maybe()

	gateway := NewGateway(hub, authenticator, engine, registry, contacts, nil)
	router := gin.New()
	router.GET("/ws", gateway.Handle)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		engine.Wait()
	})

	return &gatewayFixture{server: server, hub: hub, store: store, engine: engine, registry: registry}
}

func (f *gatewayFixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + user + "-token"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.hub.SessionCount(user) > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, eventType, ackID string, data any) {
	t.Helper()
	env, err := models.NewEnvelope(eventType, data)
	require.NoError(t, err)
	env.AckID = ackID
	require.NoError(t, conn.WriteJSON(env))
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) models.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == eventType {
			return env
		}
	}
}

func TestGatewayRejectsMissingCredential(t *testing.T) {
	f := newGatewayFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, f.hub.SessionCount(""))
}

func TestGatewaySendDeliverAck(t *testing.T) {
	f := newGatewayFixture(t)
	bob := f.dial(t, "bob")
	alice := f.dial(t, "alice")

	writeEvent(t, alice, models.EventSend, "req-1", models.SendRequest{
		ClientMessageID: "m1", RecipientID: "bob", Content: "hi bob",
	})

	resultEnv := readUntil(t, alice, models.EventSendResult)
	assert.Equal(t, "req-1", resultEnv.AckID)
	var result models.SendResult
	require.NoError(t, json.Unmarshal(resultEnv.Data, &result))
	require.True(t, result.Success, result.Error)
	assert.Equal(t, models.StatusSent, result.Status)

	deliverEnv := readUntil(t, bob, models.EventDeliver)
	require.NotEmpty(t, deliverEnv.AckID)
	var delivered models.DeliverEvent
	require.NoError(t, json.Unmarshal(deliverEnv.Data, &delivered))
	assert.Equal(t, "hi bob", delivered.Content)
	assert.Equal(t, "alice", delivered.SenderID)

	writeEvent(t, bob, models.EventAck, deliverEnv.AckID, nil)

	require.Eventually(t, func() bool {
		msg, err := f.store.GetMessage(context.Background(), result.ID)
		return err == nil && msg.Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	statusEnv := readUntil(t, alice, models.EventStatusChanged)
	var status models.StatusChangedEvent
	require.NoError(t, json.Unmarshal(statusEnv.Data, &status))
	assert.Equal(t, result.ID, status.ID)

	writeEvent(t, bob, models.EventMarkRead, "", models.MarkReadRequest{MessageIDs: []string{result.ID}})
	receiptEnv := readUntil(t, alice, models.EventReadReceipt)
	var receipt models.ReadReceiptEvent
	require.NoError(t, json.Unmarshal(receiptEnv.Data, &receipt))
	assert.Equal(t, []string{result.ID}, receipt.MessageIDs)
	assert.Equal(t, "bob", receipt.ReaderID)
}

func TestGatewayRedeliversPendingOnConnect(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	writeEvent(t, alice, models.EventSend, "req-1", models.SendRequest{
		ClientMessageID: "m1", RecipientID: "bob", Content: "while you were away",
	})
	var result models.SendResult
	require.NoError(t, json.Unmarshal(readUntil(t, alice, models.EventSendResult).Data, &result))
	require.True(t, result.Success, result.Error)

	require.Eventually(t, func() bool {
		msg, err := f.store.GetMessage(context.Background(), result.ID)
		return err == nil && msg.DeliveryAttempts == 1
	}, 2*time.Second, 10*time.Millisecond)

	bob := f.dial(t, "bob")
	deliverEnv := readUntil(t, bob, models.EventDeliver)
	writeEvent(t, bob, models.EventAck, deliverEnv.AckID, nil)

	require.Eventually(t, func() bool {
		msg, err := f.store.GetMessage(context.Background(), result.ID)
		return err == nil && msg.Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayRejectsNonContacts(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	writeEvent(t, alice, models.EventSend, "req-1", models.SendRequest{
		ClientMessageID: "m1", RecipientID: "eve", Content: "hello stranger",
	})
	var result models.SendResult
	require.NoError(t, json.Unmarshal(readUntil(t, alice, models.EventSendResult).Data, &result))
	assert.False(t, result.Success)
	assert.Equal(t, "recipient is not a contact", result.Error)
	assert.Zero(t, f.store.Len())
}

func TestGatewayMultiDevicePresence(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	alice := f.dial(t, "alice")
	phone := f.dial(t, "bob")
	laptop := f.dial(t, "bob")
	require.Eventually(t, func() bool { return f.hub.SessionCount("bob") == 2 }, time.Second, 5*time.Millisecond)

	online := readUntil(t, alice, models.EventPresenceChanged)
	var event models.PresenceChangedEvent
	require.NoError(t, json.Unmarshal(online.Data, &event))
	assert.True(t, event.Online)

	require.NoError(t, phone.Close())
	require.Eventually(t, func() bool { return f.hub.SessionCount("bob") == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.registry.IsOnline(ctx, "bob"))

	require.NoError(t, laptop.Close())
	require.Eventually(t, func() bool { return !f.registry.IsOnline(ctx, "bob") }, time.Second, 5*time.Millisecond)

	offline := readUntil(t, alice, models.EventPresenceChanged)
	require.NoError(t, json.Unmarshal(offline.Data, &event))
	assert.Equal(t, "bob", event.UserID)
	assert.False(t, event.Online)
}

func TestGatewayMalformedFrame(t *testing.T) {
	f := newGatewayFixture(t)
	alice := f.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readUntil(t, alice, models.EventError)
	var e models.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &e))
	assert.Equal(t, "malformed frame", e.Error)
}

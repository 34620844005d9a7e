// Package brokertest runs an in-process STOMP broker over WebSocket that
// relays chat sends the way the chat server does. It is meant for tests.
package brokertest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Endpoint is the handshake path served by the broker.
	Endpoint = "/ws-chat"
	// Topic receives every relayed chat message.
	Topic = "/topic/public"
	// SendDestination is the application destination clients publish to.
	SendDestination = "/app/chat/send"

	createDateLayout = "2006-01-02 15:04:05"
)

var kst = time.FixedZone("KST", 9*60*60)

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
}

// Frame is a SEND frame received by the broker.
type Frame struct {
	Destination string
	Body        []byte
}

type client struct {
	conn     *websocket.Conn
	outgoing chan []byte
	subs     map[string]string // subscription id -> destination
}

// Broker is a STOMP broker listening on a local httptest server.
type Broker struct {
	server *httptest.Server

	mu      sync.RWMutex
	clients map[*client]bool

	received  chan Frame
	nextMsgID atomic.Int64
	wg        sync.WaitGroup
}

// New starts a broker. Call Close when done.
func New() *Broker {
	b := &Broker{
		clients:  make(map[*client]bool),
		received: make(chan Frame, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Endpoint, b.handleWebSocket)
	b.server = httptest.NewServer(mux)
	return b
}

// BaseURL returns the http:// root of the broker.
func (b *Broker) BaseURL() string {
	return b.server.URL
}

// URL returns the ws:// handshake URL.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + Endpoint
}

// Received returns SEND frames in arrival order.
func (b *Broker) Received() <-chan Frame {
	return b.received
}

// ClientCount returns the number of open sessions.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// SubscriptionCount returns the number of live subscriptions to destination.
func (b *Broker) SubscriptionCount(destination string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for c := range b.clients {
		for _, dest := range c.subs {
			if dest == destination {
				n++
			}
		}
	}
	return n
}

// Broadcast delivers body as a MESSAGE to every subscriber of destination.
func (b *Broker) Broadcast(destination string, body []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.clients {
		for id, dest := range c.subs {
			if dest != destination {
				continue
			}
			f := frame.New(frame.MESSAGE,
				frame.Destination, destination,
				frame.Subscription, id,
				frame.MessageId, strconv.FormatInt(b.nextMsgID.Add(1), 10),
				frame.ContentType, "application/json",
			)
			f.Body = body
			c.send(f)
		}
	}
}

// SendError sends an ERROR frame to every session and closes it.
func (b *Broker) SendError(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.clients {
		f := frame.New(frame.ERROR, frame.Message, message)
		f.Body = []byte(message)
		c.send(f)
		close(c.outgoing)
		c.outgoing = nil
	}
}

// DropConnections closes every socket without a STOMP goodbye.
func (b *Broker) DropConnections() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.clients {
		c.conn.Close()
	}
}

// Close stops the server and waits for all sessions to end.
func (b *Broker) Close() {
	b.DropConnections()
	b.server.Close()
	b.wg.Wait()
}

func (b *Broker) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		conn:     conn,
		outgoing: make(chan []byte, 16),
		subs:     make(map[string]string),
	}

	b.wg.Add(2)
	go b.writeLoop(c, c.outgoing)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	go b.handleClient(c)
}

func (b *Broker) writeLoop(c *client, out <-chan []byte) {
	defer b.wg.Done()
	for data := range out {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.Close()
}

func (b *Broker) handleClient(c *client) {
	defer b.wg.Done()

	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		if c.outgoing != nil {
			close(c.outgoing)
			c.outgoing = nil
		}
		b.mu.Unlock()
		c.conn.Close()
	}()

	reader := frame.NewReader(&messageReader{conn: c.conn})
	for {
		f, err := reader.Read()
		if err != nil {
			return
		}
		if f == nil {
			continue // heart-beat
		}
		if !b.handleFrame(c, f) {
			return
		}
	}
}

// handleFrame processes one client frame and reports whether to keep reading.
func (b *Broker) handleFrame(c *client, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		b.mu.RLock()
		c.send(frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0"))
		b.mu.RUnlock()
		return true
	case frame.SUBSCRIBE:
		b.mu.Lock()
		c.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		b.mu.Unlock()
	case frame.UNSUBSCRIBE:
		b.mu.Lock()
		delete(c.subs, f.Header.Get(frame.Id))
		b.mu.Unlock()
	case frame.SEND:
		dest := f.Header.Get(frame.Destination)
		select {
		case b.received <- Frame{Destination: dest, Body: f.Body}:
		default:
		}
		if dest == SendDestination {
			if relayed, ok := relay(f.Body); ok {
				b.Broadcast(Topic, relayed)
			}
		}
	case frame.DISCONNECT:
		b.receipt(c, f)
		return false
	}
	b.receipt(c, f)
	return true
}

func (b *Broker) receipt(c *client, f *frame.Frame) {
	id := f.Header.Get(frame.Receipt)
	if id == "" {
		return
	}
	b.mu.RLock()
	c.send(frame.New(frame.RECEIPT, frame.ReceiptId, id))
	b.mu.RUnlock()
}

// send queues f for the writer. Callers hold b.mu.
func (c *client) send(f *frame.Frame) {
	if c.outgoing == nil {
		return
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return
	}
	select {
	case c.outgoing <- buf.Bytes():
	default:
	}
}

type chatPayload struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	Nickname   string `json:"nickname,omitempty"`
	Text       string `json:"text"`
	CreateDate string `json:"createDate"`
}

// relay stamps a chat send with an id and a zone-less createDate.
func relay(body []byte) ([]byte, bool) {
	var p chatPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreateDate = time.Now().In(kst).Format(createDateLayout)
	out, err := json.Marshal(p)
	if err != nil {
		return nil, false
	}
	return out, true
}

// messageReader flattens WebSocket messages into one stream for frame.Reader.
type messageReader struct {
	conn *websocket.Conn
	r    io.Reader
}

func (m *messageReader) Read(p []byte) (int, error) {
	for {
		if m.r == nil {
			_, r, err := m.conn.NextReader()
			if err != nil {
				return 0, err
			}
			m.r = r
		}
		n, err := m.r.Read(p)
		if err == io.EOF {
			m.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

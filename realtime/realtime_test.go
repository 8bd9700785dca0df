package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cocomposer/cocomposer/broker/memorybroker"
	"github.com/cocomposer/cocomposer/compositions"
	"github.com/cocomposer/cocomposer/compositions/memoryrepo"
	"github.com/cocomposer/cocomposer/csrf"
	"github.com/cocomposer/cocomposer/internal/sigtoken"
	"github.com/cocomposer/cocomposer/realtime"
	"github.com/cocomposer/cocomposer/realtime/stomp"
	"github.com/cocomposer/cocomposer/sessions"
	"github.com/cocomposer/cocomposer/sessions/memorystore"
)

var (
	owner    = sessions.Identity{UserID: "u-owner", Username: "owner", Email: "owner@example.org"}
	guest    = sessions.Identity{UserID: "u-guest", Username: "guest", Email: "guest@example.org"}
	stranger = sessions.Identity{UserID: "u-stranger", Username: "stranger", Email: "stranger@example.org"}
)

type env struct {
	store  *memorystore.Store
	signer *sigtoken.Signer
	repo   *memoryrepo.Repository
	bk     *memorybroker.Broker
	svc    *compositions.Service
	ts     *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memorystore.New()
	signer, err := sigtoken.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("sigtoken.New: %v", err)
	}
	repo := memoryrepo.New()
	bk := memorybroker.New()
	svc := compositions.NewService(repo, bk, nil)
	srv, err := realtime.NewServer(realtime.Config{
		Sessions:    store,
		Cookies:     signer,
		CSRF:        csrf.NewRotator(store),
		Gate:        compositions.NewGate(repo, bk, nil),
		Service:     svc,
		Broker:      bk,
		CheckOrigin: func(*http.Request) bool { return true },
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		_ = bk.Close()
	})
	return &env{store: store, signer: signer, repo: repo, bk: bk, svc: svc, ts: ts}
}

func (e *env) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http")
}

// login creates a session with an issued CSRF token, mirroring what the
// REST login plus the token bootstrap endpoint produce.
func (e *env) login(t *testing.T, ident sessions.Identity) (cookie, headerName, token string) {
	t.Helper()
	ctx := context.Background()
	sess, err := e.store.Create(ctx, ident)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	token, err = csrf.NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if err := e.store.SetCSRF(ctx, sess.ID, csrf.HeaderCSRF, token); err != nil {
		t.Fatalf("SetCSRF: %v", err)
	}
	cookie, err = e.signer.Sign(sess.ID)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return cookie, csrf.HeaderCSRF, token
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *env) dial(t *testing.T, ident sessions.Identity) *client {
	t.Helper()
	cookie, headerName, token := e.login(t, ident)
	hdr := http.Header{}
	hdr.Set("Cookie", sessions.CookieName+"="+cookie)
	hdr.Set(headerName, token)
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL(), hdr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	c := &client{t: t, ws: ws}
	c.send(stomp.NewFrame(stomp.CmdConnect, stomp.HdrAcceptVersion, stomp.Version, stomp.HdrHost, "localhost"))
	if f := c.recv(); f.Command != stomp.CmdConnected {
		t.Fatalf("expected CONNECTED, got %+v", f)
	}
	return c
}

func (c *client) send(f *stomp.Frame) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, stomp.Marshal(f)); err != nil {
		c.t.Fatalf("write %s: %v", f.Command, err)
	}
}

func (c *client) recv() *stomp.Frame {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	f, err := stomp.Unmarshal(data)
	if err != nil {
		c.t.Fatalf("decode %q: %v", data, err)
	}
	return f
}

// subscribe registers a subscription and waits for its receipt, so the
// caller knows the server has fully processed it.
func (c *client) subscribe(id, destination string) {
	c.t.Helper()
	c.send(stomp.NewFrame(stomp.CmdSubscribe,
		stomp.HdrID, id,
		stomp.HdrDestination, destination,
		stomp.HdrReceipt, "r-"+id,
	))
	f := c.recv()
	if f.Command != stomp.CmdReceipt {
		c.t.Fatalf("expected RECEIPT for %s, got %+v", id, f)
	}
}

func (c *client) sendOrder(compositionID string, order compositions.Order) {
	c.t.Helper()
	body, err := json.Marshal(order)
	if err != nil {
		c.t.Fatalf("marshal order: %v", err)
	}
	f := stomp.NewFrame(stomp.CmdSend,
		stomp.HdrDestination, "/app/compositions."+compositionID,
		stomp.HdrContentType, "application/json",
	)
	f.Body = body
	c.send(f)
}

// expectNothing asserts no frame arrives within the window.
func (c *client) expectNothing(d time.Duration) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	if _, data, err := c.ws.ReadMessage(); err == nil {
		c.t.Fatalf("unexpected frame: %q", data)
	}
}

// expectClose reads until the peer closes and returns the close code.
func (c *client) expectClose() int {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		c.t.Fatalf("connection ended without close frame: %v", err)
	}
}

func decodeOrder(t *testing.T, f *stomp.Frame) *compositions.Order {
	t.Helper()
	var order compositions.Order
	if err := json.Unmarshal(f.Body, &order); err != nil {
		t.Fatalf("decode order %q: %v", f.Body, err)
	}
	return &order
}

func decodeInfo(t *testing.T, f *stomp.Frame) *compositions.SubscriptionInfo {
	t.Helper()
	var info compositions.SubscriptionInfo
	if err := json.Unmarshal(f.Body, &info); err != nil {
		t.Fatalf("decode info %q: %v", f.Body, err)
	}
	return &info
}

func TestHandshakeRefusedWithoutSession(t *testing.T) {
	e := newEnv(t)
	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("handshake: %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v", resp)
	}
}

func TestHandshakeRefusedWithoutToken(t *testing.T) {
	e := newEnv(t)
	cookie, _, _ := e.login(t, owner)
	hdr := http.Header{}
	hdr.Set("Cookie", sessions.CookieName+"="+cookie)
	_, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), hdr)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("handshake: %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %v", resp)
	}
}

func TestSubscribeDeniedOnPrivateComposition(t *testing.T) {
	e := newEnv(t)
	compo, err := e.svc.Create(context.Background(), owner, "Nocturne", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c := e.dial(t, stranger)
	c.send(stomp.NewFrame(stomp.CmdSubscribe,
		stomp.HdrID, "s1",
		stomp.HdrDestination, "/topic/compositions."+compo.ID,
	))
	f := c.recv()
	if f.Command != stomp.CmdError {
		t.Fatalf("expected ERROR, got %+v", f)
	}
	if msg, _ := f.Header(stomp.HdrMessage); !strings.Contains(msg, realtime.BrokerRejectionMessage) {
		t.Fatalf("error message %q lacks rejection marker", msg)
	}
	if code := c.expectClose(); code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d", code)
	}

	got, _ := e.repo.Get(context.Background(), compo.ID)
	if len(got.GuestIDs) != 0 {
		t.Fatalf("denied subscribe mutated guests: %v", got.GuestIDs)
	}
}

func TestSubscribeUnknownCompositionRejectedIdentically(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t, stranger)
	c.send(stomp.NewFrame(stomp.CmdSubscribe,
		stomp.HdrID, "s1",
		stomp.HdrDestination, "/topic/compositions.no-such-id",
	))
	f := c.recv()
	if f.Command != stomp.CmdError {
		t.Fatalf("expected ERROR, got %+v", f)
	}
	if msg, _ := f.Header(stomp.HdrMessage); !strings.Contains(msg, realtime.BrokerRejectionMessage) {
		t.Fatalf("error message %q lacks rejection marker", msg)
	}
	if code := c.expectClose(); code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d", code)
	}
}

func TestCollaborativeSubscribeAnnouncesJoin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	compo, err := e.svc.Create(ctx, owner, "Nocturne", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	topic := "/topic/compositions." + compo.ID

	oc := e.dial(t, owner)
	oc.subscribe("s1", topic)

	gc := e.dial(t, guest)
	gc.subscribe("q1", "/user/queue/compositions")
	// No receipt here: the presence snapshot may already be in flight on
	// the user queue and would interleave with it.
	gc.send(stomp.NewFrame(stomp.CmdSubscribe, stomp.HdrID, "s1", stomp.HdrDestination, topic))

	// Prior subscriber sees the join announcement.
	info := decodeInfo(t, oc.recv())
	if info.InfoType != compositions.InfoMemberJoined || info.Email != guest.Email {
		t.Fatalf("owner saw %+v, want MEMBER_JOINED for guest", info)
	}

	// The joiner privately receives the presence snapshot.
	var snapshot compositions.ConnectedMembers
	f := gc.recv()
	if err := json.Unmarshal(f.Body, &snapshot); err != nil {
		t.Fatalf("decode snapshot %q: %v", f.Body, err)
	}
	if snapshot.InfoType != compositions.InfoConnectedMembers || snapshot.CompositionID != compo.ID {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	emails := map[string]bool{}
	for _, m := range snapshot.Members {
		emails[m.Email] = true
	}
	if !emails[owner.Email] || !emails[guest.Email] {
		t.Fatalf("snapshot members = %+v", snapshot.Members)
	}

	got, _ := e.repo.Get(ctx, compo.ID)
	if !got.IsGuest(guest.UserID) {
		t.Fatalf("guest not appended: %v", got.GuestIDs)
	}
}

func TestCausalChainDeliveredInOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	compo, err := e.svc.Create(ctx, owner, "Nocturne", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	topic := "/topic/compositions." + compo.ID

	oc := e.dial(t, owner)
	oc.subscribe("s1", topic)

	gc := e.dial(t, guest)
	gc.subscribe("s1", topic)

	// 1: the join is announced to the prior subscriber.
	info := decodeInfo(t, oc.recv())
	if info.InfoType != compositions.InfoMemberJoined {
		t.Fatalf("step 1 = %+v", info)
	}

	// 2: guest adds an element.
	gc.sendOrder(compo.ID, compositions.Order{
		OrderType: compositions.OrderElementAdded,
		Element:   &compositions.Element{ElementType: "note", X: 1, Y: 1},
	})
	added := decodeOrder(t, oc.recv())
	if added.OrderType != compositions.OrderElementAdded || added.AuthorEmail != guest.Email {
		t.Fatalf("step 2 = %+v", added)
	}
	elID := added.Element.ID
	if gotGuest := decodeOrder(t, gc.recv()); gotGuest.OrderType != compositions.OrderElementAdded {
		t.Fatalf("guest step 2 = %+v", gotGuest)
	}

	// 3: owner reacts by moving the element.
	x, y := 10.0, 20.0
	oc.sendOrder(compo.ID, compositions.Order{
		OrderType: compositions.OrderElementPositionChanged, ElementID: elID, X: &x, Y: &y,
	})
	if got := decodeOrder(t, gc.recv()); got.AuthorEmail != owner.Email {
		t.Fatalf("guest step 3 = %+v", got)
	}

	// 4: guest reacts with another move.
	x2, y2 := 30.0, 40.0
	gc.sendOrder(compo.ID, compositions.Order{
		OrderType: compositions.OrderElementPositionChanged, ElementID: elID, X: &x2, Y: &y2,
	})

	// 5: owner reacts by deleting, after observing both moves.
	for i := 0; i < 2; i++ {
		got := decodeOrder(t, oc.recv())
		if got.OrderType != compositions.OrderElementPositionChanged {
			t.Fatalf("owner move %d = %+v", i, got)
		}
	}
	oc.sendOrder(compo.ID, compositions.Order{
		OrderType: compositions.OrderElementDeleted, ElementID: elID,
	})

	// The owner's stream ends with the deletion; the guest observed the
	// strict suffix starting at its own elementAdded.
	if got := decodeOrder(t, oc.recv()); got.OrderType != compositions.OrderElementDeleted {
		t.Fatalf("owner final = %+v", got)
	}
	wantGuestTail := []string{compositions.OrderElementPositionChanged, compositions.OrderElementDeleted}
	for i, want := range wantGuestTail {
		got := decodeOrder(t, gc.recv())
		if got.OrderType != want {
			t.Fatalf("guest tail %d = %+v, want %s", i, got, want)
		}
	}

	// Terminal: graceful disconnect acknowledged with a receipt and a
	// normal close.
	gc.send(stomp.NewFrame(stomp.CmdDisconnect, stomp.HdrReceipt, "bye"))
	if f := gc.recv(); f.Command != stomp.CmdReceipt {
		t.Fatalf("expected RECEIPT, got %+v", f)
	}
	if code := gc.expectClose(); code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d", code)
	}
}

func TestUnsubscribeStopsDeliveryAndAnnouncesLeave(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	compo, err := e.svc.Create(ctx, owner, "Nocturne", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	topic := "/topic/compositions." + compo.ID

	oc := e.dial(t, owner)
	oc.subscribe("s1", topic)
	gc := e.dial(t, guest)
	gc.subscribe("s1", topic)

	if info := decodeInfo(t, oc.recv()); info.InfoType != compositions.InfoMemberJoined {
		t.Fatalf("join = %+v", info)
	}

	gc.send(stomp.NewFrame(stomp.CmdUnsubscribe, stomp.HdrID, "s1", stomp.HdrReceipt, "r-un"))
	if f := gc.recv(); f.Command != stomp.CmdReceipt {
		t.Fatalf("expected RECEIPT, got %+v", f)
	}
	if info := decodeInfo(t, oc.recv()); info.InfoType != compositions.InfoMemberLeft || info.Email != guest.Email {
		t.Fatalf("leave = %+v", info)
	}

	// Later publishes no longer reach the unsubscribed client.
	if _, err := e.svc.AddElement(ctx, owner, compo.ID, compositions.Element{ElementType: "note"}); err != nil {
		t.Fatalf("AddElement: %v", err)
	}
	if got := decodeOrder(t, oc.recv()); got.OrderType != compositions.OrderElementAdded {
		t.Fatalf("owner order = %+v", got)
	}
	gc.expectNothing(300 * time.Millisecond)

	// Leaving the channel is not leaving the composition.
	got, _ := e.repo.Get(ctx, compo.ID)
	if !got.IsGuest(guest.UserID) {
		t.Fatalf("guest membership lost on unsubscribe: %v", got.GuestIDs)
	}
}

func TestSendDeniedClosesWithMarker(t *testing.T) {
	e := newEnv(t)
	compo, err := e.svc.Create(context.Background(), owner, "Nocturne", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c := e.dial(t, stranger)
	c.sendOrder(compo.ID, compositions.Order{
		OrderType: compositions.OrderElementAdded,
		Element:   &compositions.Element{ElementType: "note"},
	})
	f := c.recv()
	if f.Command != stomp.CmdError {
		t.Fatalf("expected ERROR, got %+v", f)
	}
	if msg, _ := f.Header(stomp.HdrMessage); !strings.Contains(msg, realtime.BrokerRejectionMessage) {
		t.Fatalf("error message %q lacks rejection marker", msg)
	}
	if code := c.expectClose(); code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d", code)
	}
}

func TestInvalidOrderGoesToPrivateErrorQueue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	compo, err := e.svc.Create(ctx, owner, "Nocturne", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c := e.dial(t, owner)
	c.subscribe("q1", "/user/queue/errors")

	f := stomp.NewFrame(stomp.CmdSend,
		stomp.HdrDestination, "/app/compositions."+compo.ID,
		stomp.HdrContentType, "application/json",
		stomp.HdrReceipt, "r-send",
	)
	f.Body = []byte("this is not json")
	c.send(f)

	var sawError, sawReceipt bool
	for i := 0; i < 2; i++ {
		got := c.recv()
		switch got.Command {
		case stomp.CmdMessage:
			var payload map[string]string
			if err := json.Unmarshal(got.Body, &payload); err != nil || payload["message"] == "" {
				t.Fatalf("error payload = %q", got.Body)
			}
			if dst, _ := got.Header(stomp.HdrDestination); dst != "/user/queue/errors" {
				t.Fatalf("error delivered on %q", dst)
			}
			sawError = true
		case stomp.CmdReceipt:
			sawReceipt = true
		default:
			t.Fatalf("unexpected frame %+v", got)
		}
	}
	if !sawError || !sawReceipt {
		t.Fatalf("sawError=%v sawReceipt=%v", sawError, sawReceipt)
	}
}

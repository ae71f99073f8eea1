package channel

import (
	"context"
	"testing"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

type fakeAdapter struct {
	channelType  domain.ChannelType
	accountID    string
	status       domain.ChannelStatus
	disconnected bool
}

func (f *fakeAdapter) Type() domain.ChannelType     { return f.channelType }
func (f *fakeAdapter) AccountID() string            { return f.accountID }
func (f *fakeAdapter) Status() domain.ChannelStatus { return f.status }

func (f *fakeAdapter) Connect(context.Context, domain.ChannelConfig) error { return nil }

func (f *fakeAdapter) Disconnect() error {
	f.disconnected = true
	f.status = domain.StatusDisconnected
	return nil
}

func (f *fakeAdapter) SendMessage(context.Context, domain.OutboundMessage) domain.SendResult {
	return domain.SendResult{Success: true, ExternalID: "ext-1"}
}

func (f *fakeAdapter) DownloadFile(context.Context, string) *domain.FileData { return nil }

func (f *fakeAdapter) OnMessage(domain.MessageHandler) func()     { return func() {} }
func (f *fakeAdapter) OnStatusChange(domain.StatusHandler) func() { return func() {} }

func TestAccountKey(t *testing.T) {
	if got := AccountKey(domain.ChannelTelegram, "acct1"); got != "telegram:acct1" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNew_KnownTypes(t *testing.T) {
	store := newFakeStore()
	for _, ct := range []domain.ChannelType{
		domain.ChannelTelegram, domain.ChannelSlack, domain.ChannelWhatsApp,
	} {
		adapter, err := New(ct, "a1", store, testLogger())
		if err != nil {
			t.Fatalf("New(%s): %v", ct, err)
		}
		if adapter.Type() != ct {
			t.Fatalf("New(%s) built a %s adapter", ct, adapter.Type())
		}
		if adapter.Status() != domain.StatusDisconnected {
			t.Fatalf("fresh adapter should be disconnected, got %q", adapter.Status())
		}
	}
}

func TestNew_UnknownType(t *testing.T) {
	if _, err := New("matrix", "a1", nil, testLogger()); err == nil {
		t.Fatal("expected error for unknown channel type")
	}
}

func newTestManager(t *testing.T, store domain.StateStore) (*Manager, *bus.InMemoryBus) {
	t.Helper()
	messageBus := bus.New(16, testLogger())
	t.Cleanup(messageBus.Close)
	return NewManager(messageBus, store, testLogger()), messageBus
}

func TestManager_ConnectRejectsDuplicateKey(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	mgr.adapters["telegram:acct1"] = &fakeAdapter{channelType: domain.ChannelTelegram, accountID: "acct1"}

	err := mgr.Connect(context.Background(), domain.ChannelTelegram, domain.ChannelConfig{AccountID: "acct1"})
	if err == nil {
		t.Fatal("expected duplicate-key error")
	}
}

func TestManager_DeliverPublishes(t *testing.T) {
	store := newFakeStore()
	mgr, messageBus := newTestManager(t, store)

	msg := domain.ChannelMessage{
		ID:          "telegram:acct1:1",
		ChannelType: domain.ChannelTelegram,
		AccountID:   "acct1",
		Content:     domain.MessageContent{Text: "hi"},
	}

	// same id twice: both deliveries reach the bus, consumers dedupe by id
	mgr.deliver(msg)
	mgr.deliver(msg)

	for i := 0; i < 2; i++ {
		select {
		case got := <-messageBus.Subscribe():
			if got.ID != msg.ID {
				t.Fatalf("unexpected id %q", got.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("delivery %d never reached the bus", i+1)
		}
	}

	if !store.wasSeen(msg.ID) {
		t.Fatal("delivered id not recorded in seen store")
	}
}

func TestManager_DeliverWithoutStore(t *testing.T) {
	mgr, messageBus := newTestManager(t, nil)
	mgr.deliver(domain.ChannelMessage{ID: "slack:ws1:1", ChannelType: domain.ChannelSlack})

	select {
	case <-messageBus.Subscribe():
	case <-time.After(time.Second):
		t.Fatal("delivery never reached the bus")
	}
}

func TestManager_DisconnectUnknownKeyIsNoop(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	if err := mgr.Disconnect("telegram:ghost"); err != nil {
		t.Fatalf("unknown key must be a no-op, got %v", err)
	}
}

func TestManager_Disconnect(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	adapter := &fakeAdapter{channelType: domain.ChannelSlack, accountID: "ws1", status: domain.StatusConnected}
	unsubCalls := 0
	key := AccountKey(domain.ChannelSlack, "ws1")
	mgr.adapters[key] = adapter
	mgr.unsubs[key] = []func(){func() { unsubCalls++ }, func() { unsubCalls++ }}

	events := make(chan bus.Event, 1)
	mgr.Events().On(bus.EventChannelDisconnected, func(e bus.Event) { events <- e })

	if err := mgr.Disconnect(key); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !adapter.disconnected {
		t.Fatal("adapter was not disconnected")
	}
	if unsubCalls != 2 {
		t.Fatalf("expected both unsubscribes to run, got %d", unsubCalls)
	}

	select {
	case e := <-events:
		if e.Source != key {
			t.Fatalf("event source %q, want %q", e.Source, key)
		}
	case <-time.After(time.Second):
		t.Fatal("disconnect event never emitted")
	}

	if _, ok := mgr.Adapter(key); ok {
		t.Fatal("adapter must be removed after disconnect")
	}
}

func TestManager_DisconnectAll(t *testing.T) {
	mgr, _ := newTestManager(t, nil)

	a := &fakeAdapter{channelType: domain.ChannelSlack, accountID: "ws1"}
	b := &fakeAdapter{channelType: domain.ChannelTelegram, accountID: "acct1"}
	mgr.adapters[AccountKey(domain.ChannelSlack, "ws1")] = a
	mgr.adapters[AccountKey(domain.ChannelTelegram, "acct1")] = b

	mgr.DisconnectAll()

	if !a.disconnected || !b.disconnected {
		t.Fatal("all adapters must be disconnected")
	}
	if len(mgr.Statuses()) != 0 {
		t.Fatal("no adapters should remain managed")
	}
}

func TestManager_Statuses(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	key := AccountKey(domain.ChannelWhatsApp, "biz1")
	mgr.adapters[key] = &fakeAdapter{channelType: domain.ChannelWhatsApp, accountID: "biz1", status: domain.StatusConnected}

	statuses := mgr.Statuses()
	if statuses[key] != domain.StatusConnected {
		t.Fatalf("unexpected statuses %v", statuses)
	}
}

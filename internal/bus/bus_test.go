package bus

import (
	"strings"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func TestBus_PublishAndSubscribe(t *testing.T) {
	b := New(4, testEBLogger())
	defer b.Close()

	msg := domain.ChannelMessage{
		ID:          "telegram:acct1:42",
		ChannelType: domain.ChannelTelegram,
		AccountID:   "acct1",
		Content:     domain.MessageContent{Text: "hello"},
	}
	b.Publish(msg)

	select {
	case got := <-b.Subscribe():
		if got.ID != msg.ID || got.Content.Text != "hello" {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("published message never arrived")
	}
}

func TestBus_PublishOrdering(t *testing.T) {
	b := New(8, testEBLogger())
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Publish(domain.ChannelMessage{ID: domain.MessageID(domain.ChannelSlack, "ws1", string(rune('a'+i)))})
	}

	for i := 0; i < 5; i++ {
		got := <-b.Subscribe()
		want := domain.MessageID(domain.ChannelSlack, "ws1", string(rune('a'+i)))
		if got.ID != want {
			t.Fatalf("message %d: got %q, want %q", i, got.ID, want)
		}
	}
}

func TestBus_SendOutboundRoutesToHandler(t *testing.T) {
	b := New(4, testEBLogger())
	defer b.Close()

	var delivered domain.OutboundMessage
	b.OnOutbound("telegram:acct1", func(out domain.OutboundMessage) domain.SendResult {
		delivered = out
		return domain.SendResult{Success: true, ExternalID: "77"}
	})

	res := b.SendOutbound("telegram:acct1", domain.OutboundMessage{
		To: domain.Target{ID: "100"}, Text: "reply",
	})
	if !res.Success || res.ExternalID != "77" {
		t.Fatalf("unexpected result %+v", res)
	}
	if delivered.To.ID != "100" || delivered.Text != "reply" {
		t.Fatalf("handler got %+v", delivered)
	}
}

func TestBus_SendOutboundUnknownAccount(t *testing.T) {
	b := New(4, testEBLogger())
	defer b.Close()

	res := b.SendOutbound("telegram:ghost", domain.OutboundMessage{Text: "x"})
	if res.Success {
		t.Fatal("send to unregistered account must fail")
	}
	if !strings.Contains(res.Error, "telegram:ghost") {
		t.Fatalf("error should name the account key, got %q", res.Error)
	}
}

func TestBus_OnOutboundReplacesHandler(t *testing.T) {
	b := New(4, testEBLogger())
	defer b.Close()

	b.OnOutbound("slack:ws1", func(domain.OutboundMessage) domain.SendResult {
		return domain.SendResult{Error: "old handler"}
	})
	b.OnOutbound("slack:ws1", func(domain.OutboundMessage) domain.SendResult {
		return domain.SendResult{Success: true}
	})

	if res := b.SendOutbound("slack:ws1", domain.OutboundMessage{}); !res.Success {
		t.Fatalf("expected newest handler to win, got %+v", res)
	}
}

func TestBus_PublishAfterCloseDoesNotPanic(t *testing.T) {
	b := New(4, testEBLogger())
	b.Close()
	b.Close() // idempotent

	b.Publish(domain.ChannelMessage{ID: "telegram:acct1:1"})

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("subscribe channel should be closed and drained")
	}
}

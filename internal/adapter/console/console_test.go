package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/howdyai/botkit-sub002/internal/bot"
	"github.com/howdyai/botkit-sub002/internal/models"
)

func TestLinesBecomeDirectMessages(t *testing.T) {
	in := strings.NewReader("hello\n\nworld\n")
	a := NewWithIO(in, &bytes.Buffer{})

	got := make(chan models.Message, 4)
	err := a.Start(context.Background(), func(ctx context.Context, msg models.Message, reply bot.ReplyFunc) error {
		got <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer a.Stop()

	for _, want := range []string{"hello", "world"} {
		select {
		case msg := <-got:
			if msg.Text != want {
				t.Errorf("ingested %q, want %q", msg.Text, want)
			}
			if msg.User != DefaultUser || msg.Channel != DefaultChannel || msg.Type != models.TypeDirectMessage {
				t.Errorf("envelope = %+v, want console direct message", msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSendWritesToOutput(t *testing.T) {
	var out bytes.Buffer
	a := NewWithIO(strings.NewReader(""), &out)

	id1, err := a.Send(context.Background(), models.Message{Channel: DefaultChannel, Text: "first"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	id2, err := a.Send(context.Background(), models.Message{Channel: DefaultChannel, Text: "second"})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if out.String() != "bot> first\nbot> second\n" {
		t.Errorf("output = %q", out.String())
	}
	if id1 == id2 {
		t.Errorf("ids not unique: %q", id1)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	a := NewWithIO(strings.NewReader(""), &bytes.Buffer{})
	if err := a.UpdateMessage(context.Background(), models.Message{}); !errors.Is(err, models.ErrUnsupportedOperation) {
		t.Errorf("UpdateMessage() error = %v, want ErrUnsupportedOperation", err)
	}
	if err := a.DeleteMessage(context.Background(), DefaultChannel, "x"); !errors.Is(err, models.ErrUnsupportedOperation) {
		t.Errorf("DeleteMessage() error = %v, want ErrUnsupportedOperation", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	a := NewWithIO(strings.NewReader(""), &bytes.Buffer{})
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
}

package notify

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/bnpl-service/internal/models"
)

type channelFunc func() error

func (f channelFunc) Notify(context.Context, models.Notification, *models.Customer) error { return f() }

func TestMulti(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	boom := errors.New("boom")

	var calls int
	ok := channelFunc(func() error { calls++; return nil })
	failing := channelFunc(func() error { calls++; return boom })

	if err := (Multi{ok, Log{Logger: log}}).Notify(context.Background(), models.Notification{ID: "n-1"}, nil); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	calls = 0
	err := Multi{failing, ok}.Notify(context.Background(), models.Notification{ID: "n-2"}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected every channel attempted, got %d calls", calls)
	}
}

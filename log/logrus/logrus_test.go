package logrus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/unkn0wn-root/syncache"
)

func TestWithCarriesFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	var l syncache.Logger = LogrusLogger{E: logrus.NewEntry(base)}
	l.With(syncache.Fields{"key": "object:user:1"}).Debug("fetch started", syncache.Fields{"epoch": 1})

	e := hook.LastEntry()
	if e == nil {
		t.Fatalf("no entry logged")
	}
	if e.Message != "fetch started" || e.Level != logrus.DebugLevel {
		t.Fatalf("got %q at %v", e.Message, e.Level)
	}
	if e.Data["key"] != "object:user:1" || e.Data["epoch"] != 1 {
		t.Fatalf("fields=%v", e.Data)
	}
}

package gateway

import "testing"

func TestSendAfterCloseReportsFalse(t *testing.T) {
	s := newSession("user-1", nil, 4)
	s.close(0, "")
	if s.Send([]byte("frame")) {
		t.Fatal("send on a closed session must report false")
	}
}

func TestSendOverflowClosesSession(t *testing.T) {
	s := newSession("user-1", nil, 1)
	if !s.Send([]byte("one")) {
		t.Fatal("first send should fit the queue")
	}
	if s.Send([]byte("two")) {
		t.Fatal("overflowing send must report false")
	}
	if !s.Closed() {
		t.Fatal("overflow must close the session")
	}
}

func TestJoinRecordsProjectAndFreshSessionsGetDistinctIDs(t *testing.T) {
	a := newSession("user-1", nil, 4)
	b := newSession("user-1", nil, 4)
	if a.ID == b.ID {
		t.Fatal("sessions must have unique ids")
	}
	a.join("p1")
	if a.ProjectID() != "p1" {
		t.Fatalf("expected joined project p1, got %q", a.ProjectID())
	}
	if a.Closed() {
		t.Fatal("joined session should not report closed")
	}
}

package broker

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

// fakeConn records writes and can be told to fail.
type fakeConn struct {
	writes [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.fail {
		return fmt.Errorf("send failed")
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	c.writes = append(c.writes, copied)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestBroker(maxFPS float64) *Broker {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWithClient(nil, "flow.frames", maxFPS, log, nil)
}

func framePayload(streamID string, ts int64) []byte {
	return []byte(fmt.Sprintf(`{"type":"frame","stream_id":%q,"timestamp":%d,"frame_b64":"abc"}`, streamID, ts))
}

func statusPayload(streamID, status, errMsg string, ts int64) []byte {
	if errMsg == "" {
		return []byte(fmt.Sprintf(`{"type":"stream_status","stream_id":%q,"status":%q,"timestamp":%d}`, streamID, status, ts))
	}
	return []byte(fmt.Sprintf(`{"type":"stream_status","stream_id":%q,"status":%q,"error":%q,"timestamp":%d}`, streamID, status, errMsg, ts))
}

func TestBroker_fanOutRespectsFilters(t *testing.T) {
	b := newTestBroker(100)
	connA := &fakeConn{}
	connB := &fakeConn{}
	connAll := &fakeConn{}
	b.Connect(connA, "stream-a")
	b.Connect(connB, "stream-b")
	b.Connect(connAll, "")

	b.dispatch(framePayload("stream-a", 0), time.Now())

	if len(connA.writes) != 1 {
		t.Errorf("filtered-to-A connection should receive A's frame, got %d writes", len(connA.writes))
	}
	if len(connB.writes) != 0 {
		t.Errorf("filtered-to-B connection must not receive A's frame, got %d writes", len(connB.writes))
	}
	if len(connAll.writes) != 1 {
		t.Errorf("unfiltered connection should receive every frame, got %d writes", len(connAll.writes))
	}
}

func TestBroker_unroutableMessageSkipsFilteredConnections(t *testing.T) {
	b := newTestBroker(100)
	filtered := &fakeConn{}
	open := &fakeConn{}
	b.Connect(filtered, "stream-a")
	b.Connect(open, "")

	// Decodable JSON with no stream id.
	b.dispatch([]byte(`{"type":"frame","frame_b64":"abc"}`), time.Now())

	if len(filtered.writes) != 0 {
		t.Error("message without stream id must not reach filtered connections")
	}
	if len(open.writes) != 1 {
		t.Errorf("message without stream id should still reach unfiltered connections, got %d", len(open.writes))
	}
}

func TestBroker_undecodableMessageIsDropped(t *testing.T) {
	b := newTestBroker(100)
	open := &fakeConn{}
	b.Connect(open, "")

	b.dispatch([]byte(`{not json`), time.Now())

	if len(open.writes) != 0 {
		t.Errorf("undecodable message must be dropped, got %d writes", len(open.writes))
	}
}

func TestBroker_rateLimitDropsFastFrames(t *testing.T) {
	b := newTestBroker(2) // 2 fps -> 500ms between frames
	conn := &fakeConn{}
	b.Connect(conn, "")

	base := time.Now()
	b.dispatch(framePayload("stream-a", 0), base)
	b.dispatch(framePayload("stream-a", 0), base.Add(100*time.Millisecond))

	if len(conn.writes) != 1 {
		t.Fatalf("second frame 100ms later at 2fps must be dropped, got %d writes", len(conn.writes))
	}

	// A status message right after the dropped frame still goes through.
	b.dispatch(statusPayload("stream-a", "connected", "", 0), base.Add(110*time.Millisecond))
	if len(conn.writes) != 2 {
		t.Errorf("status must bypass the frame rate limit, got %d writes", len(conn.writes))
	}

	// After the limit interval the next frame is forwarded again.
	b.dispatch(framePayload("stream-a", 0), base.Add(600*time.Millisecond))
	if len(conn.writes) != 3 {
		t.Errorf("frame after interval should be forwarded, got %d writes", len(conn.writes))
	}
}

func TestBroker_rateLimitIsPerStream(t *testing.T) {
	b := newTestBroker(2)
	conn := &fakeConn{}
	b.Connect(conn, "")

	base := time.Now()
	b.dispatch(framePayload("stream-a", 0), base)
	b.dispatch(framePayload("stream-b", 0), base.Add(10*time.Millisecond))

	if len(conn.writes) != 2 {
		t.Errorf("streams must be limited independently, got %d writes", len(conn.writes))
	}
}

func TestBroker_failedSendRemovesConnection(t *testing.T) {
	b := newTestBroker(100)
	bad := &fakeConn{fail: true}
	good := &fakeConn{}
	b.Connect(bad, "")
	b.Connect(good, "")

	b.dispatch(framePayload("stream-a", 0), time.Now())

	if len(good.writes) != 1 {
		t.Errorf("healthy connection must still receive the message, got %d", len(good.writes))
	}
	if !bad.closed {
		t.Error("stale connection should be closed")
	}
	if b.ConnectionCount() != 1 {
		t.Errorf("stale connection should be removed, registry has %d", b.ConnectionCount())
	}

	// Removal is idempotent.
	b.Disconnect(bad)
	if b.ConnectionCount() != 1 {
		t.Error("double disconnect changed registry size")
	}
}

func TestBroker_healthDerivation(t *testing.T) {
	b := newTestBroker(100)
	now := time.Now()

	b.dispatch(statusPayload("stream-a", "error", "stream read failed", 0), now)
	st, ok := b.StreamState("stream-a")
	if !ok {
		t.Fatal("state should exist after first observed message")
	}
	if st.ConnectionStatus != "error" || st.LastError != "stream read failed" {
		t.Errorf("status message not applied: %+v", st)
	}

	// A frame implies connected and clears the error.
	b.dispatch(framePayload("stream-a", 0), now.Add(20*time.Millisecond))
	st, _ = b.StreamState("stream-a")
	if st.ConnectionStatus != "connected" || st.LastError != "" {
		t.Errorf("frame should imply connected with no error: %+v", st)
	}

	if _, ok := b.StreamState("never-seen"); ok {
		t.Error("state must not exist for streams with no observed traffic")
	}
}

func TestBroker_lastEventUsesMessageTimestamp(t *testing.T) {
	b := newTestBroker(100)
	receipt := time.Now()
	carried := receipt.Add(-42 * time.Second).UnixMilli()

	b.dispatch(framePayload("stream-a", carried), receipt)
	st, _ := b.StreamState("stream-a")
	if st.LastEventAt.UnixMilli() != carried {
		t.Errorf("valid carried timestamp should win: got %v", st.LastEventAt)
	}

	// Without a timestamp the receipt time is used.
	b.dispatch(statusPayload("stream-b", "connected", "", 0), receipt)
	st, _ = b.StreamState("stream-b")
	if !st.LastEventAt.Equal(receipt) {
		t.Errorf("missing timestamp should fall back to receipt time: got %v", st.LastEventAt)
	}
}

func TestBroker_untypedFrameBackCompat(t *testing.T) {
	b := newTestBroker(2)
	conn := &fakeConn{}
	b.Connect(conn, "")

	base := time.Now()
	legacy := []byte(`{"stream_id":"stream-a","frame_b64":"abc"}`)
	b.dispatch(legacy, base)
	b.dispatch(legacy, base.Add(10*time.Millisecond))

	// Treated as frames: rate limited and implying connected.
	if len(conn.writes) != 1 {
		t.Errorf("legacy frames should be rate limited, got %d writes", len(conn.writes))
	}
	st, _ := b.StreamState("stream-a")
	if st.ConnectionStatus != "connected" {
		t.Errorf("legacy frame should imply connected: %+v", st)
	}
}

func TestBroker_setFrameRateAppliesToExistingLimiters(t *testing.T) {
	b := newTestBroker(1)
	conn := &fakeConn{}
	b.Connect(conn, "")

	base := time.Now()
	b.dispatch(framePayload("stream-a", 0), base)
	b.SetFrameRate(100)
	b.dispatch(framePayload("stream-a", 0), base.Add(50*time.Millisecond))

	if len(conn.writes) != 2 {
		t.Errorf("raised rate should admit the second frame, got %d writes", len(conn.writes))
	}
}

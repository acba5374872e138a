package snowflake

import (
	"net"
	"testing"
)

func TestIDParts(t *testing.T) {
	g := NewGenerator(DefaultEpoch, 513)
	fake := int64(DefaultEpoch + 12345)
	g.nowMS = func() int64 { return fake }

	id, err := g.Next()
	if err != nil {
		t.Fatal(err)
	}
	if id.Timestamp() != 12345 {
		t.Errorf("timestamp: want 12345, got %d", id.Timestamp())
	}
	if id.WorkerID() != 513 {
		t.Errorf("worker id: want 513, got %d", id.WorkerID())
	}
	if id.Sequence() != 0 {
		t.Errorf("sequence: want 0, got %d", id.Sequence())
	}
}

func TestSequenceIncrementsWithinMillisecond(t *testing.T) {
	g := NewGenerator(DefaultEpoch, 1)
	fake := int64(DefaultEpoch + 1)
	g.nowMS = func() int64 { return fake }

	a, _ := g.Next()
	b, _ := g.Next()
	if b.Sequence() != a.Sequence()+1 {
		t.Errorf("want consecutive sequences, got %d then %d", a.Sequence(), b.Sequence())
	}
	if a == b {
		t.Error("ids within one millisecond collided")
	}
}

func TestSequenceWrapWaitsForNextMillisecond(t *testing.T) {
	g := NewGenerator(DefaultEpoch, 1)
	now := int64(DefaultEpoch + 5)
	calls := 0
	g.nowMS = func() int64 {
		calls++
		if calls > 2 {
			// Second and later reads observe the clock advancing.
			return now + 1
		}
		return now
	}
	g.lastTS = now
	g.sequence = 0xFFF

	id, err := g.Next()
	if err != nil {
		t.Fatal(err)
	}
	if id.Timestamp() != 6 {
		t.Errorf("want id minted in the next millisecond, got offset %d", id.Timestamp())
	}
	if id.Sequence() != 0 {
		t.Errorf("sequence must reset after wrap, got %d", id.Sequence())
	}
}

func TestClockBackwards(t *testing.T) {
	g := NewGenerator(DefaultEpoch, 1)
	g.nowMS = func() int64 { return DefaultEpoch + 10 }
	if _, err := g.Next(); err != nil {
		t.Fatal(err)
	}
	g.nowMS = func() int64 { return DefaultEpoch + 3 }
	if _, err := g.Next(); err != ErrClockBackwards {
		t.Errorf("want ErrClockBackwards, got %v", err)
	}
}

func TestWorkerIDFromParts(t *testing.T) {
	ip := net.IPv4(10, 0, 3, 7).To4()
	if got := workerIDFromParts(ip); got != 3<<8|7 {
		t.Errorf("want %d, got %d", 3<<8|7, got)
	}
}

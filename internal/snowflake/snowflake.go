// Package snowflake generates 63-bit time-ordered unique ids for outbound
// change events:
//
//   - 41 bits: milliseconds since the chosen epoch (2022-01-01 by default)
//   - 10 bits: worker id, derived from the host's first private IPv4
//   - 12 bits: per-millisecond sequence number
//
// A single worker can mint 4096 ids per millisecond; 1024 workers can mint
// concurrently without coordination.
package snowflake

import (
	"errors"
	"net"
	"sync"
	"time"
)

// DefaultEpoch is 2022-01-01T00:00:00Z in unix milliseconds.
const DefaultEpoch int64 = 1640995200000

var (
	ErrNoPrivateAddr  = errors.New("snowflake: no private IPv4 address to derive a worker id from")
	ErrClockBackwards = errors.New("snowflake: clock moved backwards")
)

// ID is a generated snowflake.
type ID int64

// Timestamp returns the offset in milliseconds since the generator's epoch.
func (id ID) Timestamp() int64 { return int64(id) >> 22 }

// WorkerID returns the worker that generated this id.
func (id ID) WorkerID() int64 { return (int64(id) >> 12) & 0x3FF }

// Sequence returns the per-millisecond sequence number.
func (id ID) Sequence() int64 { return int64(id) & 0xFFF }

// Generator mints snowflakes. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	epoch    int64
	workerID int64
	lastTS   int64
	sequence int64
	nowMS    func() int64
}

// NewGenerator builds a generator with the given worker id (0..1023).
func NewGenerator(epoch, workerID int64) *Generator {
	if epoch <= 0 {
		epoch = DefaultEpoch
	}
	return &Generator{
		epoch:    epoch,
		workerID: workerID & 0x3FF,
		nowMS:    func() int64 { return time.Now().UnixMilli() },
	}
}

// NewHostGenerator derives the worker id from the host's private IPv4.
func NewHostGenerator(epoch int64) (*Generator, error) {
	wid, err := WorkerIDFromHost()
	if err != nil {
		return nil, err
	}
	return NewGenerator(epoch, wid), nil
}

// Next mints the next id, waiting out the current millisecond if the
// sequence space is exhausted.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.nowMS()
	if ts < g.lastTS {
		return 0, ErrClockBackwards
	}
	if ts == g.lastTS {
		g.sequence = (g.sequence + 1) & 0xFFF
		if g.sequence == 0 {
			for ts <= g.lastTS {
				ts = g.nowMS()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTS = ts
	return ID((ts-g.epoch)<<22 | g.workerID<<12 | g.sequence), nil
}

// WorkerIDFromHost derives a worker id from the third and fourth octets of
// the first private IPv4 address on the host (10/8, 172.16/12, 192.168/16).
func WorkerIDFromHost() (int64, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0, err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || !ip4.IsPrivate() {
			continue
		}
		return workerIDFromParts(ip4), nil
	}
	return 0, ErrNoPrivateAddr
}

func workerIDFromParts(ip4 net.IP) int64 {
	return int64(ip4[2])<<8 | int64(ip4[3])
}

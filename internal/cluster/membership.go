package cluster

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"icecrystal/internal/domain"
)

// Snapshot is one complete view of the member set.
type Snapshot struct {
	Nodes []Node
}

// Discovery emits membership snapshots. The first snapshot arrives as soon
// as the collaborator knows the member set; later ones only on change.
type Discovery interface {
	Watch(ctx context.Context) (<-chan Snapshot, error)
}

// StaticDiscovery serves a fixed peer list from configuration. Entries have
// the form "node-id=host:port".
type StaticDiscovery struct {
	peers []string
}

func NewStaticDiscovery(peers []string) *StaticDiscovery {
	return &StaticDiscovery{peers: peers}
}

func (d *StaticDiscovery) Watch(ctx context.Context) (<-chan Snapshot, error) {
	nodes := make([]Node, 0, len(d.peers))
	for _, p := range d.peers {
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("%w: malformed peer %q", domain.ErrInvalidArgument, p)
		}
		nodes = append(nodes, Node{ID: id, Addr: addr})
	}
	if len(nodes) == 0 {
		return nil, domain.ErrNoMembers
	}
	ch := make(chan Snapshot, 1)
	ch <- Snapshot{Nodes: nodes}
	return ch, nil
}

// DNSDiscovery polls an SRV name (typically a headless service) and emits a
// snapshot whenever the answer set changes. The record target doubles as the
// node id, so placement stays stable across re-resolves.
type DNSDiscovery struct {
	name     string
	refresh  time.Duration
	log      *zerolog.Logger
	resolver func() ([]Node, error)
}

func NewDNSDiscovery(selector string, refresh time.Duration, logger *zerolog.Logger) *DNSDiscovery {
	dnsLog := logger.With().Str("component", "DNSDiscovery").Logger()
	d := &DNSDiscovery{
		name:    dns.Fqdn(selector),
		refresh: refresh,
		log:     &dnsLog,
	}
	d.resolver = d.resolveSRV
	return d
}

func (d *DNSDiscovery) Watch(ctx context.Context) (<-chan Snapshot, error) {
	ch := make(chan Snapshot, 1)
	go d.poll(ctx, ch)
	return ch, nil
}

func (d *DNSDiscovery) poll(ctx context.Context, ch chan<- Snapshot) {
	defer close(ch)
	ticker := time.NewTicker(d.refresh)
	defer ticker.Stop()

	var lastVersion uint64
	emit := func() {
		nodes, err := d.resolver()
		if err != nil {
			d.log.Warn().Err(err).Str("name", d.name).Msg("membership resolve failed")
			return
		}
		v := NewRing(nodes, 1).Version()
		if v == lastVersion {
			return
		}
		lastVersion = v
		d.log.Info().Int("members", len(nodes)).Msg("membership changed")
		select {
		case ch <- Snapshot{Nodes: nodes}:
		case <-ctx.Done():
		}
	}

	emit()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit()
		}
	}
}

func (d *DNSDiscovery) resolveSRV() ([]Node, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	m := new(dns.Msg)
	m.SetQuestion(d.name, dns.TypeSRV)
	c := new(dns.Client)

	var resp *dns.Msg
	for _, server := range conf.Servers {
		resp, _, err = c.Exchange(m, net.JoinHostPort(server, conf.Port))
		if err == nil && resp != nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Answer) == 0 {
		return nil, domain.ErrNoMembers
	}

	var nodes []Node
	for _, ans := range resp.Answer {
		srv, ok := ans.(*dns.SRV)
		if !ok {
			continue
		}
		host := strings.TrimSuffix(srv.Target, ".")
		nodes = append(nodes, Node{
			ID:   host,
			Addr: net.JoinHostPort(host, strconv.Itoa(int(srv.Port))),
		})
	}
	if len(nodes) == 0 {
		return nil, domain.ErrNoMembers
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

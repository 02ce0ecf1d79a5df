// Package network attaches a challenge container's network namespace to an
// isolated bridge and publishes its internal port on the host with iptables
// DNAT, the way a bare containerd deployment has to do by hand what a
// Docker bridge driver does automatically.
package network

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/ctfd/pkg/log"
)

const bridgeName = "ctfd0"

// attachment records what AttachContainer set up, so DetachContainer can
// tear down exactly that and nothing else.
type attachment struct {
	vethHost      string
	ip            net.IP
	hostPort      int
	containerPort int
}

// Publisher wires a container's network namespace onto a shared bridge with
// a deterministically-addressed veth pair, then DNATs its assigned host port
// to its internal port with a PREROUTING DNAT + POSTROUTING MASQUERADE +
// FORWARD ACCEPT rule triple. There is no CNI plugin in this deployment to
// hand a container an address, so Publisher owns both the address
// assignment and the port publishing.
type Publisher struct {
	subnet    *net.IPNet
	gatewayIP net.IP

	mu       sync.Mutex
	bridgeUp bool
	attached map[string]attachment
}

// NewPublisher parses subnetCIDR (e.g. "10.88.0.0/24"), the configured
// NetworkSubnet. A blank subnetCIDR disables publishing: AttachContainer
// becomes a no-op and containers stay reachable only via the
// ctfd.host-port label a reconciliation tool could act on manually.
func NewPublisher(subnetCIDR string) (*Publisher, error) {
	if subnetCIDR == "" {
		return &Publisher{attached: make(map[string]attachment)}, nil
	}
	ip, subnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("network: parse subnet: %w", err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("network: subnet must be IPv4")
	}
	gw := make(net.IP, 4)
	copy(gw, subnet.IP.To4())
	gw[3]++
	return &Publisher{subnet: subnet, gatewayIP: gw, attached: make(map[string]attachment)}, nil
}

// Enabled reports whether a subnet was configured. Callers skip network
// attachment entirely when it isn't.
func (p *Publisher) Enabled() bool { return p.subnet != nil }

func (p *Publisher) ensureBridge(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bridgeUp {
		return nil
	}
	if err := run(ctx, "ip", "link", "add", bridgeName, "type", "bridge"); err != nil && !alreadyExists(err) {
		return err
	}
	ones, _ := p.subnet.Mask.Size()
	addr := fmt.Sprintf("%s/%d", p.gatewayIP, ones)
	if err := run(ctx, "ip", "addr", "add", addr, "dev", bridgeName); err != nil && !alreadyExists(err) {
		return err
	}
	if err := run(ctx, "ip", "link", "set", bridgeName, "up"); err != nil {
		return err
	}
	p.bridgeUp = true
	return nil
}

// containerIP deterministically derives an address inside the subnet from
// the container id, so a restart doesn't need persisted allocation state to
// reattach the same container to the same address.
func (p *Publisher) containerIP(containerID string) net.IP {
	sum := sha1.Sum([]byte(containerID))
	ones, bits := p.subnet.Mask.Size()
	span := uint32(1) << uint(bits-ones)
	usable := span - 2 // network address and gateway are reserved
	offset := binary.BigEndian.Uint32(sum[:4]) % usable
	base := binary.BigEndian.Uint32(p.subnet.IP.To4())
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, base+2+offset)
	return ip
}

// AttachContainer creates a veth pair, moves one end into the task's
// network namespace (identified by pid), brings it up inside the namespace
// as eth0 with a deterministic address, and DNATs hostPort to
// containerPort on that address. A disabled Publisher is a no-op.
func (p *Publisher) AttachContainer(ctx context.Context, containerID string, pid, hostPort, containerPort int) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.ensureBridge(ctx); err != nil {
		return fmt.Errorf("network: bridge: %w", err)
	}

	ip := p.containerIP(containerID)
	vethHost := vethName(containerID, "h")
	vethPeer := vethName(containerID, "p")
	netnsPath := fmt.Sprintf("/proc/%d/ns/net", pid)
	prefixLen, _ := p.subnet.Mask.Size()

	steps := [][]string{
		{"ip", "link", "add", vethHost, "type", "veth", "peer", "name", vethPeer},
		{"ip", "link", "set", vethHost, "master", bridgeName},
		{"ip", "link", "set", vethHost, "up"},
		{"ip", "link", "set", vethPeer, "netns", netnsPath},
		{"nsenter", "--net=" + netnsPath, "--", "ip", "link", "set", vethPeer, "name", "eth0"},
		{"nsenter", "--net=" + netnsPath, "--", "ip", "addr", "add", fmt.Sprintf("%s/%d", ip, prefixLen), "dev", "eth0"},
		{"nsenter", "--net=" + netnsPath, "--", "ip", "link", "set", "eth0", "up"},
		{"nsenter", "--net=" + netnsPath, "--", "ip", "route", "add", "default", "via", p.gatewayIP.String()},
	}
	for _, args := range steps {
		if err := run(ctx, args[0], args[1:]...); err != nil {
			_ = run(ctx, "ip", "link", "del", vethHost)
			return fmt.Errorf("network: attach %s: %w", containerID, err)
		}
	}

	if err := dnat(ctx, "-A", hostPort, containerPort, ip.String()); err != nil {
		_ = run(ctx, "ip", "link", "del", vethHost)
		return fmt.Errorf("network: publish port: %w", err)
	}

	p.mu.Lock()
	p.attached[containerID] = attachment{vethHost: vethHost, ip: ip, hostPort: hostPort, containerPort: containerPort}
	p.mu.Unlock()

	log.WithContainerID(containerID).Info().
		Str("ip", ip.String()).Int("host_port", hostPort).Int("container_port", containerPort).
		Msg("container attached to network")
	return nil
}

// DetachContainer removes the DNAT rules and veth pair for containerID.
// Best-effort and idempotent: an id with no recorded attachment is a no-op,
// matching Release/Remove's tolerance for a resource already gone.
func (p *Publisher) DetachContainer(containerID string) {
	p.mu.Lock()
	a, ok := p.attached[containerID]
	if ok {
		delete(p.attached, containerID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	ctx := context.Background()
	_ = dnat(ctx, "-D", a.hostPort, a.containerPort, a.ip.String())
	_ = run(ctx, "ip", "link", "del", a.vethHost)
}

func vethName(containerID, suffix string) string {
	short := containerID
	if len(short) > 8 {
		short = short[:8]
	}
	return "veth" + short + suffix
}

// dnat issues (verb="-A") or removes (verb="-D") the PREROUTING DNAT,
// POSTROUTING MASQUERADE and FORWARD ACCEPT rules for one port mapping.
func dnat(ctx context.Context, verb string, hostPort, containerPort int, containerIP string) error {
	dest := fmt.Sprintf("%s:%d", containerIP, containerPort)
	rules := [][]string{
		{"-t", "nat", verb, "PREROUTING", "-p", "tcp", "--dport", strconv.Itoa(hostPort), "-j", "DNAT", "--to-destination", dest},
		{"-t", "nat", verb, "POSTROUTING", "-p", "tcp", "-d", containerIP, "--dport", strconv.Itoa(containerPort), "-j", "MASQUERADE"},
		{verb, "FORWARD", "-p", "tcp", "-d", containerIP, "--dport", strconv.Itoa(containerPort), "-j", "ACCEPT"},
	}
	for _, r := range rules {
		if err := run(ctx, "iptables", r...); err != nil {
			return err
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	return strings.Contains(err.Error(), "File exists")
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

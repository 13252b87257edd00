// Package ipam allocates IPv4 host addresses inside an interface's address
// block. Allocation is a pure function of the block and the set of
// addresses already in use: there is no hidden allocator state, so callers
// decide where the in-use set comes from (registry, live dump, or both).
package ipam

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/wgkeeper/wgkeeper/lib/errors"
)

// NextIPv4 returns the smallest unused host address in prefix, scanning
// host identifiers from 2 upward. Host identifier 1 (the network's first
// host) is reserved for the interface itself and is never returned; the
// broadcast address is excluded. Fails with ErrPoolExhausted when every
// host address is in use.
func NextIPv4(prefix netip.Prefix, inUse map[netip.Addr]bool) (netip.Addr, error) {
	base, size, err := hostRange(prefix)
	if err != nil {
		return netip.Addr{}, err
	}

	// Host ids 0 (network) and 1 (interface) are reserved; size-1 is the
	// broadcast address.
	for id := uint32(2); id < size-1; id++ {
		addr := addrFromUint32(base + id)
		if !inUse[addr] {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: no free host in %s", errors.ErrPoolExhausted, prefix)
}

// InterfaceAddress returns the network's first host address, reserved for
// the managed interface itself.
func InterfaceAddress(prefix netip.Prefix) (netip.Addr, error) {
	base, _, err := hostRange(prefix)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrFromUint32(base + 1), nil
}

// hostRange validates the prefix and returns the network base address as a
// uint32 plus the total number of addresses in the block.
func hostRange(prefix netip.Prefix) (base, size uint32, err error) {
	if !prefix.IsValid() {
		return 0, 0, fmt.Errorf("invalid prefix %v", prefix)
	}
	addr := prefix.Addr().Unmap()
	if !addr.Is4() {
		return 0, 0, fmt.Errorf("prefix %s is not IPv4", prefix)
	}
	bits := prefix.Bits()
	if bits > 30 {
		return 0, 0, fmt.Errorf("prefix /%d has no allocatable hosts", bits)
	}

	network := netip.PrefixFrom(addr, bits).Masked().Addr().As4()
	base = binary.BigEndian.Uint32(network[:])
	size = uint32(1) << (32 - bits)
	return base, size, nil
}

func addrFromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// Package ifmeta maps counter entity ids to the network interfaces they
// stand for.
//
// Traffic sites key their counters by interface index. Interface holds the
// name and hardware address reported by the kernel for that index.
//
// Manager provides command-query separation:
//
// Queries (read-only):
//   - Get(index) - Retrieve interface metadata
//   - Name(entity) - Display name for a counter entity
//   - Len() - Number of known interfaces
//
// Commands (mutations):
//   - Set(iface) - Store or replace interface metadata
//   - Delete(index) - Forget an interface
//   - Load(lister) - Replace the table from a netlink link dump
//
// Thread-safe with RWMutex for concurrent access.
package ifmeta

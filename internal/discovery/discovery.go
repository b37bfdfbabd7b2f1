// Package discovery models the input side of service discovery: tuples of
// (instance name, fingerprint, optional v4/v6 endpoint) pushed in from
// whatever discovery mechanism a deployment uses. It does not implement
// mDNS or any other discovery protocol itself — that stays a caller
// responsibility, reached through the Publisher interface.
package discovery

// Endpoint is a resolvable network address for one IP family.
type Endpoint struct {
	Host string
	Port uint16
}

// Entry is one discovery tuple: an instance name paired with the
// fingerprint its certificate should present, and the address(es) it can
// be reached at. V4/V6 are both optional; at least one is expected to be
// non-nil in practice, but the pool does not enforce it.
type Entry struct {
	InstanceName string
	Fingerprint  string
	V4           *Endpoint
	V6           *Endpoint
}

// Publisher is implemented by a discovery mechanism (mDNS, a static file
// watcher, a test harness) to push freshly observed entries in. The
// pool never polls a source itself.
type Publisher interface {
	Publish(entry Entry)
}

// Tracker is the read side consumed by the endpoint when resolving an
// instance name to connect to.
type Tracker interface {
	Lookup(instanceName string) (Entry, bool)
	List() []Entry
}

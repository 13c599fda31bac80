package peers

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Channel is the part of an open connection the registry needs: a way to
// close it.
type Channel interface {
	Close(reason string)
}

// PeerRecord is the registry entry for one address.
type PeerRecord struct {
	Address         PeerAddress
	Status          PeerStatus
	Direction       Direction
	Channel         Channel `json:"-"`
	LastActivityAt  time.Time
	DiscoveredAt    time.Time
	ConnectingSince time.Time

	stamp int64
}

// Registry is the in-memory table of known peer addresses. It is not safe
// for concurrent use; a Registry is owned by a single event loop.
type Registry struct {
	local   PeerAddress
	records map[string]*PeerRecord

	// last discovery stamp handed out, in unix nanoseconds
	lastStamp int64

	now    func() time.Time
	logger *logrus.Entry

	// OnStatus, when set, is called after every status change.
	OnStatus func(rec PeerRecord)
}

// NewRegistry creates an empty Registry that never records local.
func NewRegistry(local PeerAddress, logger *logrus.Entry) *Registry {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Registry{
		local:   local,
		records: make(map[string]*PeerRecord),
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetLocalAddress updates the address filtered out of discovery.
func (r *Registry) SetLocalAddress(local PeerAddress) {
	r.local = local
}

// nextStamp returns a strictly increasing discovery stamp. Every stamp and
// every watermark is unique, which keeps discovery batches disjoint even
// when the wall clock does not move between two calls.
func (r *Registry) nextStamp() int64 {
	s := r.now().UnixNano()
	if s <= r.lastStamp {
		s = r.lastStamp + 1
	}
	r.lastStamp = s
	return s
}

func (r *Registry) get(addr PeerAddress) *PeerRecord {
	return r.records[addr.Key()]
}

func (r *Registry) getOrCreate(addr PeerAddress) *PeerRecord {
	rec := r.records[addr.Key()]
	if rec == nil {
		stamp := r.nextStamp()
		rec = &PeerRecord{
			Address:      addr,
			Status:       New,
			DiscoveredAt: time.Unix(0, stamp),
			stamp:        stamp,
		}
		r.records[addr.Key()] = rec
	}
	return rec
}

func (r *Registry) setStatus(rec *PeerRecord, status PeerStatus) {
	prev := rec.Status
	rec.Status = status
	if !status.Live() {
		rec.Channel = nil
	}
	if status == Connecting {
		rec.ConnectingSince = r.now()
	} else {
		rec.ConnectingSince = time.Time{}
	}

	r.logger.WithFields(logrus.Fields{
		"peer": rec.Address.String(),
		"from": prev.String(),
		"to":   status.String(),
	}).Debug("Peer status")

	if r.OnStatus != nil {
		r.OnStatus(*rec)
	}
}

func (r *Registry) invalid(addr PeerAddress, op string) {
	status := "UNKNOWN"
	if rec := r.get(addr); rec != nil {
		status = rec.Status.String()
	}
	r.logger.WithFields(logrus.Fields{
		"peer":   addr.String(),
		"op":     op,
		"status": status,
	}).Debug("Ignoring invalid peer status transition")
}

/*******************************************************************************
Queries
*******************************************************************************/

// AvailableAddresses returns the addresses that may be dialed: NEW, FAILED or
// DISCONNECTED. The result is sorted by key.
func (r *Registry) AvailableAddresses() []PeerAddress {
	res := []PeerAddress{}
	for _, rec := range r.records {
		if rec.Status.Available() {
			res = append(res, rec.Address)
		}
	}
	sort.Sort(ByKey(res))
	return res
}

// FallingPeers returns ACTIVE addresses silent since before minActivity.
func (r *Registry) FallingPeers(minActivity time.Time) []PeerAddress {
	res := []PeerAddress{}
	for _, rec := range r.records {
		if rec.Status == Active && rec.LastActivityAt.Before(minActivity) {
			res = append(res, rec.Address)
		}
	}
	sort.Sort(ByKey(res))
	return res
}

// Known reports whether addr has a record.
func (r *Registry) Known(addr PeerAddress) bool {
	return r.get(addr) != nil
}

// Status returns the status of addr and whether it is known.
func (r *Registry) Status(addr PeerAddress) (PeerStatus, bool) {
	rec := r.get(addr)
	if rec == nil {
		return New, false
	}
	return rec.Status, true
}

// Record returns a copy of the record of addr.
func (r *Registry) Record(addr PeerAddress) (PeerRecord, bool) {
	rec := r.get(addr)
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

// ChannelOf returns the channel attached to addr, if any.
func (r *Registry) ChannelOf(addr PeerAddress) Channel {
	rec := r.get(addr)
	if rec == nil {
		return nil
	}
	return rec.Channel
}

// Snapshot returns copies of all records sorted by key.
func (r *Registry) Snapshot() []PeerRecord {
	res := make([]PeerRecord, 0, len(r.records))
	for _, rec := range r.records {
		res = append(res, *rec)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Address.Key() < res[j].Address.Key()
	})
	return res
}

// KnownCount is the number of records.
func (r *Registry) KnownCount() int {
	return len(r.records)
}

// ActiveCount is the number of ACTIVE records.
func (r *Registry) ActiveCount() int {
	return r.count(func(rec *PeerRecord) bool { return rec.Status == Active })
}

// ActiveInboundCount is the number of ACTIVE inbound records.
func (r *Registry) ActiveInboundCount() int {
	return r.count(func(rec *PeerRecord) bool {
		return rec.Status == Active && rec.Direction == Inbound
	})
}

// ActiveOutboundCount is the number of ACTIVE outbound records.
func (r *Registry) ActiveOutboundCount() int {
	return r.count(func(rec *PeerRecord) bool {
		return rec.Status == Active && rec.Direction == Outbound
	})
}

func (r *Registry) count(pred func(*PeerRecord) bool) int {
	n := 0
	for _, rec := range r.records {
		if pred(rec) {
			n++
		}
	}
	return n
}

/*******************************************************************************
Transitions
*******************************************************************************/

// ConnectingTo marks addr CONNECTING. It creates the record if needed.
func (r *Registry) ConnectingTo(addr PeerAddress) bool {
	if !addr.IsValid() || addr.Equal(r.local) {
		r.invalid(addr, "connectingTo")
		return false
	}
	rec := r.getOrCreate(addr)
	if !rec.Status.Available() {
		r.invalid(addr, "connectingTo")
		return false
	}
	rec.Direction = Outbound
	r.setStatus(rec, Connecting)
	return true
}

// ConnectedTo marks addr CONNECTED through the outbound channel ch.
func (r *Registry) ConnectedTo(addr PeerAddress, ch Channel) bool {
	rec := r.getOrCreate(addr)
	switch rec.Status {
	case New, Connecting, Failed, Disconnected:
	default:
		r.invalid(addr, "connectedTo")
		return false
	}
	rec.Direction = Outbound
	rec.Channel = ch
	r.setStatus(rec, Connected)
	return true
}

// ActiveTo marks addr ACTIVE through ch after a successful handshake. It
// fails on BANNED addresses and when another channel is already attached;
// the caller decides which of two channels survives and detaches the loser
// first.
func (r *Registry) ActiveTo(addr PeerAddress, ch Channel, dir Direction) bool {
	if addr.Equal(r.local) {
		r.invalid(addr, "activeTo")
		return false
	}
	rec := r.getOrCreate(addr)
	if rec.Status == Banned {
		r.invalid(addr, "activeTo")
		return false
	}
	if rec.Channel != nil && rec.Channel != ch {
		r.invalid(addr, "activeTo")
		return false
	}
	rec.Direction = dir
	rec.Channel = ch
	rec.LastActivityAt = r.now()
	r.setStatus(rec, Active)
	return true
}

// FailedToCommunicateWith marks addr FAILED.
func (r *Registry) FailedToCommunicateWith(addr PeerAddress) bool {
	rec := r.get(addr)
	if rec == nil || !(rec.Status == Connecting || rec.Status.Live()) {
		r.invalid(addr, "failedToCommunicateWith")
		return false
	}
	r.setStatus(rec, Failed)
	return true
}

// DisconnectedFrom marks addr DISCONNECTED.
func (r *Registry) DisconnectedFrom(addr PeerAddress) bool {
	rec := r.get(addr)
	if rec == nil || !(rec.Status == Connecting || rec.Status.Live()) {
		r.invalid(addr, "disconnectedFrom")
		return false
	}
	r.setStatus(rec, Disconnected)
	return true
}

// Ban marks addr BANNED. Banned records are never dialed, accepted, or
// shared again.
func (r *Registry) Ban(addr PeerAddress) bool {
	if addr.Equal(r.local) {
		r.invalid(addr, "ban")
		return false
	}
	rec := r.getOrCreate(addr)
	if rec.Status == Banned {
		return false
	}
	r.setStatus(rec, Banned)
	return true
}

// Close closes the channel attached to addr, if any. The status change is
// left to the channel's close notification.
func (r *Registry) Close(addr PeerAddress, reason string) bool {
	rec := r.get(addr)
	if rec == nil || rec.Channel == nil {
		r.invalid(addr, "close")
		return false
	}
	rec.Channel.Close(reason)
	return true
}

// BumpActivity records that addr just sent us something.
func (r *Registry) BumpActivity(addr PeerAddress) {
	if rec := r.get(addr); rec != nil {
		rec.LastActivityAt = r.now()
	}
}

// Rekey moves the record of old under new in one step. It is used when a
// handshake corrects the address of an outbound connection. If new is
// already known, the old record is dropped and new keeps its own history.
func (r *Registry) Rekey(old, new PeerAddress) bool {
	rec := r.get(old)
	if rec == nil {
		r.invalid(old, "rekey")
		return false
	}
	delete(r.records, old.Key())
	if r.Known(new) {
		return true
	}
	rec.Address = new
	r.records[new.Key()] = rec
	return true
}

/*******************************************************************************
Discovery
*******************************************************************************/

// Discovered merges addrs into the registry. Unknown addresses become NEW;
// known ones are left untouched. The local address, banned addresses and
// invalid addresses are skipped. It returns the addresses that were added.
func (r *Registry) Discovered(addrs []PeerAddress) []PeerAddress {
	added := []PeerAddress{}
	for _, addr := range addrs {
		if !addr.IsValid() || addr.Equal(r.local) {
			continue
		}
		if r.Known(addr) {
			continue
		}
		rec := r.getOrCreate(addr)
		added = append(added, rec.Address)
		r.logger.WithField("peer", addr.String()).Debug("Discovered peer")
		if r.OnStatus != nil {
			r.OnStatus(*rec)
		}
	}
	return added
}

// DiscoveryResponse returns the known, non-banned addresses discovered after
// since, and a fresh watermark to send back next time.
func (r *Registry) DiscoveryResponse(since int64) ([]PeerAddress, int64) {
	res := []PeerAddress{}
	for _, rec := range r.records {
		if rec.Status == Banned || !rec.Address.IsValid() {
			continue
		}
		if rec.stamp > since {
			res = append(res, rec.Address)
		}
	}
	sort.Sort(ByKey(res))
	return res, r.nextStamp()
}

// Package signal validates client-reported anomalies before they reach presence
// state, and turns them into alerts for the owning professors.
package signal

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var ErrMalformedSignal = errors.New("signal is missing exam, person or type")

// Presence is the part of the presence registry the processor writes to
type Presence interface {
	Record(personID string, examID types.ExamID, entryType, message string, status types.PresenceStatus) (bool, error)
	MarkStatus(personID string, examID types.ExamID, status types.PresenceStatus) (bool, error)
}

// Options configures a Processor
type Options struct {
	// LocalSubnet is either an address prefix ("192.168.1.") or a CIDR
	LocalSubnet      string
	CheatStatusTypes []string
	DedupWindow      time.Duration
	Now              func() time.Time
}

// CheatReport is one client-side anomaly
type CheatReport struct {
	ExamID    types.ExamID
	PersonID  string
	Matricule string
	Type      string
	Details   string
}

// NetworkReport compares the address a student is seen from with the previous one
type NetworkReport struct {
	ExamID     types.ExamID
	PersonID   string
	Matricule  string
	CurrentIP  string
	PreviousIP string
}

// Result tells the caller what a report caused
type Result struct {
	Coalesced     bool
	StatusChanged bool
	Changed       bool
	Outside       bool
}

// Processor is safe for concurrent use
type Processor struct {
	presence    Presence
	store       interfaces.Store
	sink        interfaces.EventSink
	statusTypes map[string]bool
	localPrefix string
	localNet    *netip.Prefix
	window      time.Duration
	now         func() time.Time

	mu     sync.Mutex
	recent map[string]time.Time
}

// NewProcessor builds a processor; an invalid CIDR falls back to prefix matching
func NewProcessor(presence Presence, store interfaces.Store, sink interfaces.EventSink, opts Options) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Processor{
		presence:    presence,
		store:       store,
		sink:        sink,
		statusTypes: make(map[string]bool, len(opts.CheatStatusTypes)),
		localPrefix: strings.TrimSpace(opts.LocalSubnet),
		window:      opts.DedupWindow,
		now:         opts.Now,
		recent:      make(map[string]time.Time),
	}
	for _, t := range opts.CheatStatusTypes {
		p.statusTypes[strings.ToLower(strings.TrimSpace(t))] = true
	}
	if strings.Contains(p.localPrefix, "/") {
		if prefix, err := netip.ParsePrefix(p.localPrefix); err == nil {
			prefix = prefix.Masked()
			p.localNet = &prefix
		} else {
			log.Printf("signal: invalid local subnet %q, using prefix match: %v", p.localPrefix, err)
		}
	}
	return p
}

// ChangesStatus reports whether a cheat type flips presence to Cheating
func (p *Processor) ChangesStatus(cheatType string) bool {
	return p.statusTypes[strings.ToLower(cheatType)]
}

// ReportCheat records an anomaly. Every report is logged durably; identical
// reports inside the dedup window produce a single alert and history entry.
func (p *Processor) ReportCheat(ctx context.Context, r CheatReport) (Result, error) {
	if r.ExamID <= 0 || r.PersonID == "" || strings.TrimSpace(r.Type) == "" {
		log.Printf("signal: dropping malformed cheat report exam=%d person=%q type=%q", r.ExamID, r.PersonID, r.Type)
		return Result{}, ErrMalformedSignal
	}
	ref := r.Matricule
	if ref == "" {
		ref = r.PersonID
	}
	action := r.Details
	if action == "" {
		action = r.Type
	}

	if err := p.store.AppendLog(ctx, r.ExamID, ref, action, types.LevelDanger); err != nil {
		log.Printf("signal: failed to persist cheat log exam=%d student=%s: %v", r.ExamID, ref, err)
	}

	if p.seenRecently(fmt.Sprintf("cheat|%d|%s|%s|%s", r.ExamID, r.PersonID, r.Type, r.Details)) {
		return Result{Coalesced: true}, nil
	}

	var res Result
	var status types.PresenceStatus
	if p.ChangesStatus(r.Type) {
		status = types.PresenceCheating
	}
	changed, err := p.presence.Record(r.PersonID, r.ExamID, "cheat", r.Type+": "+r.Details, status)
	if err != nil {
		log.Printf("signal: cheat from unregistered student=%s exam=%d: %v", r.PersonID, r.ExamID, err)
	}
	res.StatusChanged = changed

	now := p.now()
	p.alert(types.AlertEvent{
		Kind:       types.AlertCheatAttempt,
		Level:      types.LevelDanger,
		Message:    fmt.Sprintf("Cheat attempt by student %s: %s", ref, action),
		ExamID:     r.ExamID,
		StudentRef: r.PersonID,
		Timestamp:  now,
	})
	p.sink.Publish(types.Event{
		Name:     types.EventCheatAlert,
		Audience: types.ToExamProfessors(r.ExamID),
		Payload: types.CheatAlertPayload{
			ExamID:    r.ExamID,
			StudentID: r.PersonID,
			Matricule: r.Matricule,
			Type:      r.Type,
			Details:   r.Details,
			At:        types.Millis(now),
		},
	})
	return res, nil
}

// ReportNetwork flags an address change when both addresses are known and
// differ after normalization, and warns when the student is outside the
// allowed local network
func (p *Processor) ReportNetwork(ctx context.Context, r NetworkReport) (Result, error) {
	if r.ExamID <= 0 || r.PersonID == "" {
		log.Printf("signal: dropping network report without identity exam=%d person=%q", r.ExamID, r.PersonID)
		return Result{}, ErrMalformedSignal
	}
	ref := r.Matricule
	if ref == "" {
		ref = r.PersonID
	}

	cur := NormalizeIP(r.CurrentIP)
	prev := NormalizeIP(r.PreviousIP)
	res := Result{
		Changed: IsAddressChange(cur, prev),
		Outside: cur != "" && !p.IsLocalNetwork(cur),
	}
	now := p.now()

	if res.Changed {
		msg := fmt.Sprintf("network changed from %s to %s", prev, cur)
		if err := p.store.AppendLog(ctx, r.ExamID, ref, msg, types.LevelWarning); err != nil {
			log.Printf("signal: failed to persist network log exam=%d student=%s: %v", r.ExamID, ref, err)
		}
		if !p.seenRecently(fmt.Sprintf("net|%d|%s|%s|%s", r.ExamID, r.PersonID, prev, cur)) {
			var status types.PresenceStatus
			if p.ChangesStatus("network-change") {
				status = types.PresenceCheating
			}
			changed, err := p.presence.Record(r.PersonID, r.ExamID, "network", msg, status)
			if err != nil {
				log.Printf("signal: network change for unregistered student=%s exam=%d: %v", r.PersonID, r.ExamID, err)
			}
			res.StatusChanged = changed
			p.alert(types.AlertEvent{
				Kind:       types.AlertNetworkChange,
				Level:      types.LevelWarning,
				Message:    fmt.Sprintf("Student %s %s", ref, msg),
				ExamID:     r.ExamID,
				StudentRef: r.PersonID,
				Timestamp:  now,
			})
		} else {
			res.Coalesced = true
		}
	}

	if res.Outside && !p.seenRecently(fmt.Sprintf("out|%d|%s|%s", r.ExamID, r.PersonID, cur)) {
		p.alert(types.AlertEvent{
			Kind:       types.AlertOutsideNetwork,
			Level:      types.LevelWarning,
			Message:    fmt.Sprintf("Student %s is connected from %s, outside the exam network", ref, cur),
			ExamID:     r.ExamID,
			StudentRef: r.PersonID,
			Timestamp:  now,
		})
	}
	return res, nil
}

// IsLocalNetwork reports whether ip is loopback or inside the configured network
func (p *Processor) IsLocalNetwork(ip string) bool {
	ip = NormalizeIP(ip)
	if ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err == nil && addr.IsLoopback() {
		return true
	}
	if p.localNet != nil {
		return err == nil && p.localNet.Contains(addr)
	}
	return p.localPrefix != "" && strings.HasPrefix(ip, p.localPrefix)
}

func (p *Processor) alert(a types.AlertEvent) {
	p.sink.Publish(types.Event{
		Name:     types.EventAlert,
		Audience: types.ToExamProfessors(a.ExamID),
		Payload:  a.Payload(),
	})
}

// seenRecently records key and reports whether it was already seen inside the window
func (p *Processor) seenRecently(key string) bool {
	if p.window <= 0 {
		return false
	}
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.recent[key]; ok && now.Sub(last) < p.window {
		return true
	}
	p.recent[key] = now
	if len(p.recent) > 1024 {
		for k, t := range p.recent {
			if now.Sub(t) >= p.window {
				delete(p.recent, k)
			}
		}
	}
	return false
}

// NormalizeIP collapses IPv4-mapped IPv6 addresses to dotted IPv4 and strips
// ports and zones, so the same host always compares equal
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return strings.TrimPrefix(strings.ToLower(ip), "::ffff:")
	}
	return addr.Unmap().WithZone("").String()
}

// IsAddressChange is true only when both addresses are known and differ
func IsAddressChange(current, previous string) bool {
	current, previous = NormalizeIP(current), NormalizeIP(previous)
	return current != "" && previous != "" && current != previous
}

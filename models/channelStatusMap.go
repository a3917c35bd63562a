package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type LPOStatusKind int

const (
	LPOStatusAbsent LPOStatusKind = iota
	LPOStatusLegacy
	LPOStatusPerSupplier
)

// LPOStatus is the lpo slot of a ChannelStatusMap.
// Orders created before per-supplier tracking hold a single Legacy string; everything newer holds
// Suppliers keyed by supplier id. A legacy value is only ever upgraded to the per-supplier form.
type LPOStatus struct {
	Kind      LPOStatusKind
	Legacy    ChannelStatus
	Suppliers map[string]ChannelStatus
}

// Most urgent exception first.
var lpoSupplierPriority = []ChannelStatus{
	ChannelStatusRejected,
	ChannelStatusPending,
	ChannelStatusApproved,
	ChannelStatusOutForDelivery,
	ChannelStatusDelivered,
}

// Derived rolls the supplier statuses up into one channel value. It returns "" when the slot is
// absent or holds no usable supplier entry.
func (l LPOStatus) Derived() ChannelStatus {
	switch l.Kind {
	case LPOStatusLegacy:
		if l.Legacy.IsAbsent() {
			return ""
		}
		return NormalizeChannelStatus(string(l.Legacy))
	case LPOStatusPerSupplier:
		present := make(map[ChannelStatus]bool, len(l.Suppliers))
		for _, s := range l.Suppliers {
			if s.IsAbsent() {
				continue
			}
			present[NormalizeChannelStatus(string(s))] = true
		}
		if len(present) == 0 {
			return ""
		}
		for _, p := range lpoSupplierPriority {
			if present[p] {
				return p
			}
		}
		// only off-vocabulary supplier values left
		return ChannelStatusPending
	}
	return ""
}

// SupplierIds returns the supplier ids in ascending order.
func (l LPOStatus) SupplierIds() []string {
	ids := make([]string, 0, len(l.Suppliers))
	for id := range l.Suppliers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l LPOStatus) clone() LPOStatus {
	out := LPOStatus{Kind: l.Kind, Legacy: l.Legacy}
	if l.Suppliers != nil {
		out.Suppliers = make(map[string]ChannelStatus, len(l.Suppliers))
		for k, v := range l.Suppliers {
			out.Suppliers[k] = v
		}
	}
	return out
}

// ChannelStatusMap holds the per-channel sub-statuses of one order.
// An empty value, or the literal "null", means the channel is not used by the order.
type ChannelStatusMap struct {
	Hardware ChannelStatus
	Workshop ChannelStatus
	Custom   ChannelStatus
	lpo      LPOStatus
}

// LPO returns the lpo slot as a tagged union. Callers must handle the Legacy kind.
func (m ChannelStatusMap) LPO() LPOStatus {
	return m.lpo.clone()
}

// SetLegacyLPO stores a pre-migration single LPO status. Only data loaders use it.
func (m *ChannelStatusMap) SetLegacyLPO(raw string) {
	s := NormalizeChannelStatus(raw)
	if s.IsAbsent() {
		m.lpo = LPOStatus{}
		return
	}
	m.lpo = LPOStatus{Kind: LPOStatusLegacy, Legacy: s}
}

func (m ChannelStatusMap) Clone() ChannelStatusMap {
	out := m
	out.lpo = m.lpo.clone()
	return out
}

// Get reads one slot. For lpo with a supplier id it reads that supplier's row and returns
// ErrLegacyLPOStatus when the order still holds a legacy string. For lpo without a supplier id it
// returns the rolled-up channel value; use LPO for the full map.
func (m ChannelStatusMap) Get(channel Channel, supplierId string) (ChannelStatus, bool, error) {
	switch channel {
	case ChannelHardware:
		return m.Hardware, !m.Hardware.IsAbsent(), nil
	case ChannelWorkshop:
		return m.Workshop, !m.Workshop.IsAbsent(), nil
	case ChannelCustom:
		return m.Custom, !m.Custom.IsAbsent(), nil
	case ChannelLPO:
		supplierId = strings.TrimSpace(supplierId)
		if supplierId == "" {
			v := m.lpo.Derived()
			return v, v != "", nil
		}
		switch m.lpo.Kind {
		case LPOStatusLegacy:
			return "", false, fmt.Errorf("%w: order holds %q for all suppliers", ErrLegacyLPOStatus, m.lpo.Legacy)
		case LPOStatusPerSupplier:
			s, ok := m.lpo.Suppliers[supplierId]
			return s, ok && !s.IsAbsent(), nil
		}
		return "", false, nil
	}
	return "", false, ValidationErrorf("unknown channel %q", channel)
}

// Set writes one slot after normalizing status. For lpo a supplier id is required and only that
// supplier's row changes; a legacy string is replaced by an empty per-supplier map first, in which
// case upgradedLegacy is true. The legacy value is not carried into the map.
func (m *ChannelStatusMap) Set(channel Channel, status ChannelStatus, supplierId string) (upgradedLegacy bool, err error) {
	s, err := ParseChannelStatus(string(status))
	if err != nil {
		return false, err
	}
	switch channel {
	case ChannelHardware:
		m.Hardware = s
	case ChannelWorkshop:
		m.Workshop = s
	case ChannelCustom:
		m.Custom = s
	case ChannelLPO:
		supplierId = strings.TrimSpace(supplierId)
		if supplierId == "" {
			return false, ValidationErrorf("supplier id is required for lpo status")
		}
		if s == ChannelStatusInTransit {
			return false, ValidationErrorf("status %q is not used for lpo suppliers", s)
		}
		switch m.lpo.Kind {
		case LPOStatusLegacy:
			upgradedLegacy = true
			m.lpo = LPOStatus{Kind: LPOStatusPerSupplier, Suppliers: map[string]ChannelStatus{}}
		case LPOStatusAbsent:
			m.lpo = LPOStatus{Kind: LPOStatusPerSupplier, Suppliers: map[string]ChannelStatus{}}
		}
		if m.lpo.Suppliers == nil {
			m.lpo.Suppliers = map[string]ChannelStatus{}
		}
		m.lpo.Suppliers[supplierId] = s
	default:
		return false, ValidationErrorf("unknown channel %q", channel)
	}
	return upgradedLegacy, nil
}

func nullableStatus(s ChannelStatus) any {
	if s.IsAbsent() {
		return nil
	}
	return string(s)
}

// MarshalJSON writes {"hardware","workshop","custom","lpo"}; lpo is null, a string (legacy) or an
// object keyed by supplier id.
func (m ChannelStatusMap) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"hardware": nullableStatus(m.Hardware),
		"workshop": nullableStatus(m.Workshop),
		"custom":   nullableStatus(m.Custom),
		"lpo":      nil,
	}
	switch m.lpo.Kind {
	case LPOStatusLegacy:
		out["lpo"] = nullableStatus(m.lpo.Legacy)
	case LPOStatusPerSupplier:
		suppliers := make(map[string]string, len(m.lpo.Suppliers))
		for k, v := range m.lpo.Suppliers {
			suppliers[k] = string(v)
		}
		out["lpo"] = suppliers
	}
	return json.Marshal(out)
}

func decodeStatus(key string, raw json.RawMessage) (ChannelStatus, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", ValidationErrorf("channel %q holds a non-string status", key)
	}
	v := NormalizeChannelStatus(s)
	if v.IsAbsent() {
		return "", nil
	}
	return v, nil
}

// UnmarshalJSON accepts the persisted shape, including legacy lpo strings, and normalizes every
// status on the way in.
func (m *ChannelStatusMap) UnmarshalJSON(data []byte) error {
	*m = ChannelStatusMap{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var err error
	if m.Hardware, err = decodeStatus("hardware", raw["hardware"]); err != nil {
		return err
	}
	if m.Workshop, err = decodeStatus("workshop", raw["workshop"]); err != nil {
		return err
	}
	if m.Custom, err = decodeStatus("custom", raw["custom"]); err != nil {
		return err
	}

	lpoRaw := raw["lpo"]
	if len(lpoRaw) == 0 || string(lpoRaw) == "null" {
		return nil
	}
	switch lpoRaw[0] {
	case '"':
		legacy, err := decodeStatus("lpo", lpoRaw)
		if err != nil {
			return err
		}
		if legacy != "" {
			m.lpo = LPOStatus{Kind: LPOStatusLegacy, Legacy: legacy}
		}
	case '{':
		var suppliers map[string]*string
		if err := json.Unmarshal(lpoRaw, &suppliers); err != nil {
			return err
		}
		m.lpo = LPOStatus{Kind: LPOStatusPerSupplier, Suppliers: make(map[string]ChannelStatus, len(suppliers))}
		for id, v := range suppliers {
			if v == nil {
				continue
			}
			s := NormalizeChannelStatus(*v)
			if s.IsAbsent() {
				continue
			}
			m.lpo.Suppliers[id] = s
		}
	default:
		return ValidationErrorf("channel %q holds neither a string nor a supplier map", "lpo")
	}
	return nil
}

// Value implements the driver.Valuer interface
func (m ChannelStatusMap) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (m *ChannelStatusMap) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*m = ChannelStatusMap{}
		return nil
	case []byte:
		return m.UnmarshalJSON(v)
	case string:
		return m.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot convert %T to ChannelStatusMap", value)
	}
}

package models

import (
	"strings"
)

type Channel string

const (
	ChannelHardware Channel = "hardware"
	ChannelWorkshop Channel = "workshop"
	ChannelCustom   Channel = "custom"
	ChannelLPO      Channel = "lpo"
)

func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelHardware:
		return ChannelHardware, nil
	case ChannelWorkshop:
		return ChannelWorkshop, nil
	case ChannelCustom:
		return ChannelCustom, nil
	case ChannelLPO:
		return ChannelLPO, nil
	}
	return "", ValidationErrorf("unknown channel %q", raw)
}

// ChannelStatus is a normalized fulfillment sub-status.
type ChannelStatus string

const (
	ChannelStatusPending        ChannelStatus = "pending"
	ChannelStatusApproved       ChannelStatus = "approved"
	ChannelStatusRejected       ChannelStatus = "rejected"
	ChannelStatusDelivered      ChannelStatus = "delivered"
	ChannelStatusOutForDelivery ChannelStatus = "outfordelivery"
	ChannelStatusInTransit      ChannelStatus = "in_transit"
)

// NormalizeChannelStatus folds case, surrounding space and the historical spellings of
// out-for-delivery and in-transit into canonical tokens.
// Unknown values come back lower-cased and otherwise untouched.
func NormalizeChannelStatus(raw string) ChannelStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "out_of_delivery", "outofdelivery", "outfordelivery", "out_for_delivery", "out for delivery", "out-for-delivery":
		return ChannelStatusOutForDelivery
	case "in_transit", "intransit", "in transit", "in-transit":
		return ChannelStatusInTransit
	}
	return ChannelStatus(s)
}

// ParseChannelStatus normalizes raw and rejects anything outside the closed vocabulary.
func ParseChannelStatus(raw string) (ChannelStatus, error) {
	s := NormalizeChannelStatus(raw)
	if !s.IsValid() {
		return "", ValidationErrorf("unknown channel status %q", raw)
	}
	return s, nil
}

func (s ChannelStatus) IsValid() bool {
	switch s {
	case ChannelStatusPending,
		ChannelStatusApproved,
		ChannelStatusRejected,
		ChannelStatusDelivered,
		ChannelStatusOutForDelivery,
		ChannelStatusInTransit:
		return true
	}
	return false
}

// IsAbsent reports whether the raw value means "channel not used": empty or the literal "null".
func (s ChannelStatus) IsAbsent() bool {
	v := strings.TrimSpace(string(s))
	return v == "" || strings.EqualFold(v, "null")
}

// ConsumesStock reports whether goods have left the store once a channel is in this status.
func (s ChannelStatus) ConsumesStock() bool {
	switch s {
	case ChannelStatusApproved, ChannelStatusInTransit, ChannelStatusOutForDelivery, ChannelStatusDelivered:
		return true
	}
	return false
}

// channelTransitions is the documented fulfillment state machine. Only enforced when
// STRICT_CHANNEL_TRANSITIONS is on.
var channelTransitions = map[ChannelStatus][]ChannelStatus{
	ChannelStatusPending:        {ChannelStatusApproved, ChannelStatusRejected},
	ChannelStatusApproved:       {ChannelStatusOutForDelivery, ChannelStatusInTransit, ChannelStatusRejected},
	ChannelStatusInTransit:      {ChannelStatusOutForDelivery, ChannelStatusDelivered},
	ChannelStatusOutForDelivery: {ChannelStatusDelivered},
}

// CanTransition reports whether from -> to is an edge of the state machine for channel.
// Re-setting the current status is always allowed; in_transit is hardware/workshop/custom only.
func CanTransition(channel Channel, from, to ChannelStatus) bool {
	if from.IsAbsent() {
		from = ChannelStatusPending
	}
	if from == to {
		return true
	}
	if to == ChannelStatusInTransit && channel == ChannelLPO {
		return false
	}
	for _, next := range channelTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

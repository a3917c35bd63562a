package models

import "strings"

type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "Pending"
	OrderStatusApproved      OrderStatus = "Approved"
	OrderStatusRejected      OrderStatus = "Rejected"
	OrderStatusDelivery      OrderStatus = "Delivery"
	OrderStatusOutOfDelivery OrderStatus = "OutOfDelivery"
	OrderStatusInTransit     OrderStatus = "InTransit"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivery || s == OrderStatusRejected
}

// TopLevelValues resolves the three values the order status is derived from. Workshop falls back
// to custom when it has no status of its own; lpo is the supplier roll-up. Absent slots are "".
func (m ChannelStatusMap) TopLevelValues() (hardware, workshop, lpo ChannelStatus) {
	if !m.Hardware.IsAbsent() {
		hardware = NormalizeChannelStatus(string(m.Hardware))
	}
	if !m.Workshop.IsAbsent() {
		workshop = NormalizeChannelStatus(string(m.Workshop))
	} else if !m.Custom.IsAbsent() {
		workshop = NormalizeChannelStatus(string(m.Custom))
	}
	lpo = m.lpo.Derived()
	return
}

func singleChannelOrderStatus(s ChannelStatus) OrderStatus {
	switch NormalizeChannelStatus(strings.ToLower(string(s))) {
	case ChannelStatusApproved:
		return OrderStatusApproved
	case ChannelStatusRejected:
		return OrderStatusRejected
	case ChannelStatusPending:
		return OrderStatusPending
	case ChannelStatusDelivered:
		return OrderStatusDelivery
	case ChannelStatusOutForDelivery:
		return OrderStatusOutOfDelivery
	case ChannelStatusInTransit:
		return OrderStatusInTransit
	}
	return OrderStatusPending
}

func allIn(values []ChannelStatus, allowed ...ChannelStatus) bool {
	for _, v := range values {
		ok := false
		for _, a := range allowed {
			if v == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func anyIs(values []ChannelStatus, want ChannelStatus) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// RecomputeOrderStatus derives the order status from its channel map. It is pure.
//
// With one channel in use the value maps 1:1. With several, the first matching rule wins:
//
//	any pending                              -> Pending
//	all outfordelivery                       -> OutOfDelivery
//	all in {delivered, rejected}, 1+ delivered -> Delivery
//	all in {approved, rejected}              -> Approved
//	all rejected                             -> Rejected
//	anything else                            -> Approved
//
// The all-rejected rule is reached only through the single-channel path: with two or more channels
// an all-rejected set already satisfies the {approved, rejected} rule and yields Approved.
// No channel in use yields Pending.
func RecomputeOrderStatus(m ChannelStatusMap) OrderStatus {
	hardware, workshop, lpo := m.TopLevelValues()

	var set []ChannelStatus
	for _, v := range []ChannelStatus{hardware, workshop, lpo} {
		if !v.IsAbsent() {
			set = append(set, v)
		}
	}

	switch {
	case len(set) == 0:
		return OrderStatusPending
	case len(set) == 1:
		return singleChannelOrderStatus(set[0])
	}

	switch {
	case anyIs(set, ChannelStatusPending):
		return OrderStatusPending
	case allIn(set, ChannelStatusOutForDelivery):
		return OrderStatusOutOfDelivery
	case allIn(set, ChannelStatusDelivered, ChannelStatusRejected) && anyIs(set, ChannelStatusDelivered):
		return OrderStatusDelivery
	case allIn(set, ChannelStatusApproved, ChannelStatusRejected):
		return OrderStatusApproved
	case allIn(set, ChannelStatusRejected):
		return OrderStatusRejected
	}
	return OrderStatusApproved
}

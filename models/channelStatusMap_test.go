package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizeChannelStatus(t *testing.T) {
	cases := map[string]ChannelStatus{
		"Approved":          ChannelStatusApproved,
		"  pending ":        ChannelStatusPending,
		"out_of_delivery":   ChannelStatusOutForDelivery,
		"OutOfDelivery":     ChannelStatusOutForDelivery,
		"out for delivery":  ChannelStatusOutForDelivery,
		"In-Transit":        ChannelStatusInTransit,
		"intransit":         ChannelStatusInTransit,
		"something_unknown": ChannelStatus("something_unknown"),
	}
	for raw, want := range cases {
		if got := NormalizeChannelStatus(raw); got != want {
			t.Errorf("NormalizeChannelStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestParseChannelStatus_RejectsUnknown(t *testing.T) {
	if _, err := ParseChannelStatus("shipped"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if s, err := ParseChannelStatus("Delivered"); err != nil || s != ChannelStatusDelivered {
		t.Fatalf("expected delivered, got %q err=%v", s, err)
	}
}

func TestChannelStatusMap_SetAndGet(t *testing.T) {
	var m ChannelStatusMap
	if _, err := m.Set(ChannelHardware, "APPROVED", ""); err != nil {
		t.Fatalf("set hardware: %v", err)
	}
	got, ok, err := m.Get(ChannelHardware, "")
	if err != nil || !ok || got != ChannelStatusApproved {
		t.Fatalf("expected hardware approved, got %q ok=%v err=%v", got, ok, err)
	}

	if _, ok, _ := m.Get(ChannelWorkshop, ""); ok {
		t.Fatalf("expected workshop absent")
	}

	if _, err := m.Set(ChannelLPO, "approved", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected lpo without supplier to fail validation, got %v", err)
	}
	if _, err := m.Set(ChannelLPO, "in_transit", "s1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected in_transit for lpo to fail validation, got %v", err)
	}
	if _, err := m.Set(ChannelLPO, "delivered", "s1"); err != nil {
		t.Fatalf("set lpo: %v", err)
	}
	if _, err := m.Set(ChannelLPO, "approved", "s2"); err != nil {
		t.Fatalf("set lpo: %v", err)
	}
	got, ok, err = m.Get(ChannelLPO, "s1")
	if err != nil || !ok || got != ChannelStatusDelivered {
		t.Fatalf("expected s1 delivered, got %q ok=%v err=%v", got, ok, err)
	}
	got, _, _ = m.Get(ChannelLPO, "")
	if got != ChannelStatusApproved {
		t.Fatalf("expected rolled-up lpo approved, got %q", got)
	}

	if _, err := m.Set(Channel("rental"), "approved", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown channel to fail validation, got %v", err)
	}
	if _, err := m.Set(ChannelWorkshop, "shipped", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown status to fail validation, got %v", err)
	}
}

func TestChannelStatusMap_LegacyLPOUpgrade(t *testing.T) {
	var m ChannelStatusMap
	if err := json.Unmarshal([]byte(`{"hardware":"approved","workshop":null,"custom":null,"lpo":"approved"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.LPO().Kind != LPOStatusLegacy {
		t.Fatalf("expected legacy lpo, got kind %d", m.LPO().Kind)
	}
	if _, _, err := m.Get(ChannelLPO, "s1"); !errors.Is(err, ErrLegacyLPOStatus) {
		t.Fatalf("expected legacy error for per-supplier read, got %v", err)
	}
	if got, _, _ := m.Get(ChannelLPO, ""); got != ChannelStatusApproved {
		t.Fatalf("expected legacy value as lpo roll-up, got %q", got)
	}

	upgraded, err := m.Set(ChannelLPO, "delivered", "s1")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !upgraded {
		t.Fatalf("expected upgrade to be reported")
	}
	lpo := m.LPO()
	if lpo.Kind != LPOStatusPerSupplier || len(lpo.Suppliers) != 1 || lpo.Suppliers["s1"] != ChannelStatusDelivered {
		t.Fatalf("expected {s1: delivered}, got %+v", lpo)
	}

	upgraded, err = m.Set(ChannelLPO, "approved", "s2")
	if err != nil || upgraded {
		t.Fatalf("expected plain update on per-supplier map, upgraded=%v err=%v", upgraded, err)
	}
}

func TestChannelStatusMap_JSONShape(t *testing.T) {
	var m ChannelStatusMap
	_, _ = m.Set(ChannelWorkshop, "pending", "")
	_, _ = m.Set(ChannelLPO, "outfordelivery", "s9")

	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	for _, key := range []string{"hardware", "workshop", "custom", "lpo"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("expected key %q in %s", key, b)
		}
	}
	if raw["hardware"] != nil || raw["custom"] != nil {
		t.Fatalf("expected unused channels to be null, got %s", b)
	}
	lpo, ok := raw["lpo"].(map[string]any)
	if !ok || lpo["s9"] != "outfordelivery" {
		t.Fatalf("expected lpo supplier object, got %s", b)
	}

	var back ChannelStatusMap
	if err := back.Scan(b); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if RecomputeOrderStatus(back) != RecomputeOrderStatus(m) {
		t.Fatalf("expected the decoded map to derive the same status")
	}
}

func TestChannelStatusMap_UnmarshalNormalizesAndSkipsNulls(t *testing.T) {
	var m ChannelStatusMap
	data := `{"hardware":"Out_Of_Delivery","workshop":"null","lpo":{"s1":"Delivered","s2":null,"s3":""}}`
	if err := m.UnmarshalJSON([]byte(data)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Hardware != ChannelStatusOutForDelivery {
		t.Fatalf("expected normalized hardware, got %q", m.Hardware)
	}
	if !m.Workshop.IsAbsent() {
		t.Fatalf("expected workshop absent, got %q", m.Workshop)
	}
	if ids := m.LPO().SupplierIds(); len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("expected only s1 to survive, got %v", ids)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		channel  Channel
		from, to ChannelStatus
		want     bool
	}{
		{ChannelHardware, "", ChannelStatusApproved, true},
		{ChannelHardware, ChannelStatusPending, ChannelStatusDelivered, false},
		{ChannelHardware, ChannelStatusApproved, ChannelStatusInTransit, true},
		{ChannelLPO, ChannelStatusApproved, ChannelStatusInTransit, false},
		{ChannelLPO, ChannelStatusOutForDelivery, ChannelStatusDelivered, true},
		{ChannelWorkshop, ChannelStatusDelivered, ChannelStatusDelivered, true},
		{ChannelWorkshop, ChannelStatusDelivered, ChannelStatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.channel, tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %q, %q) = %v, want %v", tc.channel, tc.from, tc.to, got, tc.want)
		}
	}
}

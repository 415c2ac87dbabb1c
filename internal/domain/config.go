package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recurrence is the repeat cadence of a schedule.
type Recurrence string

const (
	Daily   Recurrence = "daily"
	Weekly  Recurrence = "weekly"
	Monthly Recurrence = "monthly"
)

// DeliveryMethodType tags one entry of a schedule's delivery configuration.
// Unknown tags survive parsing and are rejected at resolution time, so a
// newer config schema does not break an older resolver.
type DeliveryMethodType string

const (
	DeliverMember      DeliveryMethodType = "member"
	DeliverTeam        DeliveryMethodType = "team"
	DeliverChatChannel DeliveryMethodType = "chatChannel"
	DeliverCustomEmail DeliveryMethodType = "customEmail"
	// DeliverEveryone sends to every organization member's email.
	DeliverEveryone DeliveryMethodType = "organization"
)

// DeliveryMethod is one entry of the deliveryMethods tagged union. Value is
// a member id, team id, channel record id, a raw email address, or the
// organization slug depending on Type.
type DeliveryMethod struct {
	Type  DeliveryMethodType `json:"type"`
	Value string             `json:"value"`
}

// ScheduleConfig describes when a schedule fires and where its output goes.
type ScheduleConfig struct {
	Recurrence      Recurrence       `json:"recurrence"`
	TimeOfDay       string           `json:"timeOfDay"` // "HH:mm"
	Timezone        string           `json:"timezone"`  // IANA name
	DayOfWeek       *int             `json:"dayOfWeek,omitempty"`  // 0-6, 0 = Monday
	DayOfMonth      *int             `json:"dayOfMonth,omitempty"` // 1-28
	DeliveryMethods []DeliveryMethod `json:"deliveryMethods"`
}

// Validate rejects configs the scheduling core cannot act on. Days of month
// 29-31 are out of range on purpose: short months would make the recurrence
// ambiguous.
func (c ScheduleConfig) Validate() error {
	switch c.Recurrence {
	case Daily, Weekly, Monthly:
	default:
		return fmt.Errorf("unknown recurrence %q", c.Recurrence)
	}
	if _, _, err := ParseTimeOfDay(c.TimeOfDay); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.DayOfWeek != nil && (*c.DayOfWeek < 0 || *c.DayOfWeek > 6) {
		return fmt.Errorf("dayOfWeek %d out of range 0-6", *c.DayOfWeek)
	}
	if c.DayOfMonth != nil && (*c.DayOfMonth < 1 || *c.DayOfMonth > 28) {
		return fmt.Errorf("dayOfMonth %d out of range 1-28", *c.DayOfMonth)
	}
	if len(c.DeliveryMethods) == 0 {
		return fmt.Errorf("at least one delivery method is required")
	}
	for _, m := range c.DeliveryMethods {
		if m.Type != DeliverEveryone && strings.TrimSpace(m.Value) == "" {
			return fmt.Errorf("delivery method %q has empty value", m.Type)
		}
	}
	return nil
}

// ParseTimeOfDay parses "HH:mm" into hour and minute.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:mm", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

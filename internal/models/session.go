package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Shift identifies the half-day work shift.
type Shift string

const (
	ShiftDay   Shift = "Day"
	ShiftNight Shift = "Night"
)

// Day shift runs 07:00–19:00; everything else is Night.
const (
	dayShiftStartHour = 7
	dayShiftEndHour   = 19
)

// keyDelimiter joins the session key components. Machine names must not
// contain it, otherwise the key could not be parsed back.
const keyDelimiter = "_"

const dateLayout = "2006-01-02"

var (
	ErrInvalidShift     = errors.New("shift must be Day or Night")
	ErrInvalidDate      = errors.New("date must be formatted YYYY-MM-DD")
	ErrEmptyMachineName = errors.New("machine name is empty")
	ErrDelimiterInName  = errors.New("machine name contains the key delimiter")
)

// CurrentShift returns the shift active at t.
func CurrentShift(t time.Time) Shift {
	h := t.Hour()
	if h >= dayShiftStartHour && h < dayShiftEndHour {
		return ShiftDay
	}
	return ShiftNight
}

// Today returns t's calendar day in key date format.
func Today(t time.Time) string {
	return t.Format(dateLayout)
}

// subUnitSep joins a group name and a sub-unit number.
const subUnitSep = " - Machine "

// SubUnitName returns the live-session machine name of sub-unit i of a
// machine group.
func SubUnitName(parent string, i int) string {
	return parent + subUnitSep + strconv.Itoa(i)
}

// ParseSubUnitName is the inverse of SubUnitName. ok is false when name
// does not follow the sub-unit naming scheme.
func ParseSubUnitName(name string) (parent string, unit int, ok bool) {
	i := strings.LastIndex(name, subUnitSep)
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(name[i+len(subUnitSep):])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return name[:i], n, true
}

// SessionKey is the composite primary key of a LiveSession:
// "<machine>_<shift>_<date>". At most one session exists per key.
type SessionKey string

// NewSessionKey builds a session key. It is pure and deterministic: equal
// inputs always produce the equal key. Components are validated so the key
// round-trips through ParseSessionKey.
func NewSessionKey(machine string, shift Shift, date string) (SessionKey, error) {
	if machine == "" {
		return "", ErrEmptyMachineName
	}
	if strings.Contains(machine, keyDelimiter) {
		return "", fmt.Errorf("%w: %q", ErrDelimiterInName, machine)
	}
	if shift != ShiftDay && shift != ShiftNight {
		return "", fmt.Errorf("%w: %q", ErrInvalidShift, shift)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return SessionKey(machine + keyDelimiter + string(shift) + keyDelimiter + date), nil
}

// ParseSessionKey is the inverse of NewSessionKey.
func ParseSessionKey(k SessionKey) (machine string, shift Shift, date string, err error) {
	parts := strings.Split(string(k), keyDelimiter)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed session key %q", k)
	}
	machine, shift, date = parts[0], Shift(parts[1]), parts[2]
	if _, err := NewSessionKey(machine, shift, date); err != nil {
		return "", "", "", err
	}
	return machine, shift, date, nil
}

func (k SessionKey) String() string { return string(k) }

// LiveSession is an operator's active claim on a machine for one shift.
// Upserting the same key overwrites the prior session: last writer wins,
// there is no merge.
type LiveSession struct {
	ID           SessionKey `json:"id"`
	MachineName  string     `json:"machine_name"`
	Shift        Shift      `json:"shift"`
	Date         string     `json:"date"`
	OperatorName string     `json:"operator_name"`
	OrderNumber  string     `json:"order_number,omitempty"`
	Product      string     `json:"product,omitempty"`
	BatchNumber  string     `json:"batch_number,omitempty"`
	IsLocked     bool       `json:"is_locked"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Key computes the session's composite key from its own fields.
func (s LiveSession) Key() (SessionKey, error) {
	return NewSessionKey(s.MachineName, s.Shift, s.Date)
}

package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Text8 and Text16 are NUL-padded ASCII fields. They marshal to and from
// JSON strings.
type (
	Text8  [8]byte
	Text16 [16]byte
)

func (t Text8) String() string  { return string(bytes.TrimRight(t[:], "\x00")) }
func (t Text16) String() string { return string(bytes.TrimRight(t[:], "\x00")) }

func (t Text8) MarshalJSON() ([]byte, error)  { return json.Marshal(t.String()) }
func (t Text16) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *Text8) UnmarshalJSON(b []byte) error  { return fillText(t[:], b) }
func (t *Text16) UnmarshalJSON(b []byte) error { return fillText(t[:], b) }

func fillText(dst []byte, raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	if len(s) > len(dst) {
		return fmt.Errorf("text %q longer than %d bytes", s, len(dst))
	}
	clear(dst)
	copy(dst, s)
	return nil
}

// Body is a message body with a fixed binary layout.
type Body interface {
	MsgID() MsgID
	Validate() error
}

var (
	errNoVehicle  = errors.New("vehicle number is empty")
	errDirection  = errors.New("upstream flag must be 0 or 1")
	errCoordinate = errors.New("coordinate out of range")
)

// Coordinates are micro-degrees.
func validCoord(lon, lat int32) bool {
	return lon >= -180_000_000 && lon <= 180_000_000 && lat >= -90_000_000 && lat <= 90_000_000
}

// PositionInfo is a periodic GPS report.
type PositionInfo struct {
	VehicleNo Text16 `json:"vehicleNo"`
	LineNo    Text8  `json:"lineNo"`
	Timestamp uint32 `json:"timestamp"`
	Longitude int32  `json:"longitude"`
	Latitude  int32  `json:"latitude"`
	Speed     uint16 `json:"speed"` // 0.1 km/h
	Heading   uint16 `json:"heading"`
	Upstream  uint8  `json:"upstream"`
}

func (*PositionInfo) MsgID() MsgID { return MsgPositionInfo }

func (p *PositionInfo) Validate() error {
	if p.VehicleNo.String() == "" {
		return errNoVehicle
	}
	if p.Upstream > 1 {
		return errDirection
	}
	if !validCoord(p.Longitude, p.Latitude) {
		return errCoordinate
	}
	if p.Heading >= 360 {
		return fmt.Errorf("heading %d out of range", p.Heading)
	}
	return nil
}

// StopEvent is the shared layout of ArriveStop and LeaveStop.
type StopEvent struct {
	VehicleNo Text16 `json:"vehicleNo"`
	LineNo    Text8  `json:"lineNo"`
	Timestamp uint32 `json:"timestamp"`
	StopNo    uint16 `json:"stopNo"`
	StopSeq   uint8  `json:"stopSeq"`
	Upstream  uint8  `json:"upstream"`
}

func (s *StopEvent) Validate() error {
	if s.VehicleNo.String() == "" {
		return errNoVehicle
	}
	if s.Upstream > 1 {
		return errDirection
	}
	if s.StopNo == 0 {
		return errors.New("stop number is zero")
	}
	return nil
}

type ArriveStop struct{ StopEvent }

func (*ArriveStop) MsgID() MsgID { return MsgArriveStop }

type LeaveStop struct{ StopEvent }

func (*LeaveStop) MsgID() MsgID { return MsgLeaveStop }

// StationEvent is the shared layout of ArriveStation and LeaveStation.
type StationEvent struct {
	VehicleNo Text16 `json:"vehicleNo"`
	LineNo    Text8  `json:"lineNo"`
	Timestamp uint32 `json:"timestamp"`
	StationNo uint16 `json:"stationNo"`
	Upstream  uint8  `json:"upstream"`
}

func (s *StationEvent) Validate() error {
	if s.VehicleNo.String() == "" {
		return errNoVehicle
	}
	if s.Upstream > 1 {
		return errDirection
	}
	if s.StationNo == 0 {
		return errors.New("station number is zero")
	}
	return nil
}

type ArriveStation struct{ StationEvent }

func (*ArriveStation) MsgID() MsgID { return MsgArriveStation }

type LeaveStation struct{ StationEvent }

func (*LeaveStation) MsgID() MsgID { return MsgLeaveStation }

// AlarmInfo reports a vehicle alarm. Level runs from 1 (notice) to 3 (critical).
type AlarmInfo struct {
	VehicleNo  Text16 `json:"vehicleNo"`
	LineNo     Text8  `json:"lineNo"`
	Timestamp  uint32 `json:"timestamp"`
	AlarmType  uint8  `json:"alarmType"`
	AlarmLevel uint8  `json:"alarmLevel"`
	Longitude  int32  `json:"longitude"`
	Latitude   int32  `json:"latitude"`
}

func (*AlarmInfo) MsgID() MsgID { return MsgAlarmInfo }

func (a *AlarmInfo) Validate() error {
	if a.VehicleNo.String() == "" {
		return errNoVehicle
	}
	if a.AlarmLevel < 1 || a.AlarmLevel > 3 {
		return fmt.Errorf("alarm level %d out of range", a.AlarmLevel)
	}
	if !validCoord(a.Longitude, a.Latitude) {
		return errCoordinate
	}
	return nil
}

// NewBody returns a zero body for id, or nil if id is unknown.
func NewBody(id MsgID) Body {
	switch id {
	case MsgPositionInfo:
		return &PositionInfo{}
	case MsgArriveStop:
		return &ArriveStop{}
	case MsgLeaveStop:
		return &LeaveStop{}
	case MsgArriveStation:
		return &ArriveStation{}
	case MsgLeaveStation:
		return &LeaveStation{}
	case MsgAlarmInfo:
		return &AlarmInfo{}
	}
	return nil
}

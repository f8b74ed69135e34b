package protocol

import (
	"encoding/binary"
	"math"

	"edmo-hub/errcode"
)

// Tag identifies the packet type carried as the first byte of a frame's
// unescaped payload.
type Tag byte

const (
	TagIdentify         Tag = 0
	TagSessionStart     Tag = 1
	TagGetTime          Tag = 2
	TagUpdateOscillator Tag = 3
	TagSendMotorData    Tag = 4
	TagSendImuData      Tag = 5
	TagSessionEnd       Tag = 6
	TagSendAllData      Tag = 69
)

// OscillatorParams are the four host-writable actuator parameters.
type OscillatorParams struct {
	Frequency  float32
	Amplitude  float32
	Offset     float32
	PhaseShift float32
}

const oscillatorParamsSize = 16

// DefaultOscillatorParams resolves open question 9(a): offset defaults to
// 90 both when growing the parameter array and on teardown/reset.
func DefaultOscillatorParams() OscillatorParams {
	return OscillatorParams{Frequency: 0, Amplitude: 0, Offset: 90, PhaseShift: 0}
}

func (p OscillatorParams) Encode() []byte {
	b := make([]byte, oscillatorParamsSize)
	putFloat32(b[0:4], p.Frequency)
	putFloat32(b[4:8], p.Amplitude)
	putFloat32(b[8:12], p.Offset)
	putFloat32(b[12:16], p.PhaseShift)
	return b
}

func DecodeOscillatorParams(b []byte) (OscillatorParams, error) {
	if len(b) != oscillatorParamsSize {
		return OscillatorParams{}, errcode.Wrap("decode_oscillator_params", errcode.MalformedPayload, nil)
	}
	return OscillatorParams{
		Frequency:  getFloat32(b[0:4]),
		Amplitude:  getFloat32(b[4:8]),
		Offset:     getFloat32(b[8:12]),
		PhaseShift: getFloat32(b[12:16]),
	}, nil
}

// OscillatorState extends OscillatorParams with the device-reported phase.
type OscillatorState struct {
	OscillatorParams
	Phase float32
}

const oscillatorStateSize = oscillatorParamsSize + 4

func (s OscillatorState) Encode() []byte {
	b := make([]byte, 0, oscillatorStateSize)
	b = append(b, s.OscillatorParams.Encode()...)
	tail := make([]byte, 4)
	putFloat32(tail, s.Phase)
	return append(b, tail...)
}

func DecodeOscillatorState(b []byte) (OscillatorState, error) {
	if len(b) != oscillatorStateSize {
		return OscillatorState{}, errcode.Wrap("decode_oscillator_state", errcode.MalformedPayload, nil)
	}
	params, err := DecodeOscillatorParams(b[:oscillatorParamsSize])
	if err != nil {
		return OscillatorState{}, err
	}
	return OscillatorState{OscillatorParams: params, Phase: getFloat32(b[oscillatorParamsSize:])}, nil
}

// Vec3 is a 3-float32 sensor reading.
type Vec3 struct{ X, Y, Z float32 }

// Quat is a 4-float32 orientation reading.
type Quat struct{ X, Y, Z, W float32 }

// SensorInfo is one IMU modality: a timestamped, accuracy-tagged reading,
// with 3 bytes of padding between Accuracy and Data preserved on the wire.
type SensorInfo struct {
	Timestamp uint32
	Accuracy  uint8
	Data      []float32 // len 3 for Vec3 modalities, 4 for the quaternion
}

func sensorInfoSize(dataLen int) int { return 4 + 1 + 3 + 4*dataLen }

func (s SensorInfo) encode() []byte {
	n := sensorInfoSize(len(s.Data))
	b := make([]byte, n)
	binary.LittleEndian.PutUint32(b[0:4], s.Timestamp)
	b[4] = s.Accuracy
	// b[5:8] is padding, left zero.
	off := 8
	for _, f := range s.Data {
		putFloat32(b[off:off+4], f)
		off += 4
	}
	return b
}

func decodeSensorInfo(b []byte, dataLen int) (SensorInfo, []byte, error) {
	n := sensorInfoSize(dataLen)
	if len(b) < n {
		return SensorInfo{}, nil, errcode.Wrap("decode_sensor_info", errcode.MalformedPayload, nil)
	}
	s := SensorInfo{
		Timestamp: binary.LittleEndian.Uint32(b[0:4]),
		Accuracy:  b[4],
		Data:      make([]float32, dataLen),
	}
	off := 8
	for i := range s.Data {
		s.Data[i] = getFloat32(b[off : off+4])
		off += 4
	}
	return s, b[n:], nil
}

// IMUAggregate is the composite IMU record: gyroscope, accelerometer,
// magnetic field, gravity (each Vec3) then rotation (quaternion), in that
// wire order.
type IMUAggregate struct {
	Gyroscope      SensorInfo
	Accelerometer  SensorInfo
	MagneticField  SensorInfo
	Gravity        SensorInfo
	Rotation       SensorInfo
}

const imuAggregateSize = 4*20 + 24 // four Vec3 SensorInfo (20B) + one quat SensorInfo (24B)

func (a IMUAggregate) Encode() []byte {
	b := make([]byte, 0, imuAggregateSize)
	b = append(b, a.Gyroscope.encode()...)
	b = append(b, a.Accelerometer.encode()...)
	b = append(b, a.MagneticField.encode()...)
	b = append(b, a.Gravity.encode()...)
	b = append(b, a.Rotation.encode()...)
	return b
}

func DecodeIMUAggregate(b []byte) (IMUAggregate, error) {
	if len(b) != imuAggregateSize {
		return IMUAggregate{}, errcode.Wrap("decode_imu_aggregate", errcode.MalformedPayload, nil)
	}
	var a IMUAggregate
	var err error
	a.Gyroscope, b, err = decodeSensorInfo(b, 3)
	if err != nil {
		return IMUAggregate{}, err
	}
	a.Accelerometer, b, err = decodeSensorInfo(b, 3)
	if err != nil {
		return IMUAggregate{}, err
	}
	a.MagneticField, b, err = decodeSensorInfo(b, 3)
	if err != nil {
		return IMUAggregate{}, err
	}
	a.Gravity, b, err = decodeSensorInfo(b, 3)
	if err != nil {
		return IMUAggregate{}, err
	}
	a.Rotation, _, err = decodeSensorInfo(b, 4)
	if err != nil {
		return IMUAggregate{}, err
	}
	return a, nil
}

// IdentifyReply is the device-to-host identification body: a NUL-terminated
// identifier, an oscillator count, that many little-endian hues, and a
// soft-lock flag.
type IdentifyReply struct {
	Identifier      string
	OscillatorCount uint8
	ArmHues         []uint16
	IsLocked        bool
}

// DecodeIdentifyReply scans for the identifier's terminating NUL, then
// interprets the fixed suffix. An empty identifier is malformed (§9).
func DecodeIdentifyReply(b []byte) (IdentifyReply, error) {
	nul := -1
	for i, c := range b {
		if c == 0 {
			nul = i
			break
		}
	}
	if nul <= 0 {
		return IdentifyReply{}, errcode.Wrap("decode_identify_reply", errcode.MalformedPayload, nil)
	}
	identifier := string(b[:nul])
	rest := b[nul+1:]
	if len(rest) < 1 {
		return IdentifyReply{}, errcode.Wrap("decode_identify_reply", errcode.MalformedPayload, nil)
	}
	count := rest[0]
	rest = rest[1:]
	want := int(count)*2 + 1
	if len(rest) != want {
		return IdentifyReply{}, errcode.Wrap("decode_identify_reply", errcode.MalformedPayload, nil)
	}
	hues := make([]uint16, count)
	for i := range hues {
		hues[i] = binary.LittleEndian.Uint16(rest[i*2 : i*2+2])
	}
	locked := rest[int(count)*2] == 1
	return IdentifyReply{Identifier: identifier, OscillatorCount: count, ArmHues: hues, IsLocked: locked}, nil
}

// EncodeIdentifyCommand serializes the host's per-process lock-key UUID as
// the body of an outbound Identify command (§6): a single 128-bit UUID,
// raw bytes, no escaping applied yet.
func EncodeIdentifyCommand(id [16]byte) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// EncodeSessionStart serializes the host's last-known device time.
func EncodeSessionStart(lastKnownTime uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, lastKnownTime)
	return b
}

// DecodeGetTime parses the single u32 time value.
func DecodeGetTime(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, errcode.Wrap("decode_get_time", errcode.MalformedPayload, nil)
	}
	return binary.LittleEndian.Uint32(b), nil
}

// EncodeUpdateOscillator serializes a host write of one oscillator's
// authoritative parameters.
func EncodeUpdateOscillator(index uint8, p OscillatorParams) []byte {
	b := make([]byte, 0, 1+oscillatorParamsSize)
	b = append(b, index)
	return append(b, p.Encode()...)
}

// MotorData is the decoded body of SendMotorData: one oscillator's index
// and reported state.
type MotorData struct {
	Index uint8
	State OscillatorState
}

func DecodeSendMotorData(b []byte) (MotorData, error) {
	if len(b) != 1+oscillatorStateSize {
		return MotorData{}, errcode.Wrap("decode_send_motor_data", errcode.MalformedPayload, nil)
	}
	state, err := DecodeOscillatorState(b[1:])
	if err != nil {
		return MotorData{}, err
	}
	return MotorData{Index: b[0], State: state}, nil
}

// AllData is the decoded body of SendAllData (tag 69): time, then one
// OscillatorState per oscillator (host-cached count, §9b), then the IMU
// aggregate, concatenated with no delimiters.
type AllData struct {
	Time        uint32
	Oscillators []OscillatorState
	IMU         IMUAggregate
}

// DecodeSendAllData decodes an aggregate body against oscillatorCount —
// the host's cached count, not a value carried on the wire. A genuine
// mismatch with the device's own count surfaces as MalformedPayload.
func DecodeSendAllData(b []byte, oscillatorCount int) (AllData, error) {
	want := 4 + oscillatorCount*oscillatorStateSize + imuAggregateSize
	if len(b) != want {
		return AllData{}, errcode.Wrap("decode_send_all_data", errcode.MalformedPayload, nil)
	}
	t, err := DecodeGetTime(b[:4])
	if err != nil {
		return AllData{}, err
	}
	b = b[4:]
	states := make([]OscillatorState, oscillatorCount)
	for i := 0; i < oscillatorCount; i++ {
		st, err := DecodeOscillatorState(b[:oscillatorStateSize])
		if err != nil {
			return AllData{}, err
		}
		states[i] = st
		b = b[oscillatorStateSize:]
	}
	imu, err := DecodeIMUAggregate(b)
	if err != nil {
		return AllData{}, err
	}
	return AllData{Time: t, Oscillators: states, IMU: imu}, nil
}

func putFloat32(b []byte, f float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
}

func getFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

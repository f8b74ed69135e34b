package protocol

import (
	"reflect"
	"testing"
)

func TestOscillatorParamsRoundTrip(t *testing.T) {
	p := OscillatorParams{Frequency: 1.5, Amplitude: 0.25, Offset: 90, PhaseShift: -3.5}
	b := p.Encode()
	if len(b) != oscillatorParamsSize {
		t.Fatalf("encoded size = %d, want %d", len(b), oscillatorParamsSize)
	}
	got, err := DecodeOscillatorParams(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Fatalf("roundtrip = %+v, want %+v", got, p)
	}
}

func TestOscillatorStateRoundTrip(t *testing.T) {
	s := OscillatorState{OscillatorParams: DefaultOscillatorParams(), Phase: 2.1}
	got, err := DecodeOscillatorState(s.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Fatalf("roundtrip = %+v, want %+v", got, s)
	}
}

func TestIMUAggregateRoundTrip(t *testing.T) {
	a := IMUAggregate{
		Gyroscope:     SensorInfo{Timestamp: 1, Accuracy: 2, Data: []float32{1, 2, 3}},
		Accelerometer: SensorInfo{Timestamp: 3, Accuracy: 1, Data: []float32{4, 5, 6}},
		MagneticField: SensorInfo{Timestamp: 5, Accuracy: 0, Data: []float32{7, 8, 9}},
		Gravity:       SensorInfo{Timestamp: 7, Accuracy: 3, Data: []float32{0, 0, 9.8}},
		Rotation:      SensorInfo{Timestamp: 9, Accuracy: 2, Data: []float32{0, 0, 0, 1}},
	}
	enc := a.Encode()
	if len(enc) != imuAggregateSize {
		t.Fatalf("encoded size = %d, want %d", len(enc), imuAggregateSize)
	}
	got, err := DecodeIMUAggregate(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, a) {
		t.Fatalf("roundtrip = %+v, want %+v", got, a)
	}
}

func TestDecodeIdentifyReply_S2(t *testing.T) {
	body := append([]byte("Snake1\x00"), 0x04, 0x00, 0x00, 0x78, 0x00, 0xF0, 0x00, 0x68, 0x01, 0x00)
	got, err := DecodeIdentifyReply(body)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identifier != "Snake1" {
		t.Errorf("identifier = %q, want Snake1", got.Identifier)
	}
	if got.OscillatorCount != 4 {
		t.Errorf("oscillator_count = %d, want 4", got.OscillatorCount)
	}
	wantHues := []uint16{0, 120, 240, 360}
	if !reflect.DeepEqual(got.ArmHues, wantHues) {
		t.Errorf("arm_hues = %v, want %v", got.ArmHues, wantHues)
	}
	if got.IsLocked {
		t.Errorf("is_locked = true, want false")
	}
}

func TestDecodeIdentifyReply_EmptyIdentifierIsMalformed(t *testing.T) {
	body := append([]byte("\x00"), 0x00, 0x00)
	if _, err := DecodeIdentifyReply(body); err == nil {
		t.Fatal("expected malformed payload error for empty identifier")
	}
}

func TestDecodeGetTime_LengthMismatch(t *testing.T) {
	if _, err := DecodeGetTime([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected malformed payload error")
	}
}

func TestEncodeDecodeSendAllData(t *testing.T) {
	oscCount := 2
	oscillators := []OscillatorState{
		{OscillatorParams: DefaultOscillatorParams(), Phase: 0},
		{OscillatorParams: OscillatorParams{Frequency: 2, Amplitude: 1, Offset: 90, PhaseShift: 0.1}, Phase: 1.2},
	}
	imu := IMUAggregate{
		Gyroscope:     SensorInfo{Data: []float32{0, 0, 0}},
		Accelerometer: SensorInfo{Data: []float32{0, 0, 0}},
		MagneticField: SensorInfo{Data: []float32{0, 0, 0}},
		Gravity:       SensorInfo{Data: []float32{0, 0, 0}},
		Rotation:      SensorInfo{Data: []float32{0, 0, 0, 1}},
	}

	var body []byte
	body = append(body, EncodeSessionStart(0)...) // reuse u32 encoder for the time field
	for _, s := range oscillators {
		body = append(body, s.Encode()...)
	}
	body = append(body, imu.Encode()...)

	got, err := DecodeSendAllData(body, oscCount)
	if err != nil {
		t.Fatal(err)
	}
	if got.Time != 0 {
		t.Errorf("time = %d, want 0", got.Time)
	}
	if !reflect.DeepEqual(got.Oscillators, oscillators) {
		t.Errorf("oscillators = %+v, want %+v", got.Oscillators, oscillators)
	}
	if !reflect.DeepEqual(got.IMU, imu) {
		t.Errorf("imu = %+v, want %+v", got.IMU, imu)
	}
}

func TestDecodeSendAllData_CountMismatchIsMalformed(t *testing.T) {
	body := make([]byte, 4+oscillatorStateSize+imuAggregateSize)
	if _, err := DecodeSendAllData(body, 2); err == nil {
		t.Fatal("expected malformed payload error for oscillator count mismatch")
	}
}

func TestEncodeDecodeFull(t *testing.T) {
	frame := Encode(byte(TagIdentify), EncodeIdentifyCommand([16]byte{1, 2, 3}))
	if len(frame) < 4 {
		t.Fatal("frame too short")
	}
	if frame[0] != Header[0] || frame[1] != Header[1] {
		t.Fatalf("missing header: %x", frame[:2])
	}
	if frame[len(frame)-2] != Footer[0] || frame[len(frame)-1] != Footer[1] {
		t.Fatalf("missing footer: %x", frame[len(frame)-2:])
	}
}

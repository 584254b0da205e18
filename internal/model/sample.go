package model

import "math"

// Channel identifies one of the optional motion channels carried by a SensorSample
type Channel int

const (
	ChannelAccelX Channel = iota // user acceleration, g
	ChannelAccelY
	ChannelAccelZ
	ChannelRotationX // rotation rate, rad/s
	ChannelRotationY
	ChannelRotationZ
	ChannelGravityX // gravity vector, g
	ChannelGravityY
	ChannelGravityZ
	ChannelAttitudeRoll // attitude, rad
	ChannelAttitudePitch
	ChannelAttitudeYaw
	ChannelMagneticX // magnetic field, µT
	ChannelMagneticY
	ChannelMagneticZ

	ChannelCount = int(ChannelMagneticZ) + 1
)

var channelNames = [ChannelCount]string{
	"accelX", "accelY", "accelZ",
	"rotationX", "rotationY", "rotationZ",
	"gravityX", "gravityY", "gravityZ",
	"attitudeRoll", "attitudePitch", "attitudeYaw",
	"magneticX", "magneticY", "magneticZ",
}

// AllChannels lists every channel in storage order
var AllChannels = func() []Channel {
	result := make([]Channel, ChannelCount)
	for i := range result {
		result[i] = Channel(i)
	}
	return result
}()

func (c Channel) String() string {
	if c < 0 || int(c) >= ChannelCount {
		return "unknown"
	}
	return channelNames[c]
}

// ChannelByName returns the channel with the given wire name
func ChannelByName(name string) (Channel, bool) {
	for i, n := range channelNames {
		if n == name {
			return Channel(i), true
		}
	}
	return 0, false
}

// SensorSample is one motion reading. Channels the device did not report are nil.
// Values are immutable once built; use NewSensorSample or the builder methods, which copy.
type SensorSample struct {
	Channels    [ChannelCount]*float64
	Frequency   float64 // capture frequency in Hz at the time of the reading
	SampleCount int64   // running index assigned by the capture engine
	Timestamp   float64 // seconds since the Unix epoch
}

// NewSensorSample builds a sample from a channel->value map
func NewSensorSample(timestamp, frequency float64, values map[Channel]float64) SensorSample {
	s := SensorSample{Timestamp: timestamp, Frequency: frequency}
	for ch, v := range values {
		if ch < 0 || int(ch) >= ChannelCount {
			continue
		}
		v := v
		s.Channels[ch] = &v
	}
	return s
}

// Value returns the channel value and whether it is present
func (s SensorSample) Value(ch Channel) (float64, bool) {
	if ch < 0 || int(ch) >= ChannelCount || s.Channels[ch] == nil {
		return 0, false
	}
	return *s.Channels[ch], true
}

// With returns a copy of the sample with ch set to v
func (s SensorSample) With(ch Channel, v float64) SensorSample {
	out := s
	if ch >= 0 && int(ch) < ChannelCount {
		out.Channels[ch] = &v
	}
	return out
}

// WithSampleCount returns a copy carrying the given running index
func (s SensorSample) WithSampleCount(n int64) SensorSample {
	out := s
	out.SampleCount = n
	return out
}

// PresentChannels counts the channels that carry a value
func (s SensorSample) PresentChannels() int {
	n := 0
	for _, v := range s.Channels {
		if v != nil {
			n++
		}
	}
	return n
}

// AccelerationMagnitude is the euclidean norm of the acceleration channels.
// Missing axes count as zero.
func (s SensorSample) AccelerationMagnitude() float64 {
	x, _ := s.Value(ChannelAccelX)
	y, _ := s.Value(ChannelAccelY)
	z, _ := s.Value(ChannelAccelZ)
	return math.Sqrt(x*x + y*y + z*z)
}

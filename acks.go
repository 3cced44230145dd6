package replica

import (
	"math"
)

type SentPacketData struct {
	Time        float64
	Acked       bool
	Lost        bool
	PacketBytes uint32

	messages []messageRef
	entities []entityRef
}

type ReceivedPacketData struct {
	Time        float64
	PacketBytes uint32
}

// AckResult lists the locally sent sequences resolved by one received header.
type AckResult struct {
	Acked []uint16
	Lost  []uint16
}

// AckTracker tracks the local send sequence, which remote sequences have
// been received, and which local sequences the remote has acknowledged.
type AckTracker struct {
	config *Config
	name   string

	Time                  float64
	Sequence              uint16
	SentPackets           *SequenceBuffer[SentPacketData]
	ReceivedPackets       *SequenceBuffer[ReceivedPacketData]
	Counters              [CounterMax]uint64
	SentBandwidthKbps     float64
	ReceivedBandwidthKbps float64
	AckedBandwidthKbps    float64

	rtt        float64
	packetLoss float64

	// outstanding holds sent sequences not yet acked or presumed lost, oldest first.
	outstanding  []uint16
	remoteAck    uint16
	hasRemoteAck bool
}

// NewAckTracker creates a tracker whose first sent packet will be
// localSequence and whose first expected remote packet is remoteSequence.
func NewAckTracker(config *Config, localSequence, remoteSequence uint16, time float64) *AckTracker {
	a := &AckTracker{
		config:          config,
		name:            config.Name,
		Time:            time,
		Sequence:        localSequence,
		SentPackets:     NewSequenceBuffer[SentPacketData](config.SentPacketsBufferSize),
		ReceivedPackets: NewSequenceBuffer[ReceivedPacketData](config.ReceivedPacketsBufferSize),
	}
	a.SentPackets.ResetTo(localSequence)
	a.ReceivedPackets.ResetTo(remoteSequence)
	return a
}

// RecordSent assigns the next sequence to an outgoing packet of packetBytes
// bytes and returns the slot describing it.
func (a *AckTracker) RecordSent(packetBytes int) (uint16, *SentPacketData) {
	sequence := a.Sequence
	a.Sequence++

	sentPacketData := a.SentPackets.Insert(sequence)
	sentPacketData.Time = a.Time
	sentPacketData.PacketBytes = uint32(a.config.PacketHeaderSize + packetBytes)

	a.outstanding = append(a.outstanding, sequence)
	if len(a.outstanding) > 2*a.config.SentPacketsBufferSize {
		a.outstanding = a.outstanding[len(a.outstanding)-a.config.SentPacketsBufferSize:]
	}
	a.Counters[CounterNumPacketsSent]++
	return sequence, sentPacketData
}

// AckBits returns the ack sequence and bitfield to put in the next header.
func (a *AckTracker) AckBits() (uint16, uint32) {
	return a.ReceivedPackets.GenerateAckBits(a.config.AckBits)
}

// TestReceive reports whether a packet with sequence would be accepted.
func (a *AckTracker) TestReceive(sequence uint16) bool {
	return a.ReceivedPackets.TestInsert(sequence) && !a.ReceivedPackets.Exists(sequence)
}

// OnPacketReceived records the remote sequence and applies its acks. Stale
// and duplicate packets are rejected with ErrStalePacket and change nothing.
func (a *AckTracker) OnPacketReceived(sequence, ack uint16, ackBits uint32, packetBytes int) (AckResult, error) {
	var result AckResult
	if !a.TestReceive(sequence) {
		log.Debugf("[%s] ignoring stale packet %d", a.name, sequence)
		a.Counters[CounterNumPacketsStale]++
		return result, ErrStalePacket
	}
	receivedPacketData := a.ReceivedPackets.Insert(sequence)
	receivedPacketData.Time = a.Time
	receivedPacketData.PacketBytes = uint32(a.config.PacketHeaderSize + packetBytes)
	a.Counters[CounterNumPacketsReceived]++

	a.ack(ack, &result)
	for i := 0; i < a.config.AckBits; i++ {
		if ackBits&1 != 0 {
			a.ack(ack-1-uint16(i), &result)
		}
		ackBits >>= 1
	}

	if !a.hasRemoteAck || GreaterThan(ack, a.remoteAck) {
		a.remoteAck = ack
		a.hasRemoteAck = true
	}
	a.resolveLost(&result)
	return result, nil
}

func (a *AckTracker) ack(sequence uint16, result *AckResult) {
	sentPacketData := a.SentPackets.Find(sequence)
	if sentPacketData == nil || sentPacketData.Acked {
		return
	}
	log.Debugf("[%s] acked packet %d", a.name, sequence)
	sentPacketData.Acked = true
	result.Acked = append(result.Acked, sequence)
	a.Counters[CounterNumPacketsAcked]++

	rtt := (a.Time - sentPacketData.Time) * 1000
	if a.rtt == 0 && rtt > 0 || math.Abs(a.rtt-rtt) < 0.00001 {
		a.rtt = rtt
	} else {
		a.rtt += (rtt - a.rtt) * a.config.RttSmoothingFactor
	}
}

// resolveLost presumes lost every outstanding packet that fell more than
// AckBits behind the newest ack without being acknowledged.
func (a *AckTracker) resolveLost(result *AckResult) {
	n := 0
	for _, sequence := range a.outstanding {
		sentPacketData := a.SentPackets.Find(sequence)
		if sentPacketData == nil || sentPacketData.Acked {
			n++
			continue
		}
		if SequenceDiff(a.remoteAck, sequence) <= a.config.AckBits {
			break
		}
		log.Debugf("[%s] packet %d presumed lost", a.name, sequence)
		sentPacketData.Lost = true
		result.Lost = append(result.Lost, sequence)
		a.Counters[CounterNumPacketsLost]++
		n++
	}
	a.outstanding = a.outstanding[n:]
}

// Update advances the clock and refreshes the loss and bandwidth estimates.
func (a *AckTracker) Update(time float64) {
	a.Time = time

	// calculate packet loss
	{
		baseSequence := a.SentPackets.Sequence - uint16(a.SentPackets.Len()) + 1
		var numDropped, numSamples int
		for i := 0; i < a.SentPackets.Len()/2; i++ {
			sentPacketData := a.SentPackets.Find(baseSequence + uint16(i))
			if sentPacketData == nil {
				continue
			}
			numSamples++
			if !sentPacketData.Acked {
				numDropped++
			}
		}
		if numSamples > 0 {
			packetLoss := float64(numDropped) / float64(numSamples) * 100
			if math.Abs(a.packetLoss-packetLoss) > 0.00001 {
				a.packetLoss += (packetLoss - a.packetLoss) * a.config.PacketLossSmoothingFactor
			} else {
				a.packetLoss = packetLoss
			}
		}
	}

	// calculate sent bandwidth
	a.SentBandwidthKbps = a.smoothBandwidth(a.SentBandwidthKbps, sentSamples(a.SentPackets, false))

	// calculate received bandwidth
	{
		baseSequence := a.ReceivedPackets.Sequence - uint16(a.ReceivedPackets.Len()) + 1
		var bytes int
		startTime := math.MaxFloat64
		var finishTime float64
		for i := 0; i < a.ReceivedPackets.Len()/2; i++ {
			receivedPacketData := a.ReceivedPackets.Find(baseSequence + uint16(i))
			if receivedPacketData == nil {
				continue
			}
			bytes += int(receivedPacketData.PacketBytes)
			startTime = math.Min(startTime, receivedPacketData.Time)
			finishTime = math.Max(finishTime, receivedPacketData.Time)
		}
		a.ReceivedBandwidthKbps = a.smoothBandwidth(a.ReceivedBandwidthKbps, bandwidthSample{bytes, startTime, finishTime})
	}

	// calculate acked bandwidth
	a.AckedBandwidthKbps = a.smoothBandwidth(a.AckedBandwidthKbps, sentSamples(a.SentPackets, true))
}

type bandwidthSample struct {
	bytes      int
	startTime  float64
	finishTime float64
}

func sentSamples(sent *SequenceBuffer[SentPacketData], ackedOnly bool) bandwidthSample {
	baseSequence := sent.Sequence - uint16(sent.Len()) + 1
	s := bandwidthSample{startTime: math.MaxFloat64}
	for i := 0; i < sent.Len()/2; i++ {
		sentPacketData := sent.Find(baseSequence + uint16(i))
		if sentPacketData == nil || (ackedOnly && !sentPacketData.Acked) {
			continue
		}
		s.bytes += int(sentPacketData.PacketBytes)
		s.startTime = math.Min(s.startTime, sentPacketData.Time)
		s.finishTime = math.Max(s.finishTime, sentPacketData.Time)
	}
	return s
}

func (a *AckTracker) smoothBandwidth(current float64, s bandwidthSample) float64 {
	if s.startTime == math.MaxFloat64 || s.finishTime <= s.startTime {
		return current
	}
	kbps := float64(s.bytes) / (s.finishTime - s.startTime) * 8 / 1000
	if math.Abs(current-kbps) > 0.00001 {
		return current + (kbps-current)*a.config.BandwidthSmoothingFactor
	}
	return kbps
}

// Rtt is the smoothed round trip time in milliseconds.
func (a *AckTracker) Rtt() float64 {
	return a.rtt
}

// PacketLoss is the smoothed percentage of sent packets never acked.
func (a *AckTracker) PacketLoss() float64 {
	return a.packetLoss
}

func (a *AckTracker) Bandwidth() (float64, float64, float64) {
	return a.SentBandwidthKbps, a.ReceivedBandwidthKbps, a.AckedBandwidthKbps
}

const (
	CounterNumPacketsSent = iota
	CounterNumPacketsReceived
	CounterNumPacketsAcked
	CounterNumPacketsLost
	CounterNumPacketsStale
	CounterNumPacketsInvalid
	CounterNumPacketsTooLargeToSend
	CounterNumMessagesResent
	CounterNumUnknownActor
	CounterNumTransportErrors
	CounterMax
)

var counterNames = [CounterMax]string{
	CounterNumPacketsSent:           "packets.sent",
	CounterNumPacketsReceived:       "packets.received",
	CounterNumPacketsAcked:          "packets.acked",
	CounterNumPacketsLost:           "packets.lost",
	CounterNumPacketsStale:          "packets.stale",
	CounterNumPacketsInvalid:        "packets.invalid",
	CounterNumPacketsTooLargeToSend: "packets.too_large",
	CounterNumMessagesResent:        "messages.resent",
	CounterNumUnknownActor:          "actors.unknown_reference",
	CounterNumTransportErrors:       "transport.errors",
}

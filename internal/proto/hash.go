package proto

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

// hashWriter serializes fields in the chain's little-endian layout before
// hashing.
type hashWriter struct {
	buf bytes.Buffer
}

func (w *hashWriter) outpoint(o Outpoint) {
	w.buf.Write(o.Hash[:])
	w.uint32(o.Index)
}

func (w *hashWriter) uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *hashWriter) int64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *hashWriter) varBytes(p []byte) {
	n := len(p)
	switch {
	case n < 0xfd:
		w.buf.WriteByte(byte(n))
	case n <= 0xffff:
		w.buf.WriteByte(0xfd)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(n))
		w.buf.Write(b[:])
	default:
		w.buf.WriteByte(0xfe)
		w.uint32(uint32(n))
	}
	w.buf.Write(p)
}

func (w *hashWriter) sum() Hash { return HashOf(w.buf.Bytes()) }

// OutpointTimeHash hashes a collateral reference with a timestamp. It keys
// pings and seeds the payment tie-break.
func OutpointTimeHash(o Outpoint, t int64) Hash {
	var w hashWriter
	w.outpoint(o)
	w.int64(t)
	return w.sum()
}

// Hash identifies a broadcast by its signing time and collateral key.
func (m BroadcastMsg) Hash() Hash {
	var w hashWriter
	w.int64(m.SigTime)
	w.varBytes(m.PubKeyCollateral)
	return w.sum()
}

func (m PingMsg) Hash() Hash { return OutpointTimeHash(m.Vin, m.SigTime) }

// Hash is the content key of a vote: payee, height and voter.
func (m VoteMsg) Hash() Hash {
	var w hashWriter
	w.varBytes(m.Payee)
	w.uint32(uint32(int32(m.Height)))
	w.outpoint(m.Vin)
	return w.sum()
}

// SignatureMessage is the text signed by the collateral key.
func (m BroadcastMsg) SignatureMessage() string {
	return m.Addr + strconv.FormatInt(m.SigTime, 10) + m.PubKeyCollateral.String() +
		m.PubKeyNode.String() + strconv.Itoa(m.Protocol)
}

// SignatureMessage is the text signed by the node key.
func (m PingMsg) SignatureMessage() string {
	return m.Vin.String() + m.BlockHash.String() + strconv.FormatInt(m.SigTime, 10)
}

func (m VoteMsg) SignatureMessage() string {
	return m.Vin.ShortString() + strconv.Itoa(m.Height) + m.Payee.String()
}

func (m LegacyEntryMsg) SignatureMessage() string {
	return m.Addr + strconv.FormatInt(m.SigTime, 10) + m.PubKey.String() + m.PubKey2.String() +
		strconv.Itoa(m.Protocol) + m.DonationScript.String() + strconv.Itoa(m.DonationPercent)
}

// LegacyPingMessage is signed by the node key; addr comes from the record.
func LegacyPingMessage(addr string, sigTime int64, stop bool) string {
	return addr + strconv.FormatInt(sigTime, 10) + strconv.FormatBool(stop)
}

// ScoreInput is Hash(anchor || aux) where aux is the 32-byte little-endian
// collateral sum.
func ScoreInput(anchor Hash, aux [32]byte) Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, anchor[:]...)
	buf = append(buf, aux[:]...)
	return HashOf(buf)
}

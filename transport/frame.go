package transport

import "fmt"

// Frame type bytes.
const (
	frameTypePadding       = 0x00
	frameTypeRstStream     = 0x01
	frameTypeMaxData       = 0x04
	frameTypeMaxStreamData = 0x05
	frameTypeStopSending   = 0x0c

	// ACK frames occupy 0xa0-0xbf: 101NLLMM where N indicates extra
	// blocks, LL and MM select field widths {1,2,4,8}.
	frameTypeAck    = 0xa0
	frameTypeAckEnd = 0xbf

	// STREAM frames occupy 0xc0-0xff: 11FDOOSS where F is FIN, D is
	// data-length presence, OO selects offset width {0,2,4,8} and SS
	// stream-id width {1,2,3,4}.
	frameTypeStream    = 0xc0
	frameTypeStreamEnd = 0xff

	ackFlagNumBlocks     = 0x10
	streamFlagFin        = 0x20
	streamFlagDataLength = 0x10
)

// Conservative per-frame overhead used by the packet scheduler.
const maxStreamFrameOverhead = 1 + 4 + 8 + 2

type frame interface {
	encodedLen() int
	encode(b []byte) (int, error)
	decode(b []byte) (int, error)
	String() string
}

func isFrameAckEliciting(typ byte) bool {
	return typ != frameTypePadding && !(typ >= frameTypeAck && typ <= frameTypeAckEnd)
}

// ackWidth maps the two width bits to a byte count and back.
func ackWidth(bits byte) int {
	return 1 << bits
}

func ackWidthBits(v uint64) byte {
	switch sizeOf(v, 1, 2, 4, 8) {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	}
	return 3
}

// PADDING

type paddingFrame int

func newPaddingFrame(n int) *paddingFrame {
	f := paddingFrame(n)
	return &f
}

func (f *paddingFrame) encodedLen() int {
	return int(*f)
}

func (f *paddingFrame) encode(b []byte) (int, error) {
	n := int(*f)
	if len(b) < n {
		return 0, newError(InternalError, "buffer too short for padding")
	}
	for i := 0; i < n; i++ {
		b[i] = frameTypePadding
	}
	return n, nil
}

// decode consumes the run of padding bytes.
func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == frameTypePadding {
		n++
	}
	*f = paddingFrame(n)
	return n, nil
}

func (f *paddingFrame) String() string {
	return fmt.Sprintf("padding{length=%d}", int(*f))
}

// RST_STREAM

type rstStreamFrame struct {
	streamID    uint32
	errorCode   uint32
	finalOffset uint64
}

func newRstStreamFrame(id uint32, code uint32, finalOffset uint64) *rstStreamFrame {
	return &rstStreamFrame{streamID: id, errorCode: code, finalOffset: finalOffset}
}

func (f *rstStreamFrame) encodedLen() int {
	return 1 + 4 + 4 + 8
}

func (f *rstStreamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InternalError, "buffer too short for rst_stream")
	}
	b[0] = frameTypeRstStream
	put32(b[1:], uint64(f.streamID))
	put32(b[5:], uint64(f.errorCode))
	put64(b[9:], f.finalOffset)
	return f.encodedLen(), nil
}

func (f *rstStreamFrame) decode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InvalidFrameData, "rst_stream too short")
	}
	f.streamID = uint32(get32(b[1:]))
	f.errorCode = uint32(get32(b[5:]))
	f.finalOffset = get64(b[9:])
	return f.encodedLen(), nil
}

func (f *rstStreamFrame) String() string {
	return fmt.Sprintf("rst_stream{id=%d code=%d final_offset=%d}", f.streamID, f.errorCode, f.finalOffset)
}

// STOP_SENDING

type stopSendingFrame struct {
	streamID  uint32
	errorCode uint32
}

func newStopSendingFrame(id uint32, code uint32) *stopSendingFrame {
	return &stopSendingFrame{streamID: id, errorCode: code}
}

func (f *stopSendingFrame) encodedLen() int {
	return 1 + 4 + 4
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InternalError, "buffer too short for stop_sending")
	}
	b[0] = frameTypeStopSending
	put32(b[1:], uint64(f.streamID))
	put32(b[5:], uint64(f.errorCode))
	return f.encodedLen(), nil
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InvalidFrameData, "stop_sending too short")
	}
	f.streamID = uint32(get32(b[1:]))
	f.errorCode = uint32(get32(b[5:]))
	return f.encodedLen(), nil
}

func (f *stopSendingFrame) String() string {
	return fmt.Sprintf("stop_sending{id=%d code=%d}", f.streamID, f.errorCode)
}

// MAX_DATA. The value is in units of 1024 octets.

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(kb uint64) *maxDataFrame {
	return &maxDataFrame{maximumData: kb}
}

func (f *maxDataFrame) encodedLen() int {
	return 1 + 8
}

func (f *maxDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InternalError, "buffer too short for max_data")
	}
	b[0] = frameTypeMaxData
	put64(b[1:], f.maximumData)
	return f.encodedLen(), nil
}

func (f *maxDataFrame) decode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InvalidFrameData, "max_data too short")
	}
	f.maximumData = get64(b[1:])
	return f.encodedLen(), nil
}

func (f *maxDataFrame) String() string {
	return fmt.Sprintf("max_data{maximum=%d}", f.maximumData)
}

// MAX_STREAM_DATA

type maxStreamDataFrame struct {
	streamID    uint32
	maximumData uint64
}

func newMaxStreamDataFrame(id uint32, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: id, maximumData: max}
}

func (f *maxStreamDataFrame) encodedLen() int {
	return 1 + 4 + 8
}

func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InternalError, "buffer too short for max_stream_data")
	}
	b[0] = frameTypeMaxStreamData
	put32(b[1:], uint64(f.streamID))
	put64(b[5:], f.maximumData)
	return f.encodedLen(), nil
}

func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InvalidFrameData, "max_stream_data too short")
	}
	f.streamID = uint32(get32(b[1:]))
	f.maximumData = get64(b[5:])
	return f.encodedLen(), nil
}

func (f *maxStreamDataFrame) String() string {
	return fmt.Sprintf("max_stream_data{id=%d maximum=%d}", f.streamID, f.maximumData)
}

// ACK

type ackBlock struct {
	gap    uint64 // packets skipped below the previous block
	length uint64 // packets in this block
}

type ackFrame struct {
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64 // packets in the block ending at largestAck
	blocks        []ackBlock
}

// newAckFrame builds an ACK from the ascending received set. The gap field is
// one byte, so longer gaps are bridged with zero-length blocks. At most 255
// blocks follow the first one; older ranges beyond that are dropped.
func newAckFrame(ackDelay uint64, received rangeSet) *ackFrame {
	if len(received) == 0 {
		return nil
	}
	first := 0
	if len(received) > 256 {
		first = len(received) - 256
	}
	r := received[first:]
	last := r[len(r)-1]
	f := &ackFrame{
		largestAck:    last.end - 1,
		ackDelay:      ackDelay,
		firstAckRange: last.length(),
	}
	for i := len(r) - 2; i >= 0 && len(f.blocks) < 0xff; i-- {
		gap := r[i+1].start - r[i].end
		for gap > 0xff && len(f.blocks) < 0xff {
			f.blocks = append(f.blocks, ackBlock{gap: 0xff})
			gap -= 0xff
		}
		if len(f.blocks) == 0xff {
			break
		}
		f.blocks = append(f.blocks, ackBlock{
			gap:    gap,
			length: r[i].length(),
		})
	}
	return f
}

func (f *ackFrame) widths() (int, int) {
	ll := ackWidth(ackWidthBits(f.largestAck))
	max := f.firstAckRange
	for _, b := range f.blocks {
		if b.length > max {
			max = b.length
		}
	}
	return ll, ackWidth(ackWidthBits(max))
}

func (f *ackFrame) encodedLen() int {
	ll, mm := f.widths()
	n := 1 + 1 + ll + 2 + mm // type, num timestamps, largest, delay, first block
	if len(f.blocks) > 0 {
		n += 1 + len(f.blocks)*(1+mm)
	}
	return n
}

func (f *ackFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InternalError, "buffer too short for ack")
	}
	ll, mm := f.widths()
	typ := byte(frameTypeAck) | ackWidthBits(f.largestAck)<<2
	switch mm {
	case 2:
		typ |= 1
	case 4:
		typ |= 2
	case 8:
		typ |= 3
	}
	if len(f.blocks) > 0 {
		typ |= ackFlagNumBlocks
	}
	i := 0
	b[i] = typ
	i++
	if len(f.blocks) > 0 {
		b[i] = byte(len(f.blocks))
		i++
	}
	b[i] = 0 // no timestamps
	i++
	i += putN(b[i:], f.largestAck, ll)
	put16(b[i:], f.ackDelay)
	i += 2
	i += putN(b[i:], f.firstAckRange, mm)
	for _, blk := range f.blocks {
		b[i] = byte(blk.gap)
		i++
		i += putN(b[i:], blk.length, mm)
	}
	return i, nil
}

func (f *ackFrame) decode(b []byte) (int, error) {
	typ := b[0]
	ll := ackWidth((typ >> 2) & 0x03)
	mm := ackWidth(typ & 0x03)
	i := 1
	numBlocks := 0
	if typ&ackFlagNumBlocks != 0 {
		if len(b) < i+1 {
			return 0, newError(InvalidFrameData, "ack too short")
		}
		numBlocks = int(b[i])
		i++
	}
	if len(b) < i+1 {
		return 0, newError(InvalidFrameData, "ack too short")
	}
	numTS := int(b[i])
	i++
	v, n := getN(b[i:], ll)
	if n == 0 {
		return 0, newError(InvalidFrameData, "ack too short")
	}
	f.largestAck = v
	i += n
	if len(b) < i+2 {
		return 0, newError(InvalidFrameData, "ack too short")
	}
	f.ackDelay = get16(b[i:])
	i += 2
	v, n = getN(b[i:], mm)
	if n == 0 {
		return 0, newError(InvalidFrameData, "ack too short")
	}
	f.firstAckRange = v
	i += n
	f.blocks = f.blocks[:0]
	for k := 0; k < numBlocks; k++ {
		if len(b) < i+1+mm {
			return 0, newError(InvalidFrameData, "ack too short")
		}
		gap := uint64(b[i])
		i++
		v, n = getN(b[i:], mm)
		i += n
		f.blocks = append(f.blocks, ackBlock{gap: gap, length: v})
	}
	// Timestamp blocks are carried but not used: first is 2 bytes of delta
	// and 4 of time, the rest 1+2 each.
	if numTS > 0 {
		tsLen := 6 + (numTS-1)*3
		if len(b) < i+tsLen {
			return 0, newError(InvalidFrameData, "ack too short")
		}
		i += tsLen
	}
	return i, nil
}

// toRangeSet converts the descending block walk into an ascending range set.
// Returns nil when the blocks underflow below packet number 0.
func (f *ackFrame) toRangeSet() rangeSet {
	var ranges rangeSet
	largest := f.largestAck
	length := f.firstAckRange
	for i := -1; i < len(f.blocks); i++ {
		if i >= 0 {
			blk := f.blocks[i]
			if largest < blk.gap {
				return nil
			}
			largest -= blk.gap
			length = blk.length
		}
		if length > largest+1 {
			return nil
		}
		if length > 0 {
			// Prepend keeps the set ascending.
			ranges = append(ranges, numericRange{})
			copy(ranges[1:], ranges)
			ranges[0] = numericRange{largest + 1 - length, largest + 1}
		}
		if i == len(f.blocks)-1 {
			break
		}
		if length > largest {
			// Remaining blocks would underflow below packet number 0.
			return nil
		}
		largest -= length
	}
	return ranges
}

func (f *ackFrame) String() string {
	return fmt.Sprintf("ack{largest=%d delay=%d first=%d blocks=%d}", f.largestAck, f.ackDelay, f.firstAckRange, len(f.blocks))
}

// STREAM

type streamFrame struct {
	streamID uint32
	offset   uint64
	data     []byte
	fin      bool
}

func newStreamFrame(id uint32, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: id, offset: offset, data: data, fin: fin}
}

func (f *streamFrame) widths() (int, int) {
	idLen := sizeOf(uint64(f.streamID), 1, 2, 3, 4)
	offLen := 0
	if f.offset > 0 {
		offLen = sizeOf(f.offset, 2, 4, 8)
	}
	return idLen, offLen
}

func (f *streamFrame) encodedLen() int {
	idLen, offLen := f.widths()
	return 1 + idLen + offLen + 2 + len(f.data)
}

// encode always carries an explicit data length so frames can be packed.
func (f *streamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, newError(InternalError, "buffer too short for stream")
	}
	idLen, offLen := f.widths()
	typ := byte(frameTypeStream) | streamFlagDataLength | byte(idLen-1)
	switch offLen {
	case 2:
		typ |= 1 << 2
	case 4:
		typ |= 2 << 2
	case 8:
		typ |= 3 << 2
	}
	if f.fin {
		typ |= streamFlagFin
	}
	i := 0
	b[i] = typ
	i++
	i += putN(b[i:], uint64(f.streamID), idLen)
	if offLen > 0 {
		i += putN(b[i:], f.offset, offLen)
	}
	put16(b[i:], uint64(len(f.data)))
	i += 2
	i += copy(b[i:], f.data)
	return i, nil
}

func (f *streamFrame) decode(b []byte) (int, error) {
	typ := b[0]
	f.fin = typ&streamFlagFin != 0
	idLen := int(typ&0x03) + 1
	offLen := 0
	switch (typ >> 2) & 0x03 {
	case 1:
		offLen = 2
	case 2:
		offLen = 4
	case 3:
		offLen = 8
	}
	i := 1
	v, n := getN(b[i:], idLen)
	if n == 0 {
		return 0, newError(InvalidFrameData, "stream too short")
	}
	f.streamID = uint32(v)
	i += n
	f.offset = 0
	if offLen > 0 {
		v, n = getN(b[i:], offLen)
		if n == 0 {
			return 0, newError(InvalidFrameData, "stream too short")
		}
		f.offset = v
		i += n
	}
	if typ&streamFlagDataLength != 0 {
		if len(b) < i+2 {
			return 0, newError(InvalidFrameData, "stream too short")
		}
		length := int(get16(b[i:]))
		i += 2
		if len(b) < i+length {
			return 0, newError(InvalidFrameData, "stream data length exceeds buffer")
		}
		f.data = b[i : i+length]
		i += length
	} else {
		f.data = b[i:]
		i = len(b)
	}
	return i, nil
}

func (f *streamFrame) String() string {
	return fmt.Sprintf("stream{id=%d off=%d len=%d fin=%v}", f.streamID, f.offset, len(f.data), f.fin)
}

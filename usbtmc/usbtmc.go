/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices.  This is a 'minimum viable product' for the bulk
transfer mode used by Thorlabs PM16-series power meters and similar
command/response instruments.

It does not, for example, include features to support multi-packet
messaging, and thus assumes your data fits in the remote's buffer.

The Device type satisfies io.ReadWriteCloser: writes are framed as
DEV_DEP_MSG_OUT transfers, and each read issues a REQUEST_DEV_DEP_MSG_IN
then strips the 12-byte header off the reply.  Both directions are bounded
by a fixed timeout so the device can sit behind a comm.Pool.

For hosts where the kernel usbtmc class driver has already claimed the
instrument, FileDevice speaks through /dev/usbtmcN instead; the kernel does
the framing and applies its own timeout.
*/
package usbtmc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	// reserved is the byte inserted in unused header offsets
	reserved = 0x00

	// headerLen is the length of a bulk transfer header, USBTMC std. Table 1
	headerLen = 12

	// msgDevDepOut and msgReqDevDepIn are the MsgID values for host->device
	// data and a device->host read request, USBTMC std. Table 2
	msgDevDepOut   = 0x01
	msgReqDevDepIn = 0x02

	// bufSize is the receive buffer size.  1 TCP MTU, not even related to
	// USB, but larger than any reply the meter produces
	bufSize = 1500
)

// bTagGen is a concurrent-safe bTag generator.  bTags identify transfers and
// must be nonzero and incrementing per the standard.
type bTagGen struct {
	sync.Mutex

	value byte
}

func (b *bTagGen) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a bTag, per USBTMC standard
// table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [headerLen]byte {
	out := [headerLen]byte{}
	/* data map by offset:
	0 MsgID
	1 bTag, a single byte 1 <= x <= 255, unique and incrementing per message
	2 bTagInverse, the bitwise inverse of bTag
	3 Reserved
	4-7 transferSize, message data bytes exclusive of header and alignment,
	    LSB first, > 0
	8 bitmap, bit 0 EOM; 1 => last message in the stream
	9-11 reserved
	*/
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // single-transfer messages are always end of message
	out[9] = reserved
	out[10] = reserved
	out[11] = reserved
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and clears the term-enable bit
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerLen]byte {
	out := [headerLen]byte{}
	/* differs from the bulk out header in bytes 8~11:
	8 bitmap, bit 1 termination character enabled
	9 terminator byte
	10~11 reserved
	*/
	out[0] = msgReqDevDepIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	} else {
		out[8] = 0x00
		out[9] = 0x00
	}
	out[10] = reserved
	out[11] = reserved
	return out
}

// frameOut wraps a payload in a bulk out header and pads the total
// transmission to a multiple of 4 bytes
func frameOut(tag byte, p []byte) []byte {
	const alignment = 4
	hdr := encBulkOutHeader(tag, len(p))
	buf := append(hdr[:], p...)
	if residual := len(buf) % alignment; residual > 0 {
		padding := make([]byte, alignment-residual)
		buf = append(buf, padding...)
	}
	return buf
}

// Device is a USBTMC instrument exposed as an io.ReadWriteCloser.  It is not
// safe for concurrent use; serialize access with a comm.Pool of size one.
type Device struct {
	tagger  bTagGen
	timeout time.Duration
	ctx     *gousb.Context
	device  *gousb.Device
	iface   *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	done    func()
	closed  bool
}

// NewDevice opens the first USB device matching the vendor and product ID
// and claims its default interface.  timeout bounds each bulk transfer.
func NewDevice(vid, pid uint16, timeout time.Duration) (*Device, error) {
	d := &Device{timeout: timeout}
	d.ctx = gousb.NewContext()
	var err error
	d.device, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		d.ctx.Close()
		return nil, err
	}
	if d.device == nil {
		d.ctx.Close()
		return nil, fmt.Errorf("no USB device found with VID:PID %04x:%04x", vid, pid)
	}
	err = d.device.SetAutoDetach(true)
	if err != nil {
		d.device.Close()
		d.ctx.Close()
		return nil, err
	}
	d.iface, d.done, err = d.device.DefaultInterface()
	if err != nil {
		d.device.Close()
		d.ctx.Close()
		return nil, err
	}
	d.in, err = d.iface.InEndpoint(2)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.out, err = d.iface.OutEndpoint(2)
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Write sends p to the device as a single DEV_DEP_MSG_OUT transfer.
func (d *Device) Write(p []byte) (int, error) {
	buf := frameOut(d.tagger.next(), p)
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	_, err := d.out.WriteContext(ctx, buf)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read requests a device-dependent message and copies its payload into p.
// Replies are newline terminated per the meter's command set.
func (d *Device) Read(p []byte) (int, error) {
	term := byte('\n')
	hdr := encBulkInHeader(d.tagger.next(), bufSize, &term)
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	n, err := d.out.WriteContext(ctx, hdr[:])
	if err != nil {
		return 0, err
	}
	if n < headerLen {
		return 0, fmt.Errorf("wrote %d bytes, not full %d required to transmit read request", n, headerLen)
	}
	buf := make([]byte, bufSize)
	n, err = d.in.ReadContext(ctx, buf)
	if err != nil {
		return 0, err
	}
	if n < headerLen {
		return 0, fmt.Errorf("only received %d bytes, need at least %d to form header", n, headerLen)
	}
	payload := buf[headerLen:n]
	// the transferSize field bounds the payload; anything past it is alignment
	if size := binary.LittleEndian.Uint32(buf[4:8]); int(size) < len(payload) {
		payload = payload[:size]
	}
	if len(payload) > len(p) {
		return copy(p, payload), io.ErrShortBuffer
	}
	return copy(p, payload), nil
}

// Close releases the interface and the USB claim.  It is idempotent.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.done != nil {
		d.done()
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	if d.ctx != nil {
		e := d.ctx.Close()
		if err == nil {
			err = e
		}
	}
	return err
}

// ConnMaker returns a connection maker for a comm.Pool which opens the
// device by VID and PID.
func ConnMaker(vid, pid uint16, timeout time.Duration) func() (io.ReadWriteCloser, error) {
	return func() (io.ReadWriteCloser, error) {
		return NewDevice(vid, pid, timeout)
	}
}

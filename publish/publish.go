/*Package publish forwards readings to subscribers over a ZeroMQ PUB socket.

Each reading becomes one two-frame message: the topic, then a JSON body

	{"power_mw": 1.234, "wavelength_nm": 780, "time": "..."}

The shape is stable; subscribers filter on the topic prefix.  Sends are
non-blocking: if the socket's high water mark is reached the message is
dropped rather than stalling the polling loop, and the next reading is
unaffected.
*/
package publish

import (
	"encoding/json"
	"syscall"

	"github.com/pebbe/zmq4"

	"github.com/photonlab/pmmon/monitor"
)

// DefaultAddr is where the publisher binds if not configured otherwise.
const DefaultAddr = "tcp://*:5556"

// DefaultTopic is the topic frame subscribers filter on.
const DefaultTopic = "power_meter"

// ZMQ is a monitor.Publisher backed by a ZeroMQ PUB socket.
type ZMQ struct {
	ctx    *zmq4.Context
	socket *zmq4.Socket
	topic  string
	addr   string
}

// NewZMQ binds a PUB socket at addr publishing under topic.  Zero values
// select DefaultAddr and DefaultTopic.
func NewZMQ(addr, topic string) (*ZMQ, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	if topic == "" {
		topic = DefaultTopic
	}
	ctx, err := zmq4.NewContext()
	if err != nil {
		return nil, err
	}
	socket, err := ctx.NewSocket(zmq4.PUB)
	if err != nil {
		ctx.Term()
		return nil, err
	}
	// undelivered messages are dropped at close, same policy as a full
	// send queue
	socket.SetLinger(0)
	err = socket.Bind(addr)
	if err != nil {
		socket.Close()
		ctx.Term()
		return nil, err
	}
	last, err := socket.GetLastEndpoint()
	if err != nil {
		last = addr
	}
	return &ZMQ{ctx: ctx, socket: socket, topic: topic, addr: last}, nil
}

// Addr returns the endpoint the socket is bound at.  When the configured
// address carries a wildcard port, this is the resolved endpoint.
func (z *ZMQ) Addr() string {
	return z.addr
}

// Publish sends one reading, fire and forget.  A full send queue drops the
// message and returns nil; there are no delivery guarantees to keep.
func (z *ZMQ) Publish(r monitor.Reading) error {
	body, err := encode(r)
	if err != nil {
		return err
	}
	_, err = z.socket.SendBytes([]byte(z.topic), zmq4.SNDMORE|zmq4.DONTWAIT)
	if err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			return nil
		}
		return err
	}
	_, err = z.socket.SendBytes(body, zmq4.DONTWAIT)
	if err != nil && zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
		return nil
	}
	return err
}

// Close releases the socket and context.
func (z *ZMQ) Close() error {
	err := z.socket.Close()
	e := z.ctx.Term()
	if err == nil {
		err = e
	}
	return err
}

// encode renders the reading to its wire shape.
func encode(r monitor.Reading) ([]byte, error) {
	return json.Marshal(r)
}

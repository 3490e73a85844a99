package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: the same message always yields the
	// same bytes, which keeps golden tests stable.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// ErrUnexpectedStatus is returned when a response carries a status the
// caller did not expect at that point of the conversation.
var ErrUnexpectedStatus = errors.New("protocol: unexpected response status")

// Conn frames messages over one direction pair of a byte channel. Each
// CBOR data item is self-delimiting, so one WriteMessage is one message
// and one ReadMessage consumes exactly one.
type Conn struct {
	enc *cbor.Encoder
	dec *cbor.Decoder
}

// NewConn wraps r for incoming and w for outgoing messages. Either may be
// nil when the Conn is used in one direction only.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{}
	if r != nil {
		c.dec = decMode.NewDecoder(r)
	}
	if w != nil {
		c.enc = encMode.NewEncoder(w)
	}
	return c
}

// WriteMessage encodes v as one message.
func (c *Conn) WriteMessage(v any) error {
	if c.enc == nil {
		return errors.New("protocol: connection is read-only")
	}
	if err := c.enc.Encode(v); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage decodes the next message into v. io.EOF is returned
// unwrapped when the peer closed the channel between messages.
func (c *Conn) ReadMessage(v any) error {
	if c.dec == nil {
		return errors.New("protocol: connection is write-only")
	}
	if err := c.dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read message: %w", err)
	}
	return nil
}

func (c *Conn) WriteRequest(r *Request) error { return c.WriteMessage(r) }

func (c *Conn) WriteResponse(r *Response) error { return c.WriteMessage(r) }

// ReadRequest reads and validates one request.
func (c *Conn) ReadRequest() (*Request, error) {
	var r Request
	if err := c.ReadMessage(&r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReadResponse reads one response and rejects an unset status.
func (c *Conn) ReadResponse() (*Response, error) {
	var r Response
	if err := c.ReadMessage(&r); err != nil {
		return nil, err
	}
	if r.Status == StatusUnknown {
		return nil, fmt.Errorf("%w: status unset", ErrUnexpectedStatus)
	}
	return &r, nil
}

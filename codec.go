package gearman

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

const headerSize = 12

var byteOrder binary.ByteOrder = binary.BigEndian

// Encode renders cmd into its bit-exact wire form: magic(4B) |
// type(uint32 BE) | dataLen(uint32 BE) | payload. The payload joins the
// schema's ordered fields with a single NUL separator; the trailing data
// field (if any) is appended raw, with no escaping of embedded NULs.
func (c *Command) Encode() ([]byte, error) {
	if !c.Magic.Valid() {
		return nil, newProtocolError("invalid magic %v", c.Magic)
	}
	if c.Type == nil {
		return nil, newProtocolError("command has no type")
	}

	var body bytes.Buffer
	fields := c.Type.Schema
	for i, field := range fields {
		if i > 0 {
			body.WriteByte(0)
		}
		if field.IsData {
			body.Write(c.Data)
		} else {
			val, ok := c.Args[field.Name]
			if !ok {
				return nil, newProtocolError("missing field %q for %s: refuses to emit a partial frame", field.Name, c.Type.Name)
			}
			body.WriteString(val)
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+body.Len()))
	buf.WriteString(c.Magic.String())
	if err := binary.Write(buf, byteOrder, uint32(c.Type.Code)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, byteOrder, uint32(body.Len())); err != nil {
		return nil, err
	}
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// WriteTo encodes and writes cmd to w.
func (c *Command) WriteTo(w io.Writer) (int64, error) {
	payload, err := c.Encode()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(payload)
	return int64(n), err
}

// Decode reads exactly one frame from r and parses it against catalog.
//
// It validates the magic and looks up the type by code before touching the
// payload; either failure is a *Error of KindProtocol and the caller
// should close the connection. It then splits the payload into the type's
// schema field count, leaving the final (data) field intact with any
// embedded NULs preserved.
func Decode(r *bufio.Reader, catalog *Catalog) (*Command, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var magic Magic
	switch string(header[:4]) {
	case magicReqValue:
		magic = MagicReq
	case magicResValue:
		magic = MagicRes
	default:
		return nil, newProtocolError("invalid magic bytes %q", header[:4])
	}

	code := PacketType(byteOrder.Uint32(header[4:8]))
	bodyLen := byteOrder.Uint32(header[8:12])

	t, ok := catalog.LookupCode(code)
	if !ok {
		if bodyLen > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(bodyLen)); err != nil {
				return nil, err
			}
		}
		return nil, newProtocolError("unknown command code %d", code)
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	cmd, err := splitPayload(t, magic, body)
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func splitPayload(t *CommandType, magic Magic, body []byte) (*Command, error) {
	n := len(t.Schema)
	if n == 0 {
		if len(body) != 0 {
			return nil, newProtocolError("%s expects an empty payload, got %d bytes", t.Name, len(body))
		}
		return &Command{Magic: magic, Type: t, Args: map[string]string{}}, nil
	}

	parts := bytes.SplitN(body, []byte{0}, n)
	if len(parts) < n {
		return nil, newProtocolError("%s expects %d fields, got %d", t.Name, n, len(parts))
	}

	args := make(map[string]string, n)
	var data []byte
	for i, field := range t.Schema {
		if field.IsData {
			data = parts[i]
		} else {
			args[field.Name] = string(parts[i])
		}
	}
	return &Command{Magic: magic, Type: t, Args: args, Data: data}, nil
}

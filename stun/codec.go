package stun

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// fingerprintXOR is the constant RFC 5389 §15.5 requires FINGERPRINT's
// CRC-32 be XORed with, so a packet capture tool can distinguish a STUN
// FINGERPRINT from an unrelated CRC-32 appearing at the same offset.
const fingerprintXOR = 0x5354554e

// Encoder turns a Message into wire bytes. The UDP and TCP transports
// encode through this interface rather than through Codec, so a caller
// may swap in a different codec (e.g. one that also emits
// MESSAGE-INTEGRITY) via their WithCodec/WithTCPCodec options without
// touching the transaction layer.
type Encoder interface {
	Encode(m *Message) ([]byte, error)
}

// Decoder turns wire bytes into a Message. A malformed message yields a
// DecodeError; a well-formed message with attributes this decoder's
// catalog does not recognize still decodes successfully, with the
// unrecognized comprehension-required types recorded in
// Message.UnknownAttributes (the Server maps that to a 420, per §4.5).
type Decoder interface {
	Decode(data []byte) (*Message, error)
}

// DecodeError reports that inbound bytes did not parse as a STUN message.
// Per §7, a DecodeError on a byte stream arriving from a known peer lets
// the channel answer with 400 when the class can still be determined. If
// the fixed header parsed (HasHeader), Class/Method/TransactionID are the
// values read from it and a caller may still build a matching 400
// ErrorResponse; a failure in the header checks themselves (too short,
// bad magic cookie, bad length) leaves nothing to answer with.
type DecodeError struct {
	Reason string

	HasHeader     bool
	Class         Class
	Method        Method
	TransactionID TransactionID
}

func (e *DecodeError) Error() string { return "stun: decode: " + e.Reason }

// Codec is the default Encoder/Decoder implementing the wire format of
// SPEC_FULL.md §6.1.
type Codec struct {
	// VerifyFingerprint, when true, rejects an inbound message whose
	// trailing FINGERPRINT attribute does not match the computed CRC-32.
	VerifyFingerprint bool
}

var _ Encoder = (*Codec)(nil)
var _ Decoder = (*Codec)(nil)

// Encode serializes m into a length-prefixed STUN message. Attributes are
// emitted in the order given, each padded to a 4-byte boundary per §18.2.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	body := make([]byte, 0, 64)
	for _, attr := range m.Attributes {
		body = encodeAttr(body, attr, m.TransactionID)
	}

	header := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(header[0:2], encodedMethodField(m.Class, m.Method))
	binary.BigEndian.PutUint16(header[2:4], uint16(len(body)))
	binary.BigEndian.PutUint32(header[4:8], MagicCookie)
	copy(header[8:20], m.TransactionID[:])

	return append(header, body...), nil
}

func encodeAttr(buf []byte, attr Attribute, txID TransactionID) []byte {
	head := make([]byte, 4)
	binary.BigEndian.PutUint16(head[0:2], uint16(attr.Type()))
	start := len(buf) + 4
	buf = append(buf, head...)
	buf = attr.encode(buf, txID)
	valLen := len(buf) - start
	binary.BigEndian.PutUint16(buf[start-2:start], uint16(valLen))
	if pad := (4 - valLen%4) % 4; pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	return buf
}

// Decode parses data as a single STUN message. Per §6, datagrams or TCP
// frames exceeding the declared length are an error; on UDP any trailing
// bytes beyond a single message are also rejected since one datagram must
// equal one message.
func (c *Codec) Decode(data []byte) (*Message, error) {
	if len(data) < HeaderLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("message too short: %d bytes", len(data))}
	}
	field := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != MagicCookie {
		return nil, &DecodeError{Reason: "bad magic cookie"}
	}
	if int(length)+HeaderLen != len(data) {
		return nil, &DecodeError{Reason: fmt.Sprintf("length field %d does not match body size %d", length, len(data)-HeaderLen)}
	}

	class, method := decodeMethodField(field)
	m := &Message{Class: class, Method: method}
	copy(m.TransactionID[:], data[8:20])

	headerErr := func(reason string) *DecodeError {
		return &DecodeError{
			Reason:        reason,
			HasHeader:     true,
			Class:         class,
			Method:        method,
			TransactionID: m.TransactionID,
		}
	}

	body := data[HeaderLen:]
	var unknown []AttrType
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, headerErr("truncated attribute header")
		}
		attrType := AttrType(binary.BigEndian.Uint16(body[0:2]))
		attrLen := int(binary.BigEndian.Uint16(body[2:4]))
		padded := attrLen + (4-attrLen%4)%4
		if len(body) < 4+padded {
			return nil, headerErr("truncated attribute value")
		}
		value := body[4 : 4+attrLen]

		attr, known, err := decodeAttr(attrType, value, m.TransactionID)
		if err != nil {
			return nil, headerErr(err.Error())
		}
		if !known {
			if attrType.comprehensionRequired() {
				unknown = append(unknown, attrType)
			}
			attr = RawAttr{AttrT: attrType, Value: append([]byte(nil), value...)}
		}
		if attrType == AttrFingerprint && c.VerifyFingerprint {
			if err := verifyFingerprint(data, body, attr); err != nil {
				return nil, headerErr(err.Error())
			}
		}
		m.Attributes = append(m.Attributes, attr)
		body = body[4+padded:]
	}
	m.UnknownAttributes = unknown
	return m, nil
}

func decodeAttr(t AttrType, value []byte, txID TransactionID) (Attribute, bool, error) {
	switch t {
	case AttrXORMappedAddress:
		a, err := decodeXORMappedAddress(value, txID)
		return a, true, err
	case AttrErrorCode:
		a, err := decodeErrorCode(value)
		return a, true, err
	case AttrUnknownAttributes:
		a, err := decodeUnknownAttributes(value)
		return a, true, err
	case AttrSoftware:
		return decodeSoftware(value), true, nil
	case AttrFingerprint:
		if len(value) != 4 {
			return nil, true, fmt.Errorf("FINGERPRINT wrong length")
		}
		return FingerprintAttr{CRC32: binary.BigEndian.Uint32(value)}, true, nil
	default:
		return nil, false, nil
	}
}

func verifyFingerprint(full, bodyAtFingerprint []byte, attr Attribute) error {
	fp, ok := attr.(FingerprintAttr)
	if !ok {
		return nil
	}
	// The CRC covers everything up to, but excluding, the FINGERPRINT
	// attribute itself (its 4-byte TLV header included), per RFC 5389
	// §15.5.
	prefixLen := len(full) - len(bodyAtFingerprint)
	covered := full[:prefixLen]
	want := crc32.ChecksumIEEE(covered) ^ fingerprintXOR
	if want != fp.CRC32 {
		return fmt.Errorf("FINGERPRINT mismatch: got 0x%08x want 0x%08x", fp.CRC32, want)
	}
	return nil
}

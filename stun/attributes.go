package stun

import (
	"encoding/binary"
	"fmt"
	"net"
)

// AttrType is the 16-bit attribute type field of a STUN TLV.
type AttrType uint16

// Comprehension-required range is 0x0000-0x7FFF per RFC 5389 §18.2; the
// catalog below covers what the transaction layer and BindingHandler need.
const (
	AttrXORMappedAddress  AttrType = 0x0020
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrSoftware          AttrType = 0x8022 // comprehension-optional (high bit set)
	AttrFingerprint       AttrType = 0x8028 // comprehension-optional
)

func (t AttrType) comprehensionRequired() bool {
	return t&0x8000 == 0
}

func (t AttrType) String() string {
	switch t {
	case AttrXORMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrUnknownAttributes:
		return "UNKNOWN-ATTRIBUTES"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrFingerprint:
		return "FINGERPRINT"
	default:
		return fmt.Sprintf("0x%04x", uint16(t))
	}
}

// Attribute is a single decoded or to-be-encoded STUN TLV value.
type Attribute interface {
	Type() AttrType
	// encode appends this attribute's value bytes (unpadded) to buf.
	encode(buf []byte, txID TransactionID) []byte
}

// RawAttr is an attribute whose value this package's catalog does not
// interpret; it is preserved byte-for-byte so callers building their own
// higher-level protocols (TURN, ICE) on top can define their own types.
type RawAttr struct {
	AttrT AttrType
	Value []byte
}

func (a RawAttr) Type() AttrType { return a.AttrT }
func (a RawAttr) encode(buf []byte, _ TransactionID) []byte {
	return append(buf, a.Value...)
}

// XORMappedAddressAttr carries the reflexive transport address, XORed
// against the magic cookie and transaction id per RFC 5389 §15.2.
type XORMappedAddressAttr struct {
	IP   net.IP
	Port int
}

func (a XORMappedAddressAttr) Type() AttrType { return AttrXORMappedAddress }

func (a XORMappedAddressAttr) encode(buf []byte, txID TransactionID) []byte {
	ip4 := a.IP.To4()
	family := byte(0x01)
	var xored []byte
	if ip4 == nil {
		family = 0x02
		ip16 := a.IP.To16()
		xored = make([]byte, 16)
		cookieAndTx := append(cookieBytes(), txID[:]...)
		for i := range xored {
			xored[i] = ip16[i] ^ cookieAndTx[i]
		}
	} else {
		xored = make([]byte, 4)
		cb := cookieBytes()
		for i := range xored {
			xored[i] = ip4[i] ^ cb[i]
		}
	}

	xport := uint16(a.Port) ^ uint16(MagicCookie>>16)

	out := make([]byte, 4+len(xored))
	out[0] = 0x00
	out[1] = family
	binary.BigEndian.PutUint16(out[2:4], xport)
	copy(out[4:], xored)
	return append(buf, out...)
}

func cookieBytes() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, MagicCookie)
	return b
}

func decodeXORMappedAddress(value []byte, txID TransactionID) (XORMappedAddressAttr, error) {
	if len(value) < 4 {
		return XORMappedAddressAttr{}, fmt.Errorf("stun: XOR-MAPPED-ADDRESS too short")
	}
	family := value[1]
	xport := binary.BigEndian.Uint16(value[2:4])
	port := int(xport ^ uint16(MagicCookie>>16))

	switch family {
	case 0x01:
		if len(value) < 8 {
			return XORMappedAddressAttr{}, fmt.Errorf("stun: XOR-MAPPED-ADDRESS IPv4 too short")
		}
		cb := cookieBytes()
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cb[i]
		}
		return XORMappedAddressAttr{IP: ip, Port: port}, nil
	case 0x02:
		if len(value) < 20 {
			return XORMappedAddressAttr{}, fmt.Errorf("stun: XOR-MAPPED-ADDRESS IPv6 too short")
		}
		cookieAndTx := append(cookieBytes(), txID[:]...)
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = value[4+i] ^ cookieAndTx[i]
		}
		return XORMappedAddressAttr{IP: ip, Port: port}, nil
	default:
		return XORMappedAddressAttr{}, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

// ErrorCodeAttr carries a STUN error class/number and human-readable
// reason phrase, per RFC 5389 §15.6.
type ErrorCodeAttr struct {
	Code   int // e.g. 420
	Reason string
}

func (a ErrorCodeAttr) Type() AttrType { return AttrErrorCode }

func (a ErrorCodeAttr) encode(buf []byte, _ TransactionID) []byte {
	class := byte(a.Code / 100)
	number := byte(a.Code % 100)
	out := make([]byte, 4+len(a.Reason))
	out[2] = class & 0x07
	out[3] = number
	copy(out[4:], a.Reason)
	return append(buf, out...)
}

func decodeErrorCode(value []byte) (ErrorCodeAttr, error) {
	if len(value) < 4 {
		return ErrorCodeAttr{}, fmt.Errorf("stun: ERROR-CODE too short")
	}
	class := int(value[2] & 0x07)
	number := int(value[3])
	return ErrorCodeAttr{Code: class*100 + number, Reason: string(value[4:])}, nil
}

// UnknownAttributesAttr lists the comprehension-required attribute types a
// request contained that the responder did not understand, per §4.5/RFC
// 5389 §7.3.1.
type UnknownAttributesAttr struct {
	Types []AttrType
}

func (a UnknownAttributesAttr) Type() AttrType { return AttrUnknownAttributes }

func (a UnknownAttributesAttr) encode(buf []byte, _ TransactionID) []byte {
	out := make([]byte, 2*len(a.Types))
	for i, t := range a.Types {
		binary.BigEndian.PutUint16(out[i*2:i*2+2], uint16(t))
	}
	return append(buf, out...)
}

func decodeUnknownAttributes(value []byte) (UnknownAttributesAttr, error) {
	if len(value)%2 != 0 {
		return UnknownAttributesAttr{}, fmt.Errorf("stun: UNKNOWN-ATTRIBUTES odd length")
	}
	types := make([]AttrType, 0, len(value)/2)
	for i := 0; i < len(value); i += 2 {
		types = append(types, AttrType(binary.BigEndian.Uint16(value[i:i+2])))
	}
	return UnknownAttributesAttr{Types: types}, nil
}

// SoftwareAttr is the optional textual implementation identifier of §15.10.
// Not part of the minimal attribute catalog the base spec enumerates, but
// carried because real STUN stacks stamp it on every response.
type SoftwareAttr struct {
	Name string
}

func (a SoftwareAttr) Type() AttrType { return AttrSoftware }

func (a SoftwareAttr) encode(buf []byte, _ TransactionID) []byte {
	return append(buf, []byte(a.Name)...)
}

func decodeSoftware(value []byte) SoftwareAttr {
	return SoftwareAttr{Name: string(value)}
}

// FingerprintAttr is the CRC-32 checksum of §8's "attribute placement" and
// §15.5: XORed with 0x5354554e and placed as the last attribute so a
// receiver can validate the message was not truncated/corrupted in transit.
type FingerprintAttr struct {
	CRC32 uint32
}

func (a FingerprintAttr) Type() AttrType { return AttrFingerprint }

func (a FingerprintAttr) encode(buf []byte, _ TransactionID) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, a.CRC32)
	return append(buf, out...)
}

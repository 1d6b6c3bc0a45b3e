package stun

import (
	"encoding/binary"
	"hash/crc32"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripBindingRequest(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)

	c := &Codec{}
	data, err := c.Encode(req)
	require.NoError(t, err)
	require.Len(t, data, HeaderLen)

	got, err := c.Decode(data)
	require.NoError(t, err)
	require.Equal(t, ClassRequest, got.Class)
	require.Equal(t, MethodBinding, got.Method)
	require.Equal(t, req.TransactionID, got.TransactionID)
	require.Empty(t, got.UnknownAttributes)
}

func TestCodecXORMappedAddressRoundTrip(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	resp := NewSuccessResponse(req, XORMappedAddressAttr{IP: net.ParseIP("203.0.113.5"), Port: 54321})

	c := &Codec{}
	data, err := c.Encode(resp)
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	attr, ok := got.Attr(AttrXORMappedAddress)
	require.True(t, ok)
	xma := attr.(XORMappedAddressAttr)
	require.Equal(t, 54321, xma.Port)
	require.Equal(t, "203.0.113.5", xma.IP.String())
}

func TestCodecUnknownComprehensionRequiredAttribute(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	req.Attributes = append(req.Attributes, RawAttr{AttrT: 0x0001, Value: []byte{0xAA, 0xBB}})

	c := &Codec{}
	data, err := c.Encode(req)
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	require.Equal(t, []AttrType{0x0001}, got.UnknownAttributes)
}

func TestCodecRejectsLengthMismatch(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	c := &Codec{}
	data, err := c.Encode(req)
	require.NoError(t, err)

	data = append(data, 0, 0, 0, 0) // trailing garbage not reflected in length field
	_, err = c.Decode(data)
	require.Error(t, err)
}

func TestCodecRejectsBadMagicCookie(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	c := &Codec{}
	data, err := c.Encode(req)
	require.NoError(t, err)
	data[4] = 0x00

	_, err = c.Decode(data)
	require.Error(t, err)
}

func TestFingerprintVerification(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	withFP := &Message{Class: req.Class, Method: req.Method, TransactionID: req.TransactionID,
		Attributes: append(req.Attributes, FingerprintAttr{CRC32: 0})}

	c := &Codec{}
	data, err := c.Encode(withFP)
	require.NoError(t, err)

	// FINGERPRINT's own TLV (4-byte attribute header + 4-byte CRC value)
	// is excluded from the covered range per RFC 5389 §15.5.
	crc := crc32.ChecksumIEEE(data[:len(data)-8]) ^ fingerprintXOR
	binary.BigEndian.PutUint32(data[len(data)-4:], crc)

	verifying := &Codec{VerifyFingerprint: true}
	_, err = verifying.Decode(data)
	require.NoError(t, err)

	data[len(data)-1] ^= 0xFF
	_, err = verifying.Decode(data)
	require.Error(t, err)
}

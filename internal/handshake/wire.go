package handshake

import (
	"encoding/binary"
	"fmt"
)

// The three handshake steps are each carried as one KindHandshake frame.
// Step 1 (initiator -> responder): raw ephemeral public key, 32 bytes.
// Step 2 (responder -> initiator): raw ephemeral public key (32 bytes),
//   then two length-prefixed fields: the responder's encrypted static key
//   and its proof-of-possession blob.
// Step 3 (initiator -> responder): two length-prefixed fields: the
//   initiator's encrypted static key and its proof-of-possession blob.

func putField(buf []byte, field []byte) []byte {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(field)))
	buf = append(buf, length[:]...)
	return append(buf, field...)
}

func takeField(payload []byte) (field []byte, rest []byte, err error) {
	if len(payload) < 2 {
		return nil, nil, fmt.Errorf("handshake frame truncated before length prefix")
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	payload = payload[2:]
	if len(payload) < n {
		return nil, nil, fmt.Errorf("handshake frame truncated field body")
	}
	return payload[:n], payload[n:], nil
}

func encodeStep1(ephemeralPub []byte) []byte {
	return append([]byte{}, ephemeralPub...)
}

func decodeStep1(payload []byte) (ephemeralPub []byte, err error) {
	if len(payload) != 32 {
		return nil, fmt.Errorf("handshake step 1: expected 32-byte ephemeral key, got %d", len(payload))
	}
	return payload, nil
}

func encodeStep2(ephemeralPub, encStatic, proof []byte) []byte {
	buf := append([]byte{}, ephemeralPub...)
	buf = putField(buf, encStatic)
	buf = putField(buf, proof)
	return buf
}

func decodeStep2(payload []byte) (ephemeralPub, encStatic, proof []byte, err error) {
	if len(payload) < 32 {
		return nil, nil, nil, fmt.Errorf("handshake step 2: truncated before ephemeral key")
	}
	ephemeralPub, rest := payload[:32], payload[32:]
	encStatic, rest, err = takeField(rest)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("handshake step 2: %w", err)
	}
	proof, _, err = takeField(rest)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("handshake step 2: %w", err)
	}
	return ephemeralPub, encStatic, proof, nil
}

func encodeStep3(encStatic, proof []byte) []byte {
	buf := putField(nil, encStatic)
	buf = putField(buf, proof)
	return buf
}

func decodeStep3(payload []byte) (encStatic, proof []byte, err error) {
	encStatic, rest, err := takeField(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake step 3: %w", err)
	}
	proof, _, err = takeField(rest)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake step 3: %w", err)
	}
	return encStatic, proof, nil
}

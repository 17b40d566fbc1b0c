// Package wire decodes and encodes the handshake and response payloads
// of spec §6 ("External interfaces"). Frames are length-prefixed binary,
// in the teacher's spirit of a small hand-rolled codec over the wire
// rather than a general-purpose serialization library (wire.go) — here
// the payload is fixed-shape enough that a protobuf/flatbuffers
// dependency would add ceremony without benefit.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"

	"github.com/vpnhood/vpnhood-go/internal/session"
)

// ReadHello decodes one Hello request from r:
//
//	client_id            16 bytes
//	token_id              16 bytes
//	encrypted_client_id   16 bytes
//	user_token_len         4 bytes (big-endian uint32)
//	user_token             variable
func ReadHello(r io.Reader) (session.HelloRequest, error) {
	var hello session.HelloRequest

	fixed := make([]byte, 16+16+16+4)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return hello, err
	}

	clientID, err := uuid.FromBytes(fixed[0:16])
	if err != nil {
		return hello, err
	}
	tokenID, err := uuid.FromBytes(fixed[16:32])
	if err != nil {
		return hello, err
	}
	copy(hello.EncryptedClientID[:], fixed[32:48])
	tokenLen := binary.BigEndian.Uint32(fixed[48:52])

	hello.ClientID = clientID
	hello.TokenID = tokenID

	if tokenLen > 0 {
		hello.UserToken = make([]byte, tokenLen)
		if _, err := io.ReadFull(r, hello.UserToken); err != nil {
			return hello, err
		}
	}
	return hello, nil
}

// WriteHello encodes a Hello request in the format ReadHello expects.
func WriteHello(w io.Writer, hello session.HelloRequest) error {
	buf := make([]byte, 0, 16+16+16+4+len(hello.UserToken))
	clientBytes, _ := hello.ClientID.MarshalBinary()
	tokenBytes, _ := hello.TokenID.MarshalBinary()
	buf = append(buf, clientBytes...)
	buf = append(buf, tokenBytes...)
	buf = append(buf, hello.EncryptedClientID[:]...)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(hello.UserToken)))
	buf = append(buf, lenBuf...)
	buf = append(buf, hello.UserToken...)

	_, err := w.Write(buf)
	return err
}

// Response is the wire form of a session response (spec §6).
type Response struct {
	Ok                   bool
	SessionID            uint64
	ResponseCode         session.ResponseCode
	AccessUsage          session.AccessUsage
	SuppressedBy         session.SuppressionKind
	SuppressedByClientID uuid.UUID
	HasSuppressor        bool
	Message              string
}

// WriteResponse encodes a Response:
//
//	ok                     1 byte  (0/1)
//	session_id             8 bytes (big-endian uint64, 0 if !ok)
//	response_code          4 bytes (big-endian int32)
//	sent                   8 bytes
//	received               8 bytes
//	has_suppressor         1 byte
//	suppressed_by          4 bytes
//	suppressed_by_clientid 16 bytes (zero if !has_suppressor)
//	message_len            4 bytes
//	message                variable
func WriteResponse(w io.Writer, resp Response) error {
	buf := make([]byte, 0, 64+len(resp.Message))

	if resp.Ok {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	sessionIDBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sessionIDBuf, resp.SessionID)
	buf = append(buf, sessionIDBuf...)

	codeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(codeBuf, uint32(resp.ResponseCode))
	buf = append(buf, codeBuf...)

	sentBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sentBuf, resp.AccessUsage.Sent)
	buf = append(buf, sentBuf...)

	receivedBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(receivedBuf, resp.AccessUsage.Received)
	buf = append(buf, receivedBuf...)

	if resp.HasSuppressor {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	suppressedByBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(suppressedByBuf, uint32(resp.SuppressedBy))
	buf = append(buf, suppressedByBuf...)

	if resp.HasSuppressor {
		suppressorBytes, _ := resp.SuppressedByClientID.MarshalBinary()
		buf = append(buf, suppressorBytes...)
	} else {
		buf = append(buf, make([]byte, 16)...)
	}

	msgLenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLenBuf, uint32(len(resp.Message)))
	buf = append(buf, msgLenBuf...)
	buf = append(buf, resp.Message...)

	_, err := w.Write(buf)
	return err
}

package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/vpnhood/vpnhood-go/internal/session"
)

func TestHello_RoundTrip(t *testing.T) {
	want := session.HelloRequest{
		ClientID:          uuid.New(),
		TokenID:           uuid.New(),
		EncryptedClientID: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		UserToken:         []byte("opaque-user-token"),
	}

	var buf bytes.Buffer
	if err := WriteHello(&buf, want); err != nil {
		t.Fatalf("WriteHello: %v", err)
	}

	got, err := ReadHello(&buf)
	if err != nil {
		t.Fatalf("ReadHello: %v", err)
	}
	if got.ClientID != want.ClientID || got.TokenID != want.TokenID {
		t.Fatalf("id mismatch: got %+v, want %+v", got, want)
	}
	if got.EncryptedClientID != want.EncryptedClientID {
		t.Errorf("encrypted_client_id mismatch: got %v, want %v", got.EncryptedClientID, want.EncryptedClientID)
	}
	if !bytes.Equal(got.UserToken, want.UserToken) {
		t.Errorf("user_token mismatch: got %q, want %q", got.UserToken, want.UserToken)
	}
}

func TestHello_NoUserToken(t *testing.T) {
	want := session.HelloRequest{ClientID: uuid.New(), TokenID: uuid.New()}

	var buf bytes.Buffer
	if err := WriteHello(&buf, want); err != nil {
		t.Fatalf("WriteHello: %v", err)
	}

	got, err := ReadHello(&buf)
	if err != nil {
		t.Fatalf("ReadHello: %v", err)
	}
	if len(got.UserToken) != 0 {
		t.Errorf("expected empty user token, got %q", got.UserToken)
	}
}

func TestHello_TruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHello(&buf, session.HelloRequest{ClientID: uuid.New(), TokenID: uuid.New()}); err != nil {
		t.Fatalf("WriteHello: %v", err)
	}

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-10])
	if _, err := ReadHello(truncated); err == nil {
		t.Fatal("expected an error reading a truncated frame")
	}
}

func TestWriteResponse_Ok(t *testing.T) {
	resp := Response{
		Ok:        true,
		SessionID: 42,
		AccessUsage: session.AccessUsage{
			Sent:     100,
			Received: 200,
		},
	}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	// ok(1) + session_id(8) + response_code(4) + sent(8) + received(8) +
	// has_suppressor(1) + suppressed_by(4) + suppressed_by_clientid(16) +
	// message_len(4) + message(0)
	wantLen := 1 + 8 + 4 + 8 + 8 + 1 + 4 + 16 + 4
	if buf.Len() != wantLen {
		t.Fatalf("unexpected encoded length: got %d, want %d", buf.Len(), wantLen)
	}
	if buf.Bytes()[0] != 1 {
		t.Errorf("expected ok byte 1, got %d", buf.Bytes()[0])
	}
}

func TestWriteResponse_Failure_WithSuppressor(t *testing.T) {
	suppressor := uuid.New()
	resp := Response{
		Ok:                   false,
		ResponseCode:         session.ResponseSessionClosed,
		Message:              "suppressed",
		HasSuppressor:        true,
		SuppressedBy:         session.SuppressedBySelf,
		SuppressedByClientID: suppressor,
	}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	if !bytes.Contains(buf.Bytes(), []byte("suppressed")) {
		t.Error("expected encoded message text in the frame")
	}
	suppressorBytes, _ := suppressor.MarshalBinary()
	if !bytes.Contains(buf.Bytes(), suppressorBytes) {
		t.Error("expected suppressor client id bytes in the frame")
	}
}

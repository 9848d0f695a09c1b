package bridge

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func strptr(s string) *string { return &s }

func TestClientMessage_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  ClientMessage
	}{
		{
			"connect with password",
			ClientMessage{
				Type: TypeConnect,
				Config: &ConnectConfig{
					Host:     "example.com",
					Username: "alice",
					Password: strptr("s3cret"),
				},
			},
		},
		{
			"connect with key and explicit port",
			ClientMessage{
				Type: TypeConnect,
				Cols: 120,
				Rows: 40,
				Config: &ConnectConfig{
					Host:       "example.com",
					Port:       2222,
					Username:   "alice",
					PrivateKey: strptr("-----BEGIN KEY-----"),
					Passphrase: "pp",
					Kind:       "docker",
				},
			},
		},
		{
			"command with empty string",
			ClientMessage{Type: TypeCommand, Command: strptr("")},
		},
		{
			"resize",
			ClientMessage{Type: TypeResize, Cols: 100, Rows: 30},
		},
		{
			"disconnect",
			ClientMessage{Type: TypeDisconnect},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := ParseClientMessage(data)
			if err != nil {
				t.Fatalf("ParseClientMessage(%s) error: %v", data, err)
			}
			if !reflect.DeepEqual(got, tc.msg) {
				t.Errorf("round trip changed the message:\n got %+v\nwant %+v", got, tc.msg)
			}
		})
	}
}

func TestClientMessage_OmitsAbsentFields(t *testing.T) {
	// Absent optional fields stay off the wire so a parse cannot invent
	// an empty config or command.
	data, err := json.Marshal(ClientMessage{Type: TypeDisconnect})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{"config", "command", "cols", "rows"} {
		if strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("serialized disconnect contains %q: %s", key, data)
		}
	}

	got, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("ParseClientMessage(%s) error: %v", data, err)
	}
	if got.Config != nil || got.Command != nil {
		t.Errorf("parse invented absent fields: %+v", got)
	}
}

package stratum

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "valid request",
			data: []byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0",null]}`),
			want: &Message{
				ID:     float64(1), // JSON numbers are parsed as float64
				Method: "mining.subscribe",
				Params: []any{"miner/1.0", nil},
			},
		},
		{
			name: "valid response",
			data: []byte(`{"id":1,"result":true,"error":null}`),
			want: &Message{
				ID:     float64(1),
				Result: true,
			},
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantKind  Kind
		wantErr   bool
		paramsErr bool
	}{
		{"subscribe", `{"id":1,"method":"mining.subscribe","params":["cgminer/4.10"]}`, KindSubscribe, false, false},
		{"subscribe without params", `{"id":1,"method":"mining.subscribe","params":[]}`, KindSubscribe, false, false},
		{"authorize", `{"id":2,"method":"mining.authorize","params":["addr.rig","x"]}`, KindAuthorize, false, false},
		{"authorize bad params", `{"id":2,"method":"mining.authorize","params":[42]}`, KindAuthorize, false, true},
		{"submit", `{"id":3,"method":"mining.submit","params":["u","1","00000000","6553f100","00000001"]}`, KindSubmit, false, false},
		{"submit short", `{"id":3,"method":"mining.submit","params":["u","1"]}`, KindSubmit, false, true},
		{"notify from client", `{"id":4,"method":"mining.notify","params":[]}`, KindNotify, false, false},
		{"set_difficulty from client", `{"id":5,"method":"mining.set_difficulty","params":[1]}`, KindSetDifficulty, false, false},
		{"extension", `{"id":6,"method":"mining.extranonce.subscribe","params":[]}`, KindUnknown, false, false},
		{"client response", `{"id":7,"result":true,"error":null}`, KindUnknown, true, false},
		{"garbage", `hello`, KindUnknown, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if req.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", req.Kind, tt.wantKind)
			}
			if (req.ParamsErr != nil) != tt.paramsErr {
				t.Errorf("ParamsErr = %v, want error %v", req.ParamsErr, tt.paramsErr)
			}
		})
	}
}

func TestEncodeLine(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want string
	}{
		{"result", NewResponse(float64(1), true), `{"id":1,"result":true,"error":null}`},
		{"error", NewErrorResponse(float64(2), ErrorUnauthorized, "Unauthorized worker"),
			`{"id":2,"result":null,"error":{"code":24,"message":"Unauthorized worker"}}`},
		{"notification", NewNotification(MethodSetDifficulty, []any{16}),
			`{"id":null,"method":"mining.set_difficulty","params":[16]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encodeLine(tt.msg)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.HasSuffix(string(data), "\n") {
				t.Fatalf("line %q not newline terminated", data)
			}
			if got := strings.TrimSuffix(string(data), "\n"); got != tt.want {
				t.Errorf("encodeLine() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseSubscribeRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *SubscribeRequest
		wantErr bool
	}{
		{"user agent only", []any{"miner/1.0"}, &SubscribeRequest{UserAgent: "miner/1.0"}, false},
		{"user agent and session", []any{"miner/1.0", "session123"}, &SubscribeRequest{UserAgent: "miner/1.0", SessionID: "session123"}, false},
		{"no parameters", []any{}, &SubscribeRequest{}, false},
		{"null user agent", []any{nil}, &SubscribeRequest{}, false},
		{"numeric user agent", []any{float64(1)}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubscribeRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubscribeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubscribeRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAuthorizeRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *AuthorizeRequest
		wantErr bool
	}{
		{"valid", []any{"username", "password"}, &AuthorizeRequest{Username: "username", Password: "password"}, false},
		{"no password", []any{"username"}, &AuthorizeRequest{Username: "username"}, false},
		{"no parameters", []any{}, nil, true},
		{"invalid username type", []any{123, "password"}, nil, true},
		{"invalid password type", []any{"username", 1.5}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthorizeRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAuthorizeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseAuthorizeRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSubmitRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *SubmitRequest
		wantErr bool
	}{
		{
			name:   "valid",
			params: []any{"username", "job1", "00000001", "5a54a978", "1a2b3c4d"},
			want: &SubmitRequest{
				Username:    "username",
				JobID:       "job1",
				ExtraNonce2: "00000001",
				NTime:       "5a54a978",
				Nonce:       "1a2b3c4d",
			},
		},
		{"insufficient parameters", []any{"username", "job1"}, nil, true},
		{"invalid parameter type", []any{123, "job1", "00000001", "5a54a978", "1a2b3c4d"}, nil, true},
		{"numeric nonce", []any{"username", "job1", "00000001", "5a54a978", float64(7)}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubmitRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubmitRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubmitRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	for method, want := range kindNames {
		if got := KindOf(method); got != want {
			t.Errorf("KindOf(%q) = %v, want %v", method, got, want)
		}
	}
	if KindOf("mining.configure") != KindUnknown {
		t.Error("unsupported method must map to KindUnknown")
	}
}

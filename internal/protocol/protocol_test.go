package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/inercia/fundchat/internal/conversation"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Event
		wantErr bool
	}{
		{
			name:  "user echo",
			input: `{"type":"stream","sender":"you","message":"hello"}`,
			want:  TurnStarted{Query: "hello"},
		},
		{
			name:  "bot chunk",
			input: `{"type":"stream","sender":"bot","message":"Hi"}`,
			want:  AnswerChunk{Text: "Hi"},
		},
		{
			name:  "chunk without sender",
			input: `{"type":"stream","message":" there"}`,
			want:  AnswerChunk{Text: " there"},
		},
		{
			name:  "citation",
			input: `{"type":"citation","sender":"bot","message":"[{\"query\":\"hello\"}]"}`,
			want:  CitationsAttached{Sources: []conversation.Citation{{"query": "hello"}}},
		},
		{
			name:  "empty citation array",
			input: `{"type":"citation","message":"[]"}`,
			want:  CitationsAttached{Sources: []conversation.Citation{}},
		},
		{
			name:  "end",
			input: `{"type":"end","sender":"bot"}`,
			want:  TurnCompleted{},
		},
		{
			name:  "start",
			input: `{"type":"start","sender":"bot"}`,
			want:  ResponseStarted{},
		},
		{
			name:  "error",
			input: `{"type":"error","sender":"bot","message":"Sorry, something went wrong. Try again."}`,
			want:  SessionFailed{Message: "Sorry, something went wrong. Try again."},
		},
		{
			name:  "auth error",
			input: `{"type":"error","message":"401"}`,
			want:  SessionFailed{Message: "401", AuthFailure: true},
		},
		{
			name:    "unknown type",
			input:   `{"type":"thought","message":"hmm"}`,
			wantErr: true,
		},
		{
			name:    "missing type",
			input:   `{"message":"hmm"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrDecode) {
					t.Errorf("error %v does not wrap ErrDecode", err)
				}
				if got != nil {
					t.Errorf("Decode() event = %#v, want nil", got)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecode_MalformedCitationDegrades(t *testing.T) {
	got, err := Decode([]byte(`{"type":"citation","message":"[{broken"}`))
	if err == nil {
		t.Fatal("expected a decode error")
	}

	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("error %T is not a *DecodeError", err)
	}
	if de.Type != FrameCitation {
		t.Errorf("DecodeError.Type = %q, want citation", de.Type)
	}

	ev, ok := got.(CitationsAttached)
	if !ok {
		t.Fatalf("event = %#v, want CitationsAttached", got)
	}
	if len(ev.Sources) != 0 {
		t.Errorf("degraded sources = %v, want none", ev.Sources)
	}
}

func TestEncodeHandshake(t *testing.T) {
	conv := conversation.Conversation{
		FundName:     "Alpha Fund",
		CollectionID: "col-1",
		Messages: []conversation.Turn{
			{Query: "q1", Response: "r1"},
			{Query: "q2", Response: "r2"},
		},
	}

	data, err := EncodeHandshake(NewHandshake("secret", conv))
	if err != nil {
		t.Fatalf("EncodeHandshake() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("handshake is not JSON: %v", err)
	}
	if decoded["bearer_token"] != "secret" {
		t.Errorf("bearer_token = %v", decoded["bearer_token"])
	}
	want := []any{[]any{"q1", "r1"}, []any{"q2", "r2"}}
	if !reflect.DeepEqual(decoded["history"], want) {
		t.Errorf("history = %v, want %v", decoded["history"], want)
	}
	if decoded["fund_name"] != "Alpha Fund" || decoded["session_id"] != "col-1" {
		t.Errorf("fund_name/session_id = %v/%v", decoded["fund_name"], decoded["session_id"])
	}
}

func TestEncodeHandshake_EmptyHistory(t *testing.T) {
	data, err := EncodeHandshake(Handshake{BearerToken: "t"})
	if err != nil {
		t.Fatalf("EncodeHandshake() error = %v", err)
	}
	if string(data) != `{"bearer_token":"t","history":[]}` {
		t.Errorf("handshake = %s", data)
	}
}

func TestEncodeQuery(t *testing.T) {
	if got := string(EncodeQuery(`what is "ESG"?`)); got != `what is "ESG"?` {
		t.Errorf("EncodeQuery() = %q", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	data, err := NewFrame(FrameStream, SenderYou, "hello").Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	ev, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev != (TurnStarted{Query: "hello"}) {
		t.Errorf("Decode() = %#v", ev)
	}
}

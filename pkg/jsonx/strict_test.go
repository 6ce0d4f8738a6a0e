package jsonx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type startReq struct {
	Server string `json:"server"`
	Rate   int    `json:"packetsPerSecond"`
}

func req(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
}

func TestDecodeStrictBody(t *testing.T) {
	var v startReq
	if err := DecodeStrictBody(req(` {"server":"h:1","packetsPerSecond":5} `), &v, false); err != nil {
		t.Fatal(err)
	}
	if v.Server != "h:1" || v.Rate != 5 {
		t.Fatalf("v = %+v", v)
	}
}

func TestDecodeStrictBody_Empty(t *testing.T) {
	v := startReq{Rate: 7}
	if err := DecodeStrictBody(req("  \n"), &v, true); err != nil || v.Rate != 7 {
		t.Fatalf("allowEmpty: err %v v %+v", err, v)
	}
	if err := DecodeStrictBody(req(""), &v, false); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("err = %v, want ErrEmptyBody", err)
	}
}

func TestDecodeStrictBody_Rejects(t *testing.T) {
	cases := map[string]string{
		"syntax":   `{"server":`,
		"unknown":  `{"srv":"h:1"}`,
		"type":     `{"packetsPerSecond":"ten"}`,
		"trailing": `{"server":"h:1"} {}`,
		"too big":  `{"server":"` + strings.Repeat("a", MaxBodyBytes) + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var v startReq
			if err := DecodeStrictBody(req(body), &v, false); err == nil {
				t.Fatal("accepted")
			}
		})
	}
}

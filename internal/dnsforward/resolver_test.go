package dnsforward

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeDNSAnswer builds a minimal RFC 1035 response to the given wire-format
// query, answering with a single A or AAAA record pointing back at the
// question name via a compression pointer, exactly as a real resolver would.
func fakeDNSAnswer(query []byte, ip net.IP) []byte {
	resp := make([]byte, len(query))
	copy(resp, query)
	resp[6], resp[7] = 0x00, 0x01 // ANCOUNT=1

	resp = append(resp, 0xC0, 0x0C) // NAME: pointer to offset 12 (the question name)

	var rrType uint16 = RecordTypeA
	rdata := ip.To4()
	if rdata == nil {
		rrType = RecordTypeAAAA
		rdata = ip.To16()
	}
	resp = append(resp, byte(rrType>>8), byte(rrType))
	resp = append(resp, 0x00, 0x01) // CLASS=IN
	resp = append(resp, 0x00, 0x00, 0x00, 0x3C) // TTL=60
	resp = append(resp, byte(len(rdata)>>8), byte(len(rdata)))
	resp = append(resp, rdata...)
	return resp
}

func TestResolverResolveA(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoded := r.URL.Query().Get("dns")
		query, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("decoding dns param: %v", err)
		}
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(fakeDNSAnswer(query, net.IPv4(93, 184, 216, 34)))
	}))
	defer ts.Close()

	resolver := NewResolver(ts.URL)
	respBytes, err := resolver.Resolve(context.Background(), EncodeQuery(QueryTypeA, "example.com"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	addrs, err := DecodeResponse(respBytes)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if len(addrs) != 1 || !addrs[0].Equal(net.IPv4(93, 184, 216, 34)) {
		t.Errorf("addrs = %v, want [93.184.216.34]", addrs)
	}
}

func TestResolverResolveAAAA(t *testing.T) {
	want := net.ParseIP("2001:db8::1")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoded := r.URL.Query().Get("dns")
		query, _ := base64.RawURLEncoding.DecodeString(encoded)
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(fakeDNSAnswer(query, want))
	}))
	defer ts.Close()

	resolver := NewResolver(ts.URL)
	respBytes, err := resolver.Resolve(context.Background(), EncodeQuery(QueryTypeAAAA, "example.com"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	addrs, err := DecodeResponse(respBytes)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if len(addrs) != 1 || !addrs[0].Equal(want) {
		t.Errorf("addrs = %v, want [%v]", addrs, want)
	}
}

func TestResolverPropagatesUpstreamFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	resolver := NewResolver(ts.URL)
	if _, err := resolver.Resolve(context.Background(), EncodeQuery(QueryTypeA, "example.com")); err == nil {
		t.Error("expected an error when the upstream DoH server fails")
	}
}

// Package dnsforward implements the simplified DNS-over-the-tunnel wire
// format carried inside DohQuery/DohResponse control messages.
package dnsforward

import (
	"errors"
	"net"
)

// Record type tags reuse the DNS RRTYPE values for A and AAAA as a
// convenient tag rather than implementing a real DNS wire format.
const (
	RecordTypeA    = 0x01
	RecordTypeAAAA = 0x1C
)

// QueryType selects which record type a query asks for.
type QueryType byte

const (
	QueryTypeA    QueryType = RecordTypeA
	QueryTypeAAAA QueryType = RecordTypeAAAA
)

// EncodeQuery builds a DohQuery.Query payload: query_type(1) ‖ domain.
func EncodeQuery(qtype QueryType, domain string) []byte {
	buf := make([]byte, 1+len(domain))
	buf[0] = byte(qtype)
	copy(buf[1:], domain)
	return buf
}

// DecodeQuery is the inverse of EncodeQuery.
func DecodeQuery(query []byte) (QueryType, string, error) {
	if len(query) < 1 {
		return 0, "", errors.New("dnsforward: empty query")
	}
	return QueryType(query[0]), string(query[1:]), nil
}

// EncodeResponse builds a DohResponse.Response payload: count(1) ‖
// (record_type(1) ‖ octets)*, truncating to 255 addresses (the format's
// count byte can't carry more).
func EncodeResponse(addrs []net.IP) []byte {
	if len(addrs) > 255 {
		addrs = addrs[:255]
	}
	buf := make([]byte, 1)
	buf[0] = byte(len(addrs))
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			buf = append(buf, RecordTypeA)
			buf = append(buf, v4...)
		} else if v6 := addr.To16(); v6 != nil {
			buf = append(buf, RecordTypeAAAA)
			buf = append(buf, v6...)
		}
	}
	return buf
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(response []byte) ([]net.IP, error) {
	if len(response) == 0 {
		return nil, errors.New("dnsforward: empty response")
	}

	count := int(response[0])
	results := make([]net.IP, 0, count)
	offset := 1

	for i := 0; i < count; i++ {
		if offset >= len(response) {
			break
		}
		recordType := response[offset]
		offset++

		switch recordType {
		case RecordTypeA:
			if offset+4 > len(response) {
				break
			}
			results = append(results, net.IP(append([]byte(nil), response[offset:offset+4]...)))
			offset += 4
		case RecordTypeAAAA:
			if offset+16 > len(response) {
				break
			}
			results = append(results, net.IP(append([]byte(nil), response[offset:offset+16]...)))
			offset += 16
		default:
			i = count // unknown record type: stop decoding
		}
	}

	if len(results) == 0 {
		return nil, errors.New("dnsforward: no results")
	}
	return results, nil
}

package protocol

import (
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	dt "github.com/telhawk-systems/telhawk-ndr/detect/internal/detector/detectortest"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/indicator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
	pt "github.com/telhawk-systems/telhawk-ndr/detect/internal/parse/parsetest"
)

// captureTime is the wall clock of a flow observed at mono 0.
var captureTime = time.Unix(1700000000, 0).UTC()

func threats(alerts []*models.Alert) []models.ThreatType {
	out := make([]models.ThreatType, len(alerts))
	for i, a := range alerts {
		out[i] = a.ThreatType
	}
	return out
}

func only(t *testing.T, alerts []*models.Alert, tt models.ThreatType) *models.Alert {
	t.Helper()
	var found *models.Alert
	for _, a := range alerts {
		if a.ThreatType == tt {
			require.Nil(t, found, "more than one %s", tt)
			found = a
		}
	}
	require.NotNil(t, found, "no %s in %v", tt, threats(alerts))
	return found
}

func httpRequest(method, uri, body string, headers ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\nHost: shop.example\r\nUser-Agent: curl/8.4.0\r\n", method, uri)
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	if body != "" {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func TestDescriptors_Register(t *testing.T) {
	r := detector.NewRegistry()
	for _, d := range Descriptors() {
		require.NoError(t, r.Register(d), d.Key)
	}
	assert.Len(t, r.Keys(), 15)
}

func TestMalformedPayloads(t *testing.T) {
	junk := []byte("\x00\x01garbage that is not any protocol at all\xff\xfe")
	for _, d := range Descriptors() {
		t.Run(d.Key, func(t *testing.T) {
			h := dt.New(t, d, nil)
			for _, port := range []int{53, 88, 139, 389, 443, 445, 502, 2375, 4444, 20000, 2404} {
				dst := fmt.Sprintf("10.0.0.20:%d", port)
				assert.NotPanics(t, func() {
					h.Observe(dt.Payload("198.51.100.7:50000", dst, 0, junk))
					h.Observe(dt.UDP("198.51.100.7:50000", dst, 0, junk))
				})
			}
			assert.Empty(t, h.Alerts)
		})
	}
}

func TestWebAttack(t *testing.T) {
	sqli := httpRequest("GET", "/items?id=1%27%20union%20select%20password%20from%20users--", "")
	xss := httpRequest("GET", "/search?q=%3Cscript%3E", "")

	tests := []struct {
		name        string
		sensitivity string
		payload     []byte
		want        []models.ThreatType
	}{
		{"sqli at medium", "medium", sqli, []models.ThreatType{models.ThreatSQLInjection}},
		{"sqli at low", "low", sqli, []models.ThreatType{models.ThreatSQLInjection}},
		{"single signal at medium", "medium", xss, nil},
		{"single signal at high", "high", xss, []models.ThreatType{models.ThreatXSS}},
		{"benign", "high", httpRequest("GET", "/products/42?color=blue", ""), nil},
		{"traversal", "medium", httpRequest("GET", "/download?file=..%2F..%2F..%2Fetc%2Fpasswd", ""), []models.ThreatType{models.ThreatPathTraversal}},
		{
			"webshell upload", "medium",
			httpRequest("POST", "/upload", "--b\r\nContent-Disposition: form-data; name=\"f\"; filename=\"shell.php\"\r\n\r\n<?php system($_GET['c']); ?>\r\n--b--", "Content-Type: multipart/form-data; boundary=b"),
			[]models.ThreatType{models.ThreatWebshellUpload},
		},
		{
			"xxe in body", "medium",
			httpRequest("POST", "/api/import", `<?xml version="1.0"?><!DOCTYPE r [<!ENTITY x SYSTEM "file:///etc/hostname">]><r>&x;</r>`, "Content-Type: application/xml"),
			[]models.ThreatType{models.ThreatXXE},
		},
		{
			"ssrf", "medium",
			httpRequest("GET", "/fetch?url=http://169.254.169.254/latest/meta-data/", ""),
			[]models.ThreatType{models.ThreatSSRF},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := dt.New(t, WebAttack, map[string]any{"sensitivity": tc.sensitivity})
			alerts := h.Observe(dt.Payload("203.0.113.9:51000", "10.0.0.80:80", 0, tc.payload))
			got := threats(alerts)
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			for _, w := range tc.want {
				assert.Contains(t, got, w)
			}
		})
	}

	t.Run("evidence and cooldown", func(t *testing.T) {
		h := dt.New(t, WebAttack, nil)
		a := only(t, h.Observe(dt.Payload("203.0.113.9:51000", "10.0.0.80:80", 0, sqli)), models.ThreatSQLInjection)
		assert.Contains(t, a.Evidence["patterns"], "union_select")
		assert.Equal(t, "GET", a.Evidence["method"])
		assert.Equal(t, "shop.example", a.Evidence["host"])
		assert.Empty(t, h.Observe(dt.Payload("203.0.113.9:51001", "10.0.0.80:80", time.Second, sqli)))
	})
}

func TestHTTPAnomaly(t *testing.T) {
	t.Run("post flood", func(t *testing.T) {
		h := dt.New(t, HTTPAnomaly, map[string]any{"post_threshold": 3})
		for i := 0; i < 5; i++ {
			h.Observe(dt.Payload("203.0.113.9:51000", "10.0.0.80:80", dt.Seconds(float64(i)), httpRequest("POST", "/login", "u=a&p=b")))
		}
		require.Len(t, h.Alerts, 1)
		assert.Equal(t, models.ThreatHTTPPostFlood, h.Alerts[0].ThreatType)
		assert.Equal(t, "3", h.Alerts[0].Evidence["requests"])
	})

	t.Run("high entropy upload", func(t *testing.T) {
		body := make([]byte, 4096)
		_, err := rand.Read(body)
		require.NoError(t, err)
		req := httpRequest("POST", "/sync", string(body), "Content-Type: application/octet-stream")

		h := dt.New(t, HTTPAnomaly, nil)
		a := only(t, h.Observe(dt.Payload("10.0.0.5:51000", "198.51.100.7:80", 0, req)), models.ThreatHTTPDLPExfil)
		assert.Equal(t, "4096", a.Evidence["body_bytes"])

		inbound := dt.New(t, HTTPAnomaly, nil)
		assert.Empty(t, inbound.Observe(dt.Payload("198.51.100.7:51000", "10.0.0.5:80", 0, req)))
	})

	t.Run("text upload", func(t *testing.T) {
		h := dt.New(t, HTTPAnomaly, nil)
		body := strings.Repeat("name=alice&comment=hello+world&", 100)
		assert.Empty(t, h.Observe(dt.Payload("10.0.0.5:51000", "198.51.100.7:80", 0, httpRequest("POST", "/form", body))))
	})
}

func TestICS(t *testing.T) {
	tests := []struct {
		name  string
		desc  detector.Descriptor
		udp   bool
		dst   string
		write []byte
		read  []byte
		want  models.ThreatType
	}{
		{"modbus", Modbus, false, "10.0.5.10:502", pt.Modbus(6), pt.Modbus(3), models.ThreatModbusWriteFlood},
		{"dnp3", DNP3, false, "10.0.5.10:20000", pt.DNP3(5), pt.DNP3(1), models.ThreatDNP3ControlFlood},
		{"iec104", IEC104, false, "10.0.5.10:2404", pt.IEC104(45), pt.IEC104(1), models.ThreatIEC104CommandFlood},
		{"bacnet", BACnet, true, "10.0.5.10:47808", pt.BACnet(15), pt.BACnet(12), models.ThreatBACnetWriteFlood},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			flow := func(mono time.Duration, p []byte) *models.Flow {
				if tc.udp {
					return dt.UDP("10.0.9.9:47808", tc.dst, mono, p)
				}
				return dt.Payload("10.0.9.9:50000", tc.dst, mono, p)
			}

			reads := dt.New(t, tc.desc, map[string]any{"write_threshold": 3})
			for i := 0; i < 20; i++ {
				reads.Observe(flow(dt.Seconds(float64(i)), tc.read))
			}
			assert.Empty(t, reads.Alerts, "reads are never counted")

			h := dt.New(t, tc.desc, map[string]any{"write_threshold": 3})
			for i := 0; i < 2; i++ {
				h.Observe(flow(dt.Seconds(float64(i)), tc.write))
			}
			assert.Empty(t, h.Alerts)
			alerts := h.Observe(flow(dt.Seconds(2), tc.write))
			a := only(t, alerts, tc.want)
			assert.Equal(t, "3", a.Evidence["operations"])
		})
	}
}

func TestTLS_ClientHello(t *testing.T) {
	tests := []struct {
		name  string
		hello pt.Hello
		src   string
		dst   string
		want  []models.ThreatType
	}{
		{
			name:  "modern client",
			hello: pt.Hello{SNI: "www.example.com", Ciphers: []uint16{0x1301, 0xc02f}, Versions: []uint16{0x0304, 0x0303}},
			src:   "10.0.0.5:51000", dst: "198.51.100.7:443",
		},
		{
			name:  "weak suites offered",
			hello: pt.Hello{SNI: "www.example.com", Ciphers: []uint16{0x0005, 0x000a, 0xc02f}},
			src:   "10.0.0.5:51000", dst: "198.51.100.7:443",
			want: []models.ThreatType{models.ThreatWeakCipherOffered},
		},
		{
			name:  "tls 1.0 client",
			hello: pt.Hello{Version: 0x0301, SNI: "legacy.example.com", Ciphers: []uint16{0xc013}},
			src:   "10.0.0.5:51000", dst: "198.51.100.7:443",
			want: []models.ThreatType{models.ThreatDeprecatedTLS},
		},
		{
			name:  "outbound without sni",
			hello: pt.Hello{Ciphers: []uint16{0xc02f}},
			src:   "10.0.0.5:51000", dst: "198.51.100.7:443",
			want: []models.ThreatType{models.ThreatMissingSNI},
		},
		{
			name:  "internal without sni",
			hello: pt.Hello{Ciphers: []uint16{0xc02f}},
			src:   "10.0.0.5:51000", dst: "10.0.0.8:443",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := dt.New(t, TLS, nil)
			got := threats(h.Observe(dt.Payload(tc.src, tc.dst, 0, pt.ClientHello(t, tc.hello))))
			assert.ElementsMatch(t, tc.want, got)
		})
	}

	t.Run("weak suite evidence", func(t *testing.T) {
		h := dt.New(t, TLS, nil)
		a := only(t, h.Observe(dt.Payload("10.0.0.5:51000", "198.51.100.7:443", 0,
			pt.ClientHello(t, pt.Hello{SNI: "a.example", Ciphers: []uint16{0x0005}}))), models.ThreatWeakCipherOffered)
		assert.Equal(t, "TLS_RSA_WITH_RC4_128_SHA", a.Evidence["ciphers"])
	})
}

func TestTLS_JA3(t *testing.T) {
	hello := pt.ClientHello(t, pt.Hello{SNI: "update.example.net", Ciphers: []uint16{0xc02f, 0xc030}})
	hs, err := parse.ParseTLS(hello)
	require.NoError(t, err)
	digest := hs.Client.JA3()

	t.Run("configured digest", func(t *testing.T) {
		h := dt.New(t, TLS, map[string]any{"blocked_ja3": []string{digest}})
		a := only(t, h.Observe(dt.Payload("10.0.0.5:51000", "198.51.100.7:443", 0, hello)), models.ThreatMaliciousJA3)
		assert.Equal(t, digest, a.Evidence["ja3"])
		assert.Equal(t, "config", a.Evidence["match"])
	})

	t.Run("indicator snapshot", func(t *testing.T) {
		b := indicator.NewBuilder()
		require.NoError(t, b.Add(models.Indicator{
			Kind: models.IndicatorJA3, Value: digest, Feed: "sslbl", Confidence: 75,
			Description: "Dridex", List: models.ListBlacklist,
		}))
		h := dt.New(t, TLS, nil).WithIndicators(b.Build(1))
		a := only(t, h.Observe(dt.Payload("10.0.0.5:51000", "198.51.100.7:443", 0, hello)), models.ThreatMaliciousJA3)
		assert.Equal(t, "feed:sslbl", a.Evidence["match"])
		assert.Equal(t, "Dridex", a.Evidence["family"])
		assert.Equal(t, "75", a.Evidence["confidence"])
	})

	t.Run("unknown digest", func(t *testing.T) {
		h := dt.New(t, TLS, nil)
		assert.Empty(t, h.Observe(dt.Payload("10.0.0.5:51000", "198.51.100.7:443", 0, hello)))
	})
}

func TestTLS_ServerSide(t *testing.T) {
	valid := captureTime.Add(180 * 24 * time.Hour)

	t.Run("weak suite negotiated", func(t *testing.T) {
		h := dt.New(t, TLS, nil)
		a := only(t, h.Observe(dt.Payload("198.51.100.7:443", "10.0.0.5:51000", 0, pt.ServerHello(t, 0x0303, 0x000a))), models.ThreatWeakCipherNegotiated)
		assert.Equal(t, "10.0.0.5", a.Source, "the client is the source")
		assert.Equal(t, "198.51.100.7", a.Destination)
		assert.Equal(t, uint16(443), a.DstPort)
		assert.Equal(t, "0x000a", a.Evidence["cipher_id"])
	})

	t.Run("deprecated version negotiated", func(t *testing.T) {
		h := dt.New(t, TLS, nil)
		a := only(t, h.Observe(dt.Payload("198.51.100.7:443", "10.0.0.5:51000", 0, pt.ServerHello(t, 0x0302, 0xc013))), models.ThreatDeprecatedTLS)
		assert.Equal(t, "server", a.Evidence["side"])
	})

	t.Run("expired self-signed", func(t *testing.T) {
		der, _ := pt.Certificate(t, "old.example", captureTime.Add(-48*time.Hour), nil, nil)
		h := dt.New(t, TLS, nil)
		got := threats(h.Observe(dt.Payload("198.51.100.7:443", "10.0.0.5:51000", 0, pt.ServerHello(t, 0x0303, 0xc02f, der))))
		assert.ElementsMatch(t, []models.ThreatType{models.ThreatExpiredCertificate, models.ThreatSelfSignedCertificate}, got)
	})

	t.Run("valid chain", func(t *testing.T) {
		caDER, caKey := pt.Certificate(t, "Example Root", valid.Add(365*24*time.Hour), nil, nil)
		ca, err := x509.ParseCertificate(caDER)
		require.NoError(t, err)
		leaf, _ := pt.Certificate(t, "www.example.com", valid, ca, caKey)

		h := dt.New(t, TLS, nil)
		assert.Empty(t, h.Observe(dt.Payload("198.51.100.7:443", "10.0.0.5:51000", 0, pt.ServerHello(t, 0x0303, 0xc02f, leaf, caDER))))
	})

	t.Run("certificate checks disabled", func(t *testing.T) {
		der, _ := pt.Certificate(t, "old.example", captureTime.Add(-48*time.Hour), nil, nil)
		h := dt.New(t, TLS, map[string]any{"check_certificates": false})
		assert.Empty(t, h.Observe(dt.Payload("198.51.100.7:443", "10.0.0.5:51000", 0, pt.ServerHello(t, 0x0303, 0xc02f, der))))
	})
}

func TestKerberos(t *testing.T) {
	const kdc = "10.0.0.2:88"

	t.Run("weak only etypes", func(t *testing.T) {
		h := dt.New(t, Kerberos, nil)
		req := pt.KDCReq(parse.KrbASReq, true, "alice", []string{"krbtgt", "CORP.EXAMPLE"}, parse.EtypeRC4HMAC)
		a := only(t, h.Observe(dt.UDP("10.0.0.50:50000", kdc, 0, req)), models.ThreatKerberosWeakEncryption)
		assert.Equal(t, "23", a.Evidence["etypes"])

		strong := pt.KDCReq(parse.KrbASReq, true, "alice", []string{"krbtgt", "CORP.EXAMPLE"}, 18, 23)
		assert.Empty(t, dt.New(t, Kerberos, nil).Observe(dt.UDP("10.0.0.50:50000", kdc, 0, strong)))
	})

	t.Run("kerberoasting", func(t *testing.T) {
		h := dt.New(t, Kerberos, map[string]any{"roast_threshold": 3})
		for i := 0; i < 2; i++ {
			req := pt.KDCReq(parse.KrbTGSReq, true, "mallory", []string{"MSSQLSvc", fmt.Sprintf("db%d.corp.example", i)}, 18, 23)
			h.Observe(dt.UDP("10.0.0.50:50000", kdc, dt.Seconds(float64(i)), req))
		}
		assert.Empty(t, h.Alerts)
		again := pt.KDCReq(parse.KrbTGSReq, true, "mallory", []string{"MSSQLSvc", "db0.corp.example"}, 18, 23)
		assert.Empty(t, h.Observe(dt.UDP("10.0.0.50:50000", kdc, dt.Seconds(2), again)), "repeated service is not distinct")

		req := pt.KDCReq(parse.KrbTGSReq, true, "mallory", []string{"HTTP", "web.corp.example"}, 18, 23)
		a := only(t, h.Observe(dt.UDP("10.0.0.50:50000", kdc, dt.Seconds(3), req)), models.ThreatKerberoasting)
		assert.Equal(t, "3", a.Evidence["services"])
		assert.Equal(t, "HTTP/web.corp.example", a.Evidence["last_sname"])
	})

	t.Run("tgs without rc4 is not roasting", func(t *testing.T) {
		h := dt.New(t, Kerberos, map[string]any{"roast_threshold": 3})
		for i := 0; i < 10; i++ {
			req := pt.KDCReq(parse.KrbTGSReq, true, "bob", []string{"cifs", fmt.Sprintf("fs%d", i)}, 17, 18)
			h.Observe(dt.UDP("10.0.0.50:50000", kdc, dt.Seconds(float64(i)), req))
		}
		assert.Empty(t, h.Alerts)
	})

	t.Run("asrep roasting", func(t *testing.T) {
		h := dt.New(t, Kerberos, map[string]any{"roast_threshold": 3})
		var alerts []*models.Alert
		for i := 0; i < 3; i++ {
			req := pt.KDCReq(parse.KrbASReq, false, fmt.Sprintf("user%d", i), []string{"krbtgt", "CORP.EXAMPLE"}, 18, 17)
			alerts = append(alerts, h.Observe(dt.UDP("10.0.0.50:50000", kdc, dt.Seconds(float64(i)), req))...)
		}
		a := only(t, alerts, models.ThreatASREPRoasting)
		assert.Equal(t, "3", a.Evidence["accounts"])

		pre := dt.New(t, Kerberos, map[string]any{"roast_threshold": 3})
		for i := 0; i < 5; i++ {
			req := pt.KDCReq(parse.KrbASReq, true, fmt.Sprintf("user%d", i), []string{"krbtgt", "CORP.EXAMPLE"}, 18)
			pre.Observe(dt.UDP("10.0.0.50:50000", kdc, dt.Seconds(float64(i)), req))
		}
		assert.Empty(t, pre.Alerts)
	})

	t.Run("preauth failures from the kdc", func(t *testing.T) {
		h := dt.New(t, Kerberos, map[string]any{"failure_threshold": 3})
		for i := 0; i < 2; i++ {
			h.Observe(dt.UDP(kdc, "10.0.0.50:50000", dt.Seconds(float64(i)), pt.KrbError(parse.KrbErrPreauthFail)))
		}
		assert.Empty(t, h.Alerts)
		a := only(t, h.Observe(dt.UDP(kdc, "10.0.0.50:50000", dt.Seconds(2), pt.KrbError(parse.KrbErrPreauthFail))), models.ThreatKerberosBruteforce)
		assert.Equal(t, "10.0.0.50", a.Source)
		assert.Equal(t, "10.0.0.50", a.Actor)
		assert.Equal(t, "10.0.0.2", a.Destination)
	})

	t.Run("other errors are ignored", func(t *testing.T) {
		h := dt.New(t, Kerberos, map[string]any{"failure_threshold": 2})
		for i := 0; i < 5; i++ {
			h.Observe(dt.UDP(kdc, "10.0.0.50:50000", dt.Seconds(float64(i)), pt.KrbError(parse.KrbErrPreauthReq)))
		}
		assert.Empty(t, h.Alerts)
	})
}

func dnsFlow(t *testing.T, name string, qtype uint16, mono time.Duration) *models.Flow {
	return dt.UDP("10.0.0.5:53000", "10.0.0.53:53", mono, pt.DNSQuery(t, name, qtype))
}

func TestDNSTunnel(t *testing.T) {
	t.Run("long subdomains", func(t *testing.T) {
		h := dt.New(t, DNSTunnel, map[string]any{"query_count": 3})
		for i := 0; i < 3; i++ {
			name := fmt.Sprintf("%060x.t.exfil.example", i+1)
			h.Observe(dnsFlow(t, name, dns.TypeA, dt.Seconds(float64(i))))
		}
		a := only(t, h.Alerts, models.ThreatDNSTunnel)
		assert.Equal(t, "exfil.example", a.Evidence["base_domain"])
		assert.Contains(t, a.Evidence["reasons"], "long_subdomain")
		assert.Equal(t, "62", a.Evidence["max_subdomain_length"])
	})

	t.Run("txt queries", func(t *testing.T) {
		h := dt.New(t, DNSTunnel, map[string]any{"query_count": 4})
		for i := 0; i < 4; i++ {
			h.Observe(dnsFlow(t, fmt.Sprintf("c%d.relay.example", i), dns.TypeTXT, dt.Seconds(float64(i))))
		}
		a := only(t, h.Alerts, models.ThreatDNSTunnel)
		assert.Equal(t, "record_txt", a.Evidence["reasons"])
	})

	t.Run("ordinary lookups", func(t *testing.T) {
		h := dt.New(t, DNSTunnel, map[string]any{"query_count": 3})
		for i := 0; i < 30; i++ {
			h.Observe(dnsFlow(t, "www.example.com", dns.TypeA, dt.Seconds(float64(i))))
		}
		assert.Empty(t, h.Alerts)
	})

	t.Run("whitelisted domain", func(t *testing.T) {
		b := indicator.NewBuilder()
		require.NoError(t, b.Add(models.Indicator{Kind: models.IndicatorDomain, Value: "exfil.example", List: models.ListWhitelist}))
		h := dt.New(t, DNSTunnel, map[string]any{"query_count": 3}).WithIndicators(b.Build(1))
		for i := 0; i < 5; i++ {
			h.Observe(dnsFlow(t, fmt.Sprintf("%060x.exfil.example", i), dns.TypeA, dt.Seconds(float64(i))))
		}
		assert.Empty(t, h.Alerts)
	})

	t.Run("responses are ignored", func(t *testing.T) {
		m := new(dns.Msg)
		m.SetQuestion(fmt.Sprintf("%060x.exfil.example.", 1), dns.TypeTXT)
		m.Response = true
		wire, err := m.Pack()
		require.NoError(t, err)
		h := dt.New(t, DNSTunnel, map[string]any{"query_count": 2})
		for i := 0; i < 5; i++ {
			h.Observe(dt.UDP("10.0.0.53:53", "10.0.0.5:53000", dt.Seconds(float64(i)), wire))
		}
		assert.Empty(t, h.Alerts)
	})
}

func TestDGA(t *testing.T) {
	tests := []struct {
		name   string
		domain string
		alert  bool
	}{
		{"random label", "xkqjzvbwtrplmnhd.com", true},
		{"random label with subdomain", "www.qwrtzpsdfghjklx.net", true},
		{"short label", "bit.ly", false},
		{"dictionary words", "microsoftonline.com", false},
		{"vowel heavy", "googleapis.com", false},
		{"reverse lookup", "5.0.0.10.in-addr.arpa", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := dt.New(t, DGA, nil)
			alerts := h.Observe(dnsFlow(t, tc.domain, dns.TypeA, 0))
			if !tc.alert {
				assert.Empty(t, alerts)
				return
			}
			a := only(t, alerts, models.ThreatDGADomain)
			assert.Equal(t, tc.domain, a.Evidence["domain"])
		})
	}
}

func smbFlow(mono time.Duration, payload []byte) *models.Flow {
	return dt.Payload("10.0.0.5:50000", "10.0.0.20:445", mono, payload)
}

func TestSMB(t *testing.T) {
	t.Run("smb1", func(t *testing.T) {
		h := dt.New(t, SMB, nil)
		a := only(t, h.Observe(smbFlow(0, pt.SMB1Negotiate())), models.ThreatSMB1Usage)
		assert.Equal(t, models.SeverityLow, a.Severity)
	})

	t.Run("admin shares", func(t *testing.T) {
		tests := []struct {
			share    string
			alert    bool
			severity models.Severity
		}{
			{`\\10.0.0.20\C$`, true, models.SeverityHigh},
			{`\\10.0.0.20\ADMIN$`, true, models.SeverityHigh},
			{`\\10.0.0.20\IPC$`, true, models.SeverityMedium},
			{`\\10.0.0.20\projects`, false, 0},
		}
		for _, tc := range tests {
			t.Run(tc.share, func(t *testing.T) {
				h := dt.New(t, SMB, nil)
				alerts := h.Observe(smbFlow(0, pt.SMB2TreeConnect(tc.share)))
				if !tc.alert {
					assert.Empty(t, alerts)
					return
				}
				a := only(t, alerts, models.ThreatSMBAdminShare)
				assert.Equal(t, tc.severity, a.Severity)
				assert.Equal(t, tc.share, a.Evidence["full_path"])
			})
		}
	})

	t.Run("sensitive files", func(t *testing.T) {
		tests := []struct {
			file string
			want models.ThreatType
		}{
			{`Windows\NTDS\ntds.dit`, models.ThreatNTDSAccess},
			{`Windows\System32\config\SAM`, models.ThreatRegistryHiveAccess},
			{`Windows\Temp\lsass.DMP`, models.ThreatLSASSDumpAccess},
			{`Users\bob\Q3 report.docx.locked`, models.ThreatRansomware},
			{`Users\bob\HOW_TO_DECRYPT.txt`, models.ThreatRansomware},
		}
		for _, tc := range tests {
			t.Run(tc.file, func(t *testing.T) {
				h := dt.New(t, SMB, nil)
				a := only(t, h.Observe(smbFlow(0, pt.SMB2Create(tc.file))), tc.want)
				assert.Equal(t, tc.file, a.Evidence["filename"])
			})
		}
		h := dt.New(t, SMB, nil)
		assert.Empty(t, h.Observe(smbFlow(0, pt.SMB2Create(`Users\bob\notes.txt`))))
	})

	t.Run("create burst", func(t *testing.T) {
		h := dt.New(t, SMB, map[string]any{"ransomware_create_threshold": 10})
		for i := 0; i < 12; i++ {
			h.Observe(smbFlow(time.Duration(i)*100*time.Millisecond, pt.SMB2Create(fmt.Sprintf(`share\doc%d.xlsx`, i))))
		}
		a := only(t, h.Alerts, models.ThreatRansomware)
		assert.Equal(t, "create_burst", a.Evidence["reason"])
	})

	t.Run("enumeration", func(t *testing.T) {
		h := dt.New(t, SMB, map[string]any{"enumeration_threshold": 3})
		for i := 0; i < 5; i++ {
			h.Observe(smbFlow(dt.Seconds(float64(i)), pt.SMB2QueryDirectory()))
		}
		a := only(t, h.Alerts, models.ThreatSMBEnumeration)
		assert.Equal(t, "3", a.Evidence["query_count"])
	})

	t.Run("lateral pattern", func(t *testing.T) {
		h := dt.New(t, SMB, nil)
		mono := time.Duration(0)
		for i := 0; i < 5; i++ {
			mono += time.Second
			h.Observe(smbFlow(mono, pt.SMB2TreeConnect(fmt.Sprintf(`\\10.0.0.20\share%d`, i))))
			for j := 0; j < 2; j++ {
				mono += time.Second
				h.Observe(smbFlow(mono, pt.SMB2Create(fmt.Sprintf(`dir%d\file%d.txt`, i, j))))
			}
		}
		a := only(t, h.Alerts, models.ThreatSMBLateralPattern)
		assert.Equal(t, "5", a.Evidence["tree_connects"])
		assert.Equal(t, "10", a.Evidence["file_creates"])
	})

	t.Run("other ports", func(t *testing.T) {
		h := dt.New(t, SMB, nil)
		assert.Empty(t, h.Observe(dt.Payload("10.0.0.5:50000", "10.0.0.20:8445", 0, pt.SMB1Negotiate())))
	})
}

func ldapFlow(mono time.Duration, payload []byte) *models.Flow {
	return dt.Payload("10.0.0.5:50000", "10.0.0.2:389", mono, payload)
}

func TestLDAP(t *testing.T) {
	const base = "DC=corp,DC=example"
	tests := []struct {
		name    string
		payload []byte
		want    []models.ThreatType
	}{
		{"spn", pt.LDAPSearch(1, base, pt.Present("servicePrincipalName")), []models.ThreatType{models.ThreatLDAPSPNEnumeration}},
		{"asrep", pt.LDAPSearch(2, base, pt.And(pt.Equal("objectClass", "user"), pt.Equal("userAccountControl", "4194304"))), []models.ThreatType{models.ThreatLDAPASREPEnumeration}},
		{"admins", pt.LDAPSearch(3, base, pt.Equal("adminCount", "1")), []models.ThreatType{models.ThreatLDAPAdminEnumeration}},
		{"sensitive attrs", pt.LDAPSearch(4, base, pt.Equal("sAMAccountName", "svc_sql"), "cn", "ms-Mcs-AdmPwd"), []models.ThreatType{models.ThreatLDAPSensitiveAttr}},
		{"ordinary search", pt.LDAPSearch(5, base, pt.Equal("sAMAccountName", "alice"), "cn", "mail"), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := dt.New(t, LDAP, nil)
			assert.ElementsMatch(t, tc.want, threats(h.Observe(ldapFlow(0, tc.payload))))
		})
	}

	t.Run("sensitive base evidence", func(t *testing.T) {
		h := dt.New(t, LDAP, nil)
		payload := pt.LDAPSearch(1, "CN=Configuration,DC=corp,DC=example", pt.Present("objectClass"), "unicodePwd")
		a := only(t, h.Observe(ldapFlow(0, payload)), models.ThreatLDAPSensitiveAttr)
		assert.Equal(t, "cn=configuration", a.Evidence["sensitive_base"])
	})

	t.Run("enumeration rate", func(t *testing.T) {
		h := dt.New(t, LDAP, map[string]any{"enumeration_threshold": 3})
		for i := 0; i < 4; i++ {
			h.Observe(ldapFlow(dt.Seconds(float64(i)), pt.LDAPSearch(i+1, fmt.Sprintf("OU=team%d,%s", i%2, base), pt.Present("objectClass"))))
		}
		a := only(t, h.Alerts, models.ThreatLDAPEnumeration)
		assert.Equal(t, "3", a.Evidence["query_count"])
		assert.Equal(t, "2", a.Evidence["unique_bases"])
	})
}

func TestDCSync(t *testing.T) {
	bind := pt.DCERPCBind(parse.InterfaceDRSUAPI)

	t.Run("workstation", func(t *testing.T) {
		h := dt.New(t, DCSync, nil).WithDomainControllers("10.0.0.2", "10.0.0.3")
		a := only(t, h.Observe(dt.Payload("10.0.0.5:50000", "10.0.0.2:49667", 0, bind)), models.ThreatDCSync)
		assert.Equal(t, "drsuapi", a.Evidence["interface"])
	})

	t.Run("domain controller", func(t *testing.T) {
		h := dt.New(t, DCSync, nil).WithDomainControllers("10.0.0.2", "10.0.0.3")
		assert.Empty(t, h.Observe(dt.Payload("10.0.0.3:50000", "10.0.0.2:49667", 0, bind)))
	})

	t.Run("other interfaces", func(t *testing.T) {
		h := dt.New(t, DCSync, nil)
		assert.Empty(t, h.Observe(dt.Payload("10.0.0.5:50000", "10.0.0.2:49667", 0, pt.DCERPCBind(parse.InterfaceSAMR))))
		assert.Empty(t, h.Observe(dt.Payload("10.0.0.5:50000", "10.0.0.2:49667", time.Second, pt.DCERPCRequest(parse.DRSGetNCChanges))))
	})
}

func TestContainerEscape(t *testing.T) {
	tests := []struct {
		name    string
		dst     string
		payload []byte
		want    string
	}{
		{
			"privileged create", "10.0.0.30:2375",
			httpRequest("POST", "/v1.43/containers/create", `{"Image":"alpine","HostConfig":{"Privileged": true,"Binds":["/:/host"]}}`, "Content-Type: application/json"),
			"privileged,host_root_bind",
		},
		{
			"docker socket mount", "10.0.0.30:2375",
			httpRequest("POST", "/containers/create", `{"Image":"alpine","HostConfig":{"Binds":["/var/run/docker.sock:/var/run/docker.sock"]}}`, "Content-Type: application/json"),
			"docker_socket",
		},
		{
			"kubelet exec", "10.0.0.31:10250",
			httpRequest("POST", "/exec/default/web-0/app?command=sh&input=1&output=1", ""),
			"kubelet_exec",
		},
		{
			"host namespaces pod", "10.0.0.32:6443",
			httpRequest("POST", "/api/v1/namespaces/default/pods", `{"spec":{"hostPID":true,"hostNetwork":true,"containers":[{"name":"x","image":"alpine"}]}}`, "Content-Type: application/json"),
			"host_pid,host_network",
		},
		{"listing", "10.0.0.30:2375", httpRequest("GET", "/containers/json", ""), ""},
		{
			"plain create", "10.0.0.30:2375",
			httpRequest("POST", "/containers/create", `{"Image":"nginx","HostConfig":{"Binds":["/srv/www:/usr/share/nginx/html:ro"]}}`, "Content-Type: application/json"),
			"",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := dt.New(t, ContainerEscape, nil)
			alerts := h.Observe(dt.Payload("203.0.113.9:51000", tc.dst, 0, tc.payload))
			if tc.want == "" {
				assert.Empty(t, alerts)
				return
			}
			a := only(t, alerts, models.ThreatContainerEscape)
			assert.Equal(t, tc.want, a.Evidence["indicators"])
		})
	}
}

func TestC2Channel(t *testing.T) {
	beacon := func(h *dt.Harness, dst string, sizes func(i int) int, n int) {
		for i := 0; i < n; i++ {
			h.Observe(dt.Payload("10.0.0.5:50000", dst, time.Duration(i)*30*time.Second, make([]byte, sizes(i))))
		}
	}

	t.Run("constant small payloads", func(t *testing.T) {
		h := dt.New(t, C2Channel, nil)
		beacon(h, "198.51.100.7:4444", func(i int) int { return 64 + i%3 }, 10)
		a := only(t, h.Alerts, models.ThreatC2Communication)
		assert.Equal(t, "8", a.Evidence["payloads"])
		assert.Equal(t, "4444", a.Evidence["port"])
	})

	t.Run("varied sizes", func(t *testing.T) {
		h := dt.New(t, C2Channel, nil)
		beacon(h, "198.51.100.7:4444", func(i int) int { return []int{16, 400, 64, 300, 20, 500, 90, 250}[i%8] }, 16)
		assert.Empty(t, h.Alerts)
	})

	t.Run("large payloads", func(t *testing.T) {
		h := dt.New(t, C2Channel, nil)
		beacon(h, "198.51.100.7:4444", func(int) int { return 1200 }, 10)
		assert.Empty(t, h.Alerts)
	})

	t.Run("other ports", func(t *testing.T) {
		h := dt.New(t, C2Channel, nil)
		beacon(h, "198.51.100.7:443", func(int) int { return 64 }, 10)
		assert.Empty(t, h.Alerts)
	})

	t.Run("gap restarts the channel", func(t *testing.T) {
		h := dt.New(t, C2Channel, map[string]any{"time_window": time.Minute})
		for i := 0; i < 10; i++ {
			h.Observe(dt.Payload("10.0.0.5:50000", "198.51.100.7:4444", time.Duration(i)*2*time.Minute, make([]byte, 64)))
		}
		assert.Empty(t, h.Alerts)
	})
}

func TestEvict(t *testing.T) {
	h := dt.New(t, Kerberos, map[string]any{"roast_threshold": 100})
	for i := 0; i < 3; i++ {
		req := pt.KDCReq(parse.KrbTGSReq, true, "bob", []string{"cifs", fmt.Sprintf("fs%d", i)}, 23)
		h.Observe(dt.UDP(fmt.Sprintf("10.0.0.%d:50000", 50+i), "10.0.0.2:88", dt.Seconds(float64(i)), req))
	}
	assert.Zero(t, h.Evict(dt.Seconds(10), time.Minute))
	assert.Positive(t, h.Evict(dt.Seconds(600), time.Minute))
}
